package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DataExMachina-dev/rootscan-go/rootscan"
)

// config is the file format of -config. Flags given on the command line
// override it.
type config struct {
	PID     int    `yaml:"pid"`
	Heap    string `yaml:"heap"`
	Workers int    `yaml:"workers"`
	Asserts bool   `yaml:"asserts"`
	Listen  string `yaml:"listen"`
	Dial    string `yaml:"dial"`
	Connect string `yaml:"connect"`
	LockDir string `yaml:"lock_dir"`
	// Roots lists every root found instead of only a summary.
	Roots bool `yaml:"roots"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// parseHeap parses a heap range written as "LOW-HIGH". Both bounds accept
// any base strconv understands, such as 0x-prefixed hex. An empty string is
// the empty range.
func parseHeap(s string) (rootscan.Range, error) {
	if s == "" {
		return rootscan.Range{}, nil
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return rootscan.Range{}, fmt.Errorf("heap range %q is not LOW-HIGH", s)
	}
	low, err := strconv.ParseUint(strings.TrimSpace(lo), 0, 64)
	if err != nil {
		return rootscan.Range{}, fmt.Errorf("invalid heap low %q: %w", lo, err)
	}
	high, err := strconv.ParseUint(strings.TrimSpace(hi), 0, 64)
	if err != nil {
		return rootscan.Range{}, fmt.Errorf("invalid heap high %q: %w", hi, err)
	}
	r := rootscan.Range{Low: uintptr(low), High: uintptr(high)}
	if r.Empty() {
		return rootscan.Range{}, fmt.Errorf("empty heap range %q", s)
	}
	return r, nil
}
