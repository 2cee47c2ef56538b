//go:build !(linux && amd64)

package suspend

// OsArchSupported returns whether the combination of OS and architecture are
// supported.
func OsArchSupported() bool {
	return false
}

// New fails on this platform.
func New() (Suspender, error) {
	if err := PlatformSupported(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupportedPlatform
}
