package rootscan

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
)

// HttpHandler returns a handler rendering the state of the scanner and its
// last pause. POSTing "pause" runs a pause over the default heap range;
// "serve" (with "addr") and "stop" control the RPC server.
func (s *Scanner) HttpHandler() http.Handler {
	return httpHandler{s: s}
}

type httpHandler struct {
	s *Scanner
}

const httpPauseTimeout = 10 * time.Second

func (h httpHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// GETs render the current state.
	if req.Method == http.MethodGet {
		h.handleGet(w)
		return
	}

	if err := req.ParseForm(); err != nil {
		h.s.cfg.errorLogger(fmt.Errorf("failed to parse form: %w", err))
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	switch {
	case req.Form.Has("pause"):
		ctx, cancel := context.WithTimeout(req.Context(), httpPauseTimeout)
		defer cancel()
		if _, err := h.s.Pause(ctx, Range{}); err != nil {
			h.s.cfg.errorLogger(fmt.Errorf("pause failed: %w", err))
		}
	case req.Form.Has("stop"):
		h.s.Stop()
	case req.Form.Has("serve"):
		if err := h.s.Serve(req.Form.Get("addr")); err != nil {
			h.s.cfg.errorLogger(err)
		}
	default:
		h.s.cfg.errorLogger(fmt.Errorf("invalid POST: missing pause/serve/stop"))
		http.Error(w, "missing pause/serve/stop", http.StatusBadRequest)
		return
	}

	// Generate the page after the update.
	h.handleGet(w)
}

func (h httpHandler) handleGet(w http.ResponseWriter) {
	s := h.s
	s.mu.Lock()
	last, lastErr := s.mu.last, s.mu.lastErr
	s.mu.Unlock()

	var addr, color string
	if a := s.Addr(); a != nil {
		addr, color = a.String(), "green"
	} else {
		addr, color = "not serving", "red"
	}

	sb := strings.Builder{}
	sb.WriteString(`<html>
<head>
	<title>Root scan</title>
	<style>
	.circle {
		height: 21px;
		width: 21px;
		border-radius: 50%;
		display: inline-block;
	}
	td, th { padding: 0 8px; text-align: right; }
	</style>
</head>
<body>
<h1>Root scan</h1>
<form action="" method="POST">
<div style="
	display:grid;
	gap:3px;
	grid-template-columns: 9em 20em;
	margin-bottom: 10px;"
	>
`)
	sb.WriteString(fmt.Sprintf("<div>Process:</div><div>%d</div>\n", s.PID()))
	sb.WriteString(fmt.Sprintf("<div>Threads:</div><div>%d</div>\n", len(s.Threads())))
	sb.WriteString(fmt.Sprintf(`
<div>RPC server:</div>
<div style="display:flex; flex-direction:row; align-items:center; gap:3px">
	<div class="circle" style="background-color:%s;"></div>
	<span>%s</span>
</div>`, color, html.EscapeString(addr)))
	sb.WriteString("<div>Listen address:</div>")
	sb.WriteString(fmt.Sprintf(`<input type="text" name="addr" value="%s"/>`,
		html.EscapeString(DefaultListenAddr())))
	sb.WriteString(`
</div>
<input type="submit" value="Pause" name="pause"/>
<input type="submit" value="Serve" name="serve"/>
<input type="submit" value="Stop serving" name="stop"/>
</form>
`)

	if lastErr != nil {
		sb.WriteString(fmt.Sprintf("<p>Last pause failed: %s</p>\n", html.EscapeString(lastErr.Error())))
	}
	if last != nil {
		writeReport(&sb, last)
	}
	sb.WriteString("</body>\n</html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(sb.String())); err != nil {
		s.cfg.errorLogger(fmt.Errorf("failed to write response: %w", err))
	}
}

func writeReport(sb *strings.Builder, r *Report) {
	st := r.Statistics
	sb.WriteString(fmt.Sprintf(`<h2>Pause %s</h2>
<p>At %s, heap %s: %d roots, %d threads (%d skipped), complete: %t.<br/>
Suspend %s, scan %s, resume %s, total %s.</p>
`,
		r.ID, r.Timestamp.Format(time.RFC3339Nano), r.Heap, r.Roots.Len(),
		st.NumThreads, st.SkippedThreads, r.Complete(),
		st.SuspendDuration, st.ScanDuration, st.ResumeDuration, st.TotalDuration))
	sb.WriteString("<table>\n<tr><th>Thread</th><th>Stack</th><th>SP</th><th>Words</th><th>Roots</th><th>Unreadable</th><th>Note</th></tr>\n")
	for _, t := range r.Threads {
		var note string
		switch {
		case t.Skipped && t.Err != nil:
			note = t.Err.Error()
		case t.Skipped:
			note = "skipped"
		case t.Clamped:
			note = "stack pointer outside stack"
		case t.Incomplete:
			note = "incomplete"
		}
		sb.WriteString(fmt.Sprintf(
			"<tr><td>%d</td><td>%s</td><td>%#x</td><td>%d</td><td>%d</td><td>%d</td><td>%s</td></tr>\n",
			t.ID, t.Region, t.StackPointer, t.Result.Words, t.Result.Roots,
			t.Result.UnreadableBytes, html.EscapeString(note)))
	}
	sb.WriteString("</table>\n")
}
