package server

import "net/http"

// Pre-allocated byte slices for SSE formatting, avoiding heap allocations on
// every write in the streaming hot path.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("data: ")
	sseNewline     = []byte("\n")
	sseBlankLine   = []byte("\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEFrame writes one normalizer.Frame: a named "event:" line when
// f.Event is non-empty (Anthropic's wire uses named events; OpenAI-wire
// shapes leave it blank and rely on anonymous "data:" frames), followed by
// its JSON "data:" payload.
func writeSSEFrame(w http.ResponseWriter, event string, data []byte) {
	if event != "" {
		w.Write(sseEventPrefix)
		w.Write([]byte(event))
		w.Write(sseNewline)
	}
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseBlankLine)
}

// writeSSEError writes a terminal SSE error event in the caller's protocol
// before the stream closes.
func writeSSEError(w http.ResponseWriter, event string, data []byte) {
	writeSSEFrame(w, event, data)
}

// writeSSEKeepAlive writes an SSE comment to keep the connection alive
// through idle proxies while an upstream generation is still running.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}
