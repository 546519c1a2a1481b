package orchestrator

import "net/http"

// securityHeaders strips version-revealing headers from every
// response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&headerRemovalWriter{ResponseWriter: w}, r)
	})
}

type headerRemovalWriter struct {
	http.ResponseWriter
	written bool
}

func (w *headerRemovalWriter) WriteHeader(statusCode int) {
	w.apply()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *headerRemovalWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.apply()
	}
	return w.ResponseWriter.Write(b)
}

func (w *headerRemovalWriter) apply() {
	if w.written {
		return
	}
	w.written = true
	h := w.ResponseWriter.Header()
	h.Del("Server")
	h.Del("X-Powered-By")
	h.Set("Server", "sprintd")
}

func (w *headerRemovalWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
