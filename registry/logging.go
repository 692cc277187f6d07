package registry

import (
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonLogEntry represents an access log entry in JSON format.
type jsonLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Size      int       `json:"size"`
	Referer   string    `json:"referer"`
	UserAgent string    `json:"user_agent"`
}

// responseLogger records the status and body size written through it.
type responseLogger struct {
	http.ResponseWriter
	status int
	size   int
}

func (l *responseLogger) Write(p []byte) (int, error) {
	size, err := l.ResponseWriter.Write(p)
	l.size += size
	return size, err
}

func (l *responseLogger) WriteHeader(status int) {
	if l.status == 0 {
		l.status = status
	}
	l.ResponseWriter.WriteHeader(status)
}

func (l *responseLogger) Status() int {
	if l.status == 0 {
		return http.StatusOK
	}
	return l.status
}

// JSONLoggingHandler returns a http.Handler that wraps h and logs requests
// to out as one JSON object per line, similar to Combined Log Format.
func JSONLoggingHandler(out io.Writer, h http.Handler) http.Handler {
	enc := json.NewEncoder(out)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger := &responseLogger{ResponseWriter: w}
		start := time.Now()

		h.ServeHTTP(logger, req)

		_ = enc.Encode(&jsonLogEntry{
			Timestamp: start.UTC(),
			Method:    req.Method,
			Path:      req.URL.Path,
			Status:    logger.Status(),
			Size:      logger.size,
			Referer:   req.Referer(),
			UserAgent: req.UserAgent(),
		})
	})
}
