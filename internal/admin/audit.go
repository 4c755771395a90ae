package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxAuditBody = 1024

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// sensitiveKeys mark body fields that are logged as "[redacted]".
var sensitiveKeys = []string{"secret", "private", "seed", "token", "password", "key"}

func isSensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// requestID keeps a well-formed inbound X-Request-ID so operator tooling can
// correlate; anything else is replaced.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); requestIDPattern.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

// summarizeBody renders at most maxAuditBody bytes. A JSON object has its
// sensitive top-level fields masked; other bodies are logged raw.
func summarizeBody(raw []byte) string {
	truncated := len(raw) > maxAuditBody
	if truncated {
		raw = raw[:maxAuditBody]
	}
	var obj map[string]json.RawMessage
	if !truncated && json.Unmarshal(raw, &obj) == nil {
		for k := range obj {
			if isSensitive(k) {
				obj[k] = json.RawMessage(`"[redacted]"`)
			}
		}
		if out, err := json.Marshal(obj); err == nil {
			return string(out)
		}
	}
	if truncated {
		return string(raw) + "...(truncated)"
	}
	return string(raw)
}

// AuditMiddleware records every state-changing admin call. Reads are not
// logged.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	logger = logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		id := requestID(r)
		w.Header().Set("X-Request-ID", id)
		_, authenticated := bearerToken(r)

		var body string
		if r.Body != nil {
			head, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBody+1))
			if err == nil {
				body = summarizeBody(head)
				r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
			}
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		level := slog.LevelInfo
		switch {
		case sw.status >= 500:
			level = slog.LevelError
		case sw.status >= 400:
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "admin API audit",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", clientAddr(r),
			"authenticated", authenticated,
			"body", body,
			"response_status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

type replayBody struct {
	io.Reader
	io.Closer
}
