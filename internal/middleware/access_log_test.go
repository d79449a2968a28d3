package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_meter/internal/logging"
)

func TestAccessLog(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	handler := chimw.RequestID(AccessLog(logging.NewLoggerFrom(base, "http"), "/health")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/fail":
				w.WriteHeader(http.StatusServiceUnavailable)
			case "/implicit":
				w.Write([]byte("ok"))
			default:
				w.WriteHeader(http.StatusAccepted)
			}
		}),
	))

	tests := []struct {
		name   string
		path   string
		status int
		level  logrus.Level
	}{
		{"explicit status", "/v1/hooks/assistant-messages/a1", http.StatusAccepted, logrus.InfoLevel},
		{"implicit 200", "/implicit", http.StatusOK, logrus.InfoLevel},
		{"server error", "/fail", http.StatusServiceUnavailable, logrus.ErrorLevel},
		{"quiet path", "/health", http.StatusAccepted, logrus.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook.Reset()

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			require.Len(t, hook.AllEntries(), 1)
			entry := hook.LastEntry()
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, tt.status, entry.Data["status"])
			assert.Equal(t, tt.path, entry.Data["path"])
			assert.Equal(t, "http", entry.Data["component"])
			assert.NotEmpty(t, entry.Data["request_id"])
		})
	}
}
