// Package statusapi exposes a DatabasePool's reader-pool and snapshot-token
// occupancy over HTTP, for operators and health checks — a thin, read-only
// surface, not part of the concurrency core itself.
package statusapi

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"waldb"
	"waldb/logging"
)

func openAppendLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// Stats is the JSON shape returned by GET /status.
type Stats struct {
	ReaderPoolSize    int   `json:"reader_pool_size"`
	ReaderConnsOpen   int   `json:"reader_conns_open"`
	ReaderConnsIdle   int   `json:"reader_conns_idle"`
	ReaderConnsInUse  int   `json:"reader_conns_in_use"`
	ReaderWaiters     int   `json:"reader_waiters"`
	OutstandingTokens int64 `json:"outstanding_snapshot_tokens"`
	Suspended         bool  `json:"suspended"`
}

// NewRouter builds a chi.Mux serving /status (JSON pool/snapshot stats) and
// /healthz (liveness only) for pool. httpLogPath, if non-empty, enables
// request logging to that file via httplog, mirroring the teacher's
// setupHTTPLogging.
func NewRouter(pool *waldb.DatabasePool, httpLogPath string, log *logging.Logger) (*chi.Mux, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if httpLogPath != "" {
		f, err := openAppendLog(httpLogPath)
		if err != nil {
			return nil, err
		}
		httpLogger := httplog.NewLogger("waldb", httplog.Options{
			Writer: f,
			JSON:   true,
		})
		r.Use(httplog.RequestLogger(httpLogger))
		log.Info("HTTP request logging enabled", "path", httpLogPath)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		s := pool.ReaderStats()
		stats := Stats{
			ReaderPoolSize:    s.Size,
			ReaderConnsOpen:   s.Created,
			ReaderConnsIdle:   s.Idle,
			ReaderConnsInUse:  s.InUse,
			ReaderWaiters:     s.Waiters,
			OutstandingTokens: pool.OutstandingSnapshotTokenCount(),
		}
		if sc := pool.Suspension(); sc != nil {
			stats.Suspended = sc.IsSuspended()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	return r, nil
}
