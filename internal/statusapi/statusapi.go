// Package statusapi serves a read-only HTTP view of the supervisor: its
// current status, recent transitions, the tail of the log file, the
// persisted journal and Prometheus metrics.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kincerb/tools/internal/journal"
	"github.com/kincerb/tools/internal/supervisor"
)

const (
	defaultLogLines = 100
	maxLogLines     = 10000
	shutdownTimeout = 5 * time.Second
)

// StatusSource is satisfied by *supervisor.Supervisor.
type StatusSource interface {
	Status() supervisor.Status
	Transitions() []supervisor.Transition
}

// LogSource is satisfied by *logging.Logger.
type LogSource interface {
	ReadTail(n int) (string, error)
}

// JournalSource is satisfied by *journal.Journal.
type JournalSource interface {
	Query(opts journal.QueryOptions) (*journal.QueryResult, error)
}

// Options configures the router. Only Status is required; routes whose
// source is nil answer 404.
type Options struct {
	Status   StatusSource
	Logs     LogSource
	Journal  JournalSource
	Gatherer prometheus.Gatherer
	Logger   *logrus.Entry
}

type handlers struct {
	opts Options
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	h := &handlers{opts: opts}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	if opts.Logger != nil {
		r.Use(requestLogger(opts.Logger))
	}

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Get("/transitions", h.transitions)
	r.Get("/logs", h.logs)
	r.Get("/journal", h.journal)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// health answers 200 while a session is open and 503 otherwise, so it can
// back a liveness probe for the tunnel itself.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	st := h.opts.Status.Status()
	code := http.StatusServiceUnavailable
	if st.State == supervisor.StateConnected || st.State == supervisor.StateDegraded {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]string{
		"status": http.StatusText(code),
		"state":  st.State.String(),
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Status.Status())
}

func (h *handlers) transitions(w http.ResponseWriter, r *http.Request) {
	list := h.opts.Status.Transitions()
	if list == nil {
		list = []supervisor.Transition{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	if h.opts.Logs == nil {
		writeError(w, http.StatusNotFound, "file logging is disabled")
		return
	}
	n, err := intParam(r, "lines", defaultLogLines)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "lines must be a positive integer")
		return
	}
	if n > maxLogLines {
		n = maxLogLines
	}
	tail, err := h.opts.Logs.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(tail))
}

func (h *handlers) journal(w http.ResponseWriter, r *http.Request) {
	if h.opts.Journal == nil {
		writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}
	q := r.URL.Query()
	opts := journal.QueryOptions{
		SessionID: q.Get("session"),
		Event:     q.Get("event"),
	}
	var err error
	if opts.Limit, err = intParam(r, "limit", 0); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if opts.Offset, err = intParam(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		opts.Since = &t
	}

	res, err := h.opts.Journal.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start).String(),
				"remote":   r.RemoteAddr,
			}).Debug("status api request")
		})
	}
}

// Server runs the status API until its context ends.
type Server struct {
	srv *http.Server
	log *logrus.Entry
}

// NewServer returns a server for handler on addr.
func NewServer(addr string, handler http.Handler, log *logrus.Entry) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log.WithField("component", "statusapi"),
	}
}

// Run listens and serves until ctx is cancelled, then shuts down
// gracefully. A listen failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("status api listening")
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
