// Package api serves the bridge's HTTP/JSON surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/banshee-data/hdmi-cec/internal/action"
	"github.com/banshee-data/hdmi-cec/internal/arbitration"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/db"
	"github.com/banshee-data/hdmi-cec/internal/dispatch"
	"github.com/banshee-data/hdmi-cec/internal/metrics"
)

// Bridge is the part of the running bridge the API drives.
type Bridge interface {
	Execute(ctx context.Context, a action.SendAction) (arbitration.Report, error)
	RunAction(ctx context.Context, name string) (arbitration.Report, error)
	Addresses() []cec.LogicalAddress
	Primary() (cec.LogicalAddress, bool)
	Listeners() []dispatch.Registration
}

// Journal is the read side of the frame journal. *db.DB implements it.
type Journal interface {
	RecentFrames(limit int) ([]db.Frame, error)
	OpcodeCounts() ([]db.OpcodeCount, error)
}

// Options configures a Server. Everything is optional.
type Options struct {
	// Journal enables /api/frames and the opcode chart.
	Journal Journal
	// Gatherer is served at /metrics.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// SendTimeout bounds a single /api/send request.
	SendTimeout time.Duration
}

// DefaultSendTimeout bounds /api/send when Options.SendTimeout is zero.
const DefaultSendTimeout = 5 * time.Second

type Server struct {
	bridge      Bridge
	journal     Journal
	gatherer    prometheus.Gatherer
	metrics     *metrics.Metrics
	log         zerolog.Logger
	sendTimeout time.Duration
}

func NewServer(b Bridge, opts Options) *Server {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &Server{
		bridge:      b,
		journal:     opts.Journal,
		gatherer:    opts.Gatherer,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		sendTimeout: opts.SendTimeout,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration, and counts the
// request by the route it matched.
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequest(route, lrw.statusCode)
		s.log.Info().
			Int("status", lrw.statusCode).
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Float64("duration_ms", float64(time.Since(start).Nanoseconds())/1e6).
			Msg("http request")
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/addresses", s.handleAddresses)
	mux.HandleFunc("/api/listeners", s.handleListeners)
	mux.HandleFunc("/api/frames", s.handleFrames)
	mux.HandleFunc("/api/opcodes", s.handleOpcodes)
	mux.HandleFunc("/api/opcodes/chart", s.handleOpcodeChart)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Handler is ServeMux wrapped in LoggingMiddleware.
func (s *Server) Handler() http.Handler {
	return s.LoggingMiddleware(s.ServeMux())
}
