// Package api is the monitoring and operator HTTP surface. It reads
// runtime and link counters off the hot path and serves session and
// cycle-timing history from the telemetry store. Nothing here is on
// the cyclic path.
package api

import (
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/arcline-robotics/motionlink/internal/cycle"
	"github.com/arcline-robotics/motionlink/internal/httputil"
	"github.com/arcline-robotics/motionlink/internal/link"
	"github.com/arcline-robotics/motionlink/internal/telemetry"
	"github.com/arcline-robotics/motionlink/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	rt    *cycle.Runtime
	stats *link.Counters
	db    *telemetry.DB
	name  string
}

// NewServer builds the monitor server. db may be nil when telemetry
// persistence is disabled; history endpoints then return 404.
func NewServer(rt *cycle.Runtime, stats *link.Counters, db *telemetry.DB, controllerName string) *Server {
	return &Server{
		rt:    rt,
		stats: stats,
		db:    db,
		name:  controllerName,
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

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/cycles", s.showCycleWindows)
	mux.HandleFunc("/api/watchdog/events", s.listWatchdogEvents)
	mux.HandleFunc("/api/safestop", s.forceSafeStop)
	mux.HandleFunc("/charts/cycles", s.cycleChart)
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

// statusResponse is the /api/status payload.
type statusResponse struct {
	Controller    string                `json:"controller"`
	Version       string                `json:"version"`
	PeriodUs      int64                 `json:"cycle_period_us"`
	Link          string                `json:"link"`
	SessionActive bool                  `json:"session_active"`
	Runtime       cycle.RuntimeStats    `json:"runtime"`
	Counters      *link.CounterSnapshot `json:"counters,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	rts := s.rt.Stats()
	resp := statusResponse{
		Controller:    s.name,
		Version:       version.Version,
		PeriodUs:      s.rt.Period().Microseconds(),
		Link:          rts.Link.String(),
		SessionActive: s.rt.SessionActive(),
		Runtime:       rts,
	}
	if s.stats != nil {
		snap := s.stats.Snapshot()
		resp.Counters = &snap
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st, ok := s.rt.Publisher().Latest()
	if !ok {
		httputil.NotFound(w, "no state published yet")
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.stats == nil {
		httputil.NotFound(w, "no session tracking")
		return
	}
	info, ok := s.stats.Current()
	if !ok {
		httputil.NotFound(w, "no active session")
		return
	}
	httputil.WriteJSONOK(w, info)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "telemetry store disabled")
		return
	}
	limit := queryInt(r, "limit", 50)
	records, err := s.db.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if records == nil {
		records = []telemetry.SessionRecord{}
	}
	httputil.WriteJSONOK(w, records)
}

// cyclesResponse carries the raw windows plus jitter percentiles of
// the per-window means, in microseconds.
type cyclesResponse struct {
	Windows     []telemetry.CycleWindow `json:"windows"`
	JitterP50Us float64                 `json:"jitter_p50_us"`
	JitterP95Us float64                 `json:"jitter_p95_us"`
	JitterP99Us float64                 `json:"jitter_p99_us"`
	JitterMaxUs float64                 `json:"jitter_max_us"`
}

func (s *Server) showCycleWindows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "telemetry store disabled")
		return
	}
	windows, err := s.db.CycleWindows(time.Now().Add(-queryWindow(r)), queryInt(r, "limit", 1000))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	resp := cyclesResponse{Windows: windows}
	if resp.Windows == nil {
		resp.Windows = []telemetry.CycleWindow{}
	}
	if len(windows) > 0 {
		means := make([]float64, 0, len(windows))
		for _, cw := range windows {
			means = append(means, cw.JitterMeanUs)
			if cw.JitterMaxUs > resp.JitterMaxUs {
				resp.JitterMaxUs = cw.JitterMaxUs
			}
		}
		sort.Float64s(means)
		resp.JitterP50Us = stat.Quantile(0.50, stat.Empirical, means, nil)
		resp.JitterP95Us = stat.Quantile(0.95, stat.Empirical, means, nil)
		resp.JitterP99Us = stat.Quantile(0.99, stat.Empirical, means, nil)
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listWatchdogEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "telemetry store disabled")
		return
	}
	events, err := s.db.WatchdogEvents(queryInt(r, "limit", 100))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []telemetry.WatchdogEvent{}
	}
	httputil.WriteJSONOK(w, events)
}

// forceSafeStop is the operator emergency stop. The trip takes effect
// on the next cycle and ends any active session through the usual
// watchdog teardown.
func (s *Server) forceSafeStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.rt.ForceSafeStop()
	log.Printf("safe stop forced via monitor API from %s", r.RemoteAddr)
	httputil.WriteJSONOK(w, map[string]string{"status": "safe stop requested"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// queryWindow parses the trailing history window, default one hour.
func queryWindow(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
