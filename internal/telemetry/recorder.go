package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/arcline-robotics/motionlink/internal/cycle"
	"github.com/arcline-robotics/motionlink/internal/link"
)

// DefaultWindow is the cycle-aggregate recording interval.
const DefaultWindow = 10 * time.Second

// Recorder periodically differences runtime snapshots into cycle
// windows and persists them. It runs in its own goroutine, never on
// the cyclic path.
type Recorder struct {
	db     *DB
	rt     *cycle.Runtime
	window time.Duration
}

// NewRecorder builds a Recorder sampling rt every window. A
// non-positive window takes DefaultWindow.
func NewRecorder(db *DB, rt *cycle.Runtime, window time.Duration) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Recorder{db: db, rt: rt, window: window}
}

// Run samples until ctx ends, recording one cycle window per interval.
// Intervals with no cycles are skipped.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()

	prev := r.rt.Stats()
	prevAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			cur := r.rt.Stats()
			if w, ok := windowBetween(prev, cur, prevAt, now); ok {
				if err := r.db.RecordCycleWindow(w); err != nil {
					log.Printf("telemetry: %v", err)
				}
			}
			prev, prevAt = cur, now
		}
	}
}

// windowBetween differences two snapshots into one aggregate row.
func windowBetween(prev, cur cycle.RuntimeStats, from, to time.Time) (CycleWindow, bool) {
	cycles := cur.Cycles - prev.Cycles
	if cycles == 0 {
		return CycleWindow{}, false
	}
	jitterSum := cur.JitterSum - prev.JitterSum
	// The applied sequence restarts at zero on each handshake, so a
	// window spanning a session boundary can see it go backwards.
	var admitted uint64
	if cur.LastApplied > prev.LastApplied {
		admitted = uint64(cur.LastApplied - prev.LastApplied)
	}
	return CycleWindow{
		StartedAt:    from,
		EndedAt:      to,
		Cycles:       cycles,
		States:       cur.Published - prev.Published,
		Admitted:     admitted,
		JitterMeanUs: float64(jitterSum.Microseconds()) / float64(cycles),
		JitterMaxUs:  float64(cur.JitterMax.Microseconds()),
	}, true
}

// SessionSink wires link session events into the store. The returned
// callbacks run on network goroutines; inserts are quick enough that
// SQLite's WAL keeps them off the hot path's way.
func (db *DB) SessionSink() (onStart func(link.SessionInfo), onEnd func(link.Summary)) {
	onStart = func(info link.SessionInfo) {
		if err := db.RecordSessionStart(info); err != nil {
			log.Printf("telemetry: %v", err)
		}
	}
	onEnd = func(sum link.Summary) {
		if err := db.RecordSessionEnd(sum); err != nil {
			log.Printf("telemetry: %v", err)
		}
	}
	return onStart, onEnd
}
