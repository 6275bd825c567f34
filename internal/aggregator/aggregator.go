// Package aggregator buckets price ticks into 60-second windows.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/metrics"
)

// Config controls an Aggregator.
type Config struct {
	Symbol string
	// MaxGapFill is the number of tick-less minutes between two observed
	// windows that are still emitted, forward-filled with the last price.
	MaxGapFill int
	// Grace delays finalization past the boundary so slightly late ticks
	// still land in their window.
	Grace time.Duration
}

// Stats is a point-in-time view used by the health check.
type Stats struct {
	ActiveWindow   int64
	BufferSize     int
	WindowsEmitted int64
	LateTicks      int64
	Mismatches     int64
	LastTick       time.Time
}

// MismatchFunc is called when a window is finalized with fewer or more
// delivered slots than expected.
type MismatchFunc func(windowStart int64, delivered int)

type buffer struct {
	start  int64
	prices [domain.WindowSeconds]float64
	filled [domain.WindowSeconds]bool
	count  int
}

// Aggregator owns the active window buffer. AddPrice and Flush are safe to
// call from different goroutines; windows are delivered in order on the
// Windows channel when both are driven from Run.
type Aggregator struct {
	cfg    Config
	out    chan domain.PriceWindow
	logger *slog.Logger

	mu         sync.Mutex
	active     *buffer
	lastFinal  int64
	anyFinal   bool
	carry      float64
	hasCarry   bool
	emitted    int64
	late       int64
	mismatches int64
	lastTick   time.Time
	onMismatch MismatchFunc
}

// New creates an Aggregator whose output channel has room for bufSize
// windows.
func New(cfg Config, bufSize int, logger *slog.Logger) *Aggregator {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Aggregator{
		cfg:    cfg,
		out:    make(chan domain.PriceWindow, bufSize),
		logger: logger.With(slog.String("component", "aggregator")),
	}
}

// Windows returns the channel finalized windows are delivered on.
func (a *Aggregator) Windows() <-chan domain.PriceWindow { return a.out }

// OnMismatch registers the buffer-size-mismatch callback.
func (a *Aggregator) OnMismatch(fn MismatchFunc) {
	a.mu.Lock()
	a.onMismatch = fn
	a.mu.Unlock()
}

// AddPrice records tick and returns any windows it finalized.
func (a *Aggregator) AddPrice(tick domain.PriceTick) ([]domain.PriceWindow, error) {
	if a.cfg.Symbol != "" && !strings.EqualFold(tick.Symbol, a.cfg.Symbol) {
		metrics.TicksIngested.WithLabelValues("filtered").Inc()
		return nil, nil
	}
	if tick.Price <= 0 {
		metrics.TicksIngested.WithLabelValues("invalid").Inc()
		return nil, domain.Invalid("price", "must be positive, got %v", tick.Price)
	}

	start := domain.WindowStartFor(tick.Timestamp)

	a.mu.Lock()
	var done []*finalized
	if a.isLateLocked(start) {
		a.late++
		a.mu.Unlock()
		metrics.TicksIngested.WithLabelValues("late").Inc()
		return nil, nil
	}
	switch {
	case a.active == nil:
		done = a.fillGapLocked(start)
		a.active = &buffer{start: start}
	case start > a.active.start:
		done = append(done, a.finalizeLocked(a.active))
		done = append(done, a.fillGapLocked(start)...)
		a.active = &buffer{start: start}
	}

	slot := tick.Timestamp - start
	if !a.active.filled[slot] {
		a.active.filled[slot] = true
		a.active.count++
	}
	a.active.prices[slot] = tick.Price
	a.lastTick = time.Unix(tick.Timestamp, 0)
	size := a.active.count
	onMismatch := a.onMismatch
	a.mu.Unlock()

	metrics.TicksIngested.WithLabelValues("accepted").Inc()
	metrics.BufferSize.Set(float64(size))
	return a.complete(done, onMismatch), nil
}

// Flush finalizes the active window if its minute (plus grace) has ended
// by now. It is driven by the boundary ticker so a quiet feed still closes
// windows on time.
func (a *Aggregator) Flush(now time.Time) []domain.PriceWindow {
	cutoff := now.Add(-a.cfg.Grace).Unix()

	a.mu.Lock()
	if a.active == nil || cutoff < a.active.start+domain.WindowSeconds {
		a.mu.Unlock()
		return nil
	}
	done := []*finalized{a.finalizeLocked(a.active)}
	a.active = nil
	onMismatch := a.onMismatch
	a.mu.Unlock()

	metrics.BufferSize.Set(0)
	return a.complete(done, onMismatch)
}

// Run consumes ticks until ctx is cancelled or ticks is closed, flushing
// on every second boundary, and closes the Windows channel on return.
func (a *Aggregator) Run(ctx context.Context, ticks <-chan domain.PriceTick) error {
	defer close(a.out)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			windows, err := a.AddPrice(tick)
			if err != nil {
				a.logger.DebugContext(ctx, "aggregator: tick rejected", slog.String("error", err.Error()))
				continue
			}
			if err := a.deliver(ctx, windows); err != nil {
				return nil
			}
		case now := <-ticker.C:
			if err := a.deliver(ctx, a.Flush(now)); err != nil {
				return nil
			}
		}
	}
}

// BufferSize returns the number of filled slots in the active window.
func (a *Aggregator) BufferSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return 0
	}
	return a.active.count
}

// Stats returns counters for the health check.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		WindowsEmitted: a.emitted,
		LateTicks:      a.late,
		Mismatches:     a.mismatches,
		LastTick:       a.lastTick,
	}
	if a.active != nil {
		s.ActiveWindow = a.active.start
		s.BufferSize = a.active.count
	}
	return s
}

func (a *Aggregator) deliver(ctx context.Context, windows []domain.PriceWindow) error {
	for _, w := range windows {
		select {
		case a.out <- w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type finalized struct {
	window    domain.PriceWindow
	delivered int
}

func (a *Aggregator) isLateLocked(start int64) bool {
	if a.active != nil {
		return start < a.active.start
	}
	return a.anyFinal && start <= a.lastFinal
}

// fillGapLocked emits forward-filled windows for the tick-less minutes
// between the last finalized window and next. Caller holds a.mu.
func (a *Aggregator) fillGapLocked(next int64) []*finalized {
	if !a.anyFinal {
		return nil
	}
	from := a.lastFinal + domain.WindowSeconds
	gap := (next - from) / domain.WindowSeconds
	if gap <= 0 {
		return nil
	}
	if gap > int64(a.cfg.MaxGapFill) {
		a.logger.Warn("aggregator: feed gap too long to fill",
			slog.Int64("from", from),
			slog.Int64("to", next),
		)
		return nil
	}
	done := make([]*finalized, 0, gap)
	for ws := from; ws < next; ws += domain.WindowSeconds {
		done = append(done, a.finalizeLocked(&buffer{start: ws}))
	}
	return done
}

// finalizeLocked copies b into a fresh window value and forward-fills
// missing slots. b is no longer referenced by the aggregator afterwards.
func (a *Aggregator) finalizeLocked(b *buffer) *finalized {
	w := domain.PriceWindow{WindowStart: b.start}

	last, known := a.carry, a.hasCarry
	if !known {
		// Nothing seen before this window: back-fill from its first tick.
		for i := range b.filled {
			if b.filled[i] {
				last, known = b.prices[i], true
				break
			}
		}
	}
	for i := range w.Prices {
		if b.filled[i] {
			last, known = b.prices[i], true
		}
		w.Prices[i] = last
	}
	if known {
		a.carry, a.hasCarry = last, true
	}

	a.lastFinal, a.anyFinal = b.start, true
	a.emitted++
	if b.count != domain.WindowSeconds {
		a.mismatches++
	}
	return &finalized{window: w, delivered: b.count}
}

func (a *Aggregator) complete(done []*finalized, onMismatch MismatchFunc) []domain.PriceWindow {
	if len(done) == 0 {
		return nil
	}
	out := make([]domain.PriceWindow, 0, len(done))
	for _, f := range done {
		metrics.WindowsEmitted.Inc()
		if f.delivered != domain.WindowSeconds {
			metrics.BufferMismatches.Inc()
			a.logger.Warn("aggregator: buffer size mismatch",
				slog.Int64("window_start", f.window.WindowStart),
				slog.Int("delivered", f.delivered),
				slog.Int("expected", domain.WindowSeconds),
			)
			if onMismatch != nil {
				onMismatch(f.window.WindowStart, f.delivered)
			}
		}
		out = append(out, f.window)
	}
	return out
}

func (s Stats) String() string {
	return fmt.Sprintf("window=%d buffer=%d emitted=%d late=%d mismatches=%d",
		s.ActiveWindow, s.BufferSize, s.WindowsEmitted, s.LateTicks, s.Mismatches)
}
