// Package pipeline turns finished price windows into on-chain commitments
// and runs the periodic maintenance jobs around them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/metrics"
)

// Stage names used in processing-error events and metrics.
const (
	StagePublish = "publish"
	StageAnchor  = "anchor"
)

// Publisher stores a window on the DA layer.
type Publisher interface {
	Publish(ctx context.Context, w domain.PriceWindow) (domain.Commitment, error)
}

type Config struct {
	HealthInterval time.Duration
	// MaxInFlight caps concurrently processed windows. Anchors are
	// serialized by the tx sender regardless.
	MaxInFlight int
	// BufferSize and FeedConnected feed the health log; either may be nil.
	BufferSize    func() int
	FeedConnected func() bool
}

// Orchestrator runs publish then anchor for every window it receives. Each
// window is an independent task; a failure aborts only that window.
type Orchestrator struct {
	cfg         Config
	publisher   Publisher
	anchor      domain.OracleAnchor
	commitments domain.CommitmentStore
	cache       domain.WindowCache
	sink        domain.EventSink

	mu     sync.RWMutex
	closed bool
	events chan domain.Event
	slots  chan struct{}
	tasks  sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(cfg Config, publisher Publisher, anchor domain.OracleAnchor, commitments domain.CommitmentStore,
	cache domain.WindowCache, sink domain.EventSink, logger *slog.Logger) *Orchestrator {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if sink == nil {
		sink = domain.DiscardEvents{}
	}
	return &Orchestrator{
		cfg:         cfg,
		publisher:   publisher,
		anchor:      anchor,
		commitments: commitments,
		cache:       cache,
		sink:        sink,
		events:      make(chan domain.Event, 256),
		slots:       make(chan struct{}, cfg.MaxInFlight),
		logger:      logger.With(slog.String("component", "orchestrator")),
		now:         time.Now,
	}
}

// Run consumes windows until the channel closes or ctx ends, then waits for
// in-flight windows. Events are forwarded to the sink in arrival order.
func (o *Orchestrator) Run(ctx context.Context, windows <-chan domain.PriceWindow) error {
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		o.forward(ctx)
	}()
	healthDone := make(chan struct{})
	healthCtx, stopHealth := context.WithCancel(ctx)
	go func() {
		defer close(healthDone)
		o.healthLoop(healthCtx)
	}()

	defer func() {
		stopHealth()
		<-healthDone
		o.tasks.Wait()
		o.mu.Lock()
		o.closed = true
		close(o.events)
		o.mu.Unlock()
		<-forwardDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case w, ok := <-windows:
			if !ok {
				return nil
			}
			o.submit(ctx, w)
		}
	}
}

func (o *Orchestrator) submit(ctx context.Context, w domain.PriceWindow) {
	o.emit(ctx, domain.Event{Kind: domain.EventWindowReady, WindowStart: w.WindowStart})
	if o.cache != nil {
		if err := o.cache.SetWindow(ctx, w); err != nil {
			o.logger.WarnContext(ctx, "window not cached",
				slog.Int64("window_start", w.WindowStart),
				slog.String("error", err.Error()),
			)
		}
	}

	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		defer func() { <-o.slots }()
		_, _ = o.Process(ctx, w)
	}()
}

// Process publishes and anchors one window. It records progress in the
// commitment index and emits an event for every step.
func (o *Orchestrator) Process(ctx context.Context, w domain.PriceWindow) (domain.Commitment, error) {
	log := o.logger.With(slog.Int64("window_start", w.WindowStart))

	start := o.now()
	c, err := o.publisher.Publish(ctx, w)
	o.observe(StagePublish, start, err)
	if err != nil {
		o.fail(ctx, domain.Commitment{WindowStart: w.WindowStart}, StagePublish, err)
		return domain.Commitment{}, fmt.Errorf("pipeline: publish %d: %w", w.WindowStart, err)
	}
	c.Status = domain.CommitmentPublished
	o.record(ctx, c)
	o.emit(ctx, domain.Event{Kind: domain.EventPublished, WindowStart: w.WindowStart, CommitmentID: c.CommitmentID})

	start = o.now()
	txHash, err := o.anchor.Anchor(ctx, w.WindowStart, c.CommitmentID)
	o.observe(StageAnchor, start, err)
	if err != nil {
		o.fail(ctx, c, StageAnchor, err)
		return c, fmt.Errorf("pipeline: anchor %d: %w", w.WindowStart, err)
	}
	c.AnchorTxHash = txHash
	c.Status = domain.CommitmentAnchored
	c.LastError = ""
	o.record(ctx, c)
	o.emit(ctx, domain.Event{Kind: domain.EventAnchored, WindowStart: w.WindowStart, CommitmentID: c.CommitmentID, TxHash: txHash})

	log.InfoContext(ctx, "window anchored",
		slog.String("commitment_id", c.CommitmentID),
		slog.String("tx_hash", txHash),
	)
	return c, nil
}

// Requeue re-runs a failed window from the cached payload.
func (o *Orchestrator) Requeue(ctx context.Context, windowStart int64) (domain.Commitment, error) {
	c, err := o.commitments.Get(ctx, windowStart)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("pipeline: requeue %d: %w", windowStart, err)
	}
	if c.Status != domain.CommitmentFailed {
		return domain.Commitment{}, domain.Invalid("window_start", "window %d is %s, only failed windows can be requeued", windowStart, c.Status)
	}
	if o.cache == nil {
		return domain.Commitment{}, fmt.Errorf("pipeline: requeue %d: no window cache: %w", windowStart, domain.ErrNotFound)
	}
	w, err := o.cache.GetWindow(ctx, windowStart)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("pipeline: requeue %d: %w", windowStart, err)
	}
	o.logger.InfoContext(ctx, "requeueing window", slog.Int64("window_start", windowStart), slog.String("last_error", c.LastError))
	return o.Process(ctx, w)
}

// ReportMismatch turns an aggregator diagnostic into an event.
func (o *Orchestrator) ReportMismatch(windowStart int64, delivered int) {
	o.emit(context.Background(), domain.Event{
		Kind:        domain.EventBufferSizeMismatch,
		WindowStart: windowStart,
		Delivered:   delivered,
	})
}

func (o *Orchestrator) fail(ctx context.Context, c domain.Commitment, stage string, err error) {
	c.Status = domain.CommitmentFailed
	c.LastError = stage + ": " + err.Error()
	o.record(ctx, c)
	o.logger.ErrorContext(ctx, "window processing failed",
		slog.Int64("window_start", c.WindowStart),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	o.emit(ctx, domain.Event{
		Kind:         domain.EventProcessingError,
		WindowStart:  c.WindowStart,
		CommitmentID: c.CommitmentID,
		Stage:        stage,
		Error:        err.Error(),
	})
}

func (o *Orchestrator) record(ctx context.Context, c domain.Commitment) {
	if o.commitments == nil {
		return
	}
	if err := o.commitments.Upsert(ctx, c); err != nil {
		o.logger.ErrorContext(ctx, "commitment index not updated",
			slog.Int64("window_start", c.WindowStart),
			slog.String("status", string(c.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) observe(stage string, start time.Time, err error) {
	metrics.PipelineStages.WithLabelValues(stage, metrics.Result(err)).Inc()
	metrics.StageLatency.WithLabelValues(stage).Observe(o.now().Sub(start).Seconds())
}

// emit queues e for the forwarder. A full queue drops the event rather than
// stall a window.
func (o *Orchestrator) emit(ctx context.Context, e domain.Event) {
	e.At = o.now().UTC()
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.events <- e:
	default:
		o.logger.WarnContext(ctx, "event queue full, dropping", slog.String("kind", string(e.Kind)), slog.Int64("window_start", e.WindowStart))
	}
}

func (o *Orchestrator) forward(ctx context.Context) {
	for e := range o.events {
		// Deliver even while shutting down so the final events land.
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := o.sink.Emit(sendCtx, e); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.WarnContext(ctx, "event not delivered", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
		}
		cancel()
	}
}

// healthLoop logs feed and buffer state. It never touches pipeline state.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attrs := []any{slog.Int("in_flight", len(o.slots))}
			if o.cfg.BufferSize != nil {
				attrs = append(attrs, slog.Int("buffer_size", o.cfg.BufferSize()))
			}
			if o.cfg.FeedConnected != nil {
				attrs = append(attrs, slog.Bool("feed_connected", o.cfg.FeedConnected()))
			}
			o.logger.InfoContext(ctx, "pipeline health", attrs...)
		}
	}
}
