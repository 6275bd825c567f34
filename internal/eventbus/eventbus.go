// Package eventbus fans pipeline and settlement events out to Redis, Kafka
// and the operator notifier.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Pub/Sub channels and the durable stream used by RedisSink.
const (
	ChannelPipeline  = "pipeline"
	ChannelPositions = "positions"
	StreamEvents     = "drawsettle:events"
)

// ChannelFor routes position events to ChannelPositions and everything else
// to ChannelPipeline.
func ChannelFor(e domain.Event) string {
	switch e.Kind {
	case domain.EventPositionClosed, domain.EventPositionFunded, domain.EventPayoutFailed, domain.EventReconciliation:
		return ChannelPositions
	default:
		return ChannelPipeline
	}
}

// RedisSink publishes every event on its Pub/Sub channel and appends it to
// the replayable stream.
type RedisSink struct {
	bus domain.SignalBus
}

func NewRedisSink(bus domain.SignalBus) *RedisSink {
	return &RedisSink{bus: bus}
}

func (s *RedisSink) Emit(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s: %w", e.Kind, err)
	}
	if err := s.bus.Publish(ctx, ChannelFor(e), payload); err != nil {
		return err
	}
	return s.bus.StreamAppend(ctx, StreamEvents, payload)
}

// Fanout delivers each event to every sink. One failing sink does not stop
// delivery to the rest.
type Fanout struct {
	sinks  []domain.EventSink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...domain.EventSink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger.With(slog.String("component", "eventbus"))}
}

// Add registers another sink. Not safe for use once events are flowing.
func (f *Fanout) Add(s domain.EventSink) {
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Emit(ctx context.Context, e domain.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Emit(ctx, e); err != nil {
			f.logger.WarnContext(ctx, "event sink failed",
				slog.String("kind", string(e.Kind)),
				slog.String("sink", fmt.Sprintf("%T", s)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
