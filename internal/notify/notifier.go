// Package notify alerts operators about events that need a human: failed
// windows, reconciliation rows and payouts that did not land.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are the kinds alerted on when none are configured.
var DefaultEvents = []domain.EventKind{
	domain.EventProcessingError,
	domain.EventReconciliation,
	domain.EventPayoutFailed,
}

// Notifier is a domain.EventSink that forwards a filtered set of event
// kinds to every sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier alerts on the given kinds, or on DefaultEvents if events is
// empty.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventKind(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, k := range DefaultEvents {
			allowed[k] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit implements domain.EventSink.
func (n *Notifier) Emit(ctx context.Context, e domain.Event) error {
	if !n.events[e.Kind] {
		return nil
	}
	title, message := Format(e)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends an ad-hoc message regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Format renders an event as an alert title and body.
func Format(e domain.Event) (string, string) {
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	if e.WindowStart != 0 {
		line("window", fmt.Sprintf("%d", e.WindowStart))
	}
	if e.PositionID != 0 {
		line("position", fmt.Sprintf("%d", e.PositionID))
	}
	line("user", e.User)
	line("stage", e.Stage)
	line("commitment", e.CommitmentID)
	line("tx", e.TxHash)
	line("error", e.Error)

	var title string
	switch e.Kind {
	case domain.EventProcessingError:
		title = "Window processing failed"
	case domain.EventReconciliation:
		title = "Ledger reconciliation required"
	case domain.EventPayoutFailed:
		title = "Payout failed"
	case domain.EventBufferSizeMismatch:
		title = "Aggregator buffer mismatch"
		line("delivered", fmt.Sprintf("%d", e.Delivered))
	default:
		title = string(e.Kind)
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// dispatch tries every sender and joins their failures.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
