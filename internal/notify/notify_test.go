package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_DefaultFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discard())
	ctx := context.Background()

	for _, k := range []domain.EventKind{
		domain.EventAnchored,
		domain.EventProcessingError,
		domain.EventPositionClosed,
		domain.EventPayoutFailed,
		domain.EventReconciliation,
	} {
		if err := n.Emit(ctx, domain.Event{Kind: k}); err != nil {
			t.Fatalf("Emit(%s): %v", k, err)
		}
	}
	want := []string{"Window processing failed", "Payout failed", "Ledger reconciliation required"}
	if strings.Join(s.titles, "|") != strings.Join(want, "|") {
		t.Errorf("titles = %v, want %v", s.titles, want)
	}
}

func TestNotifier_ConfiguredFilterAndErrors(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, []string{" buffer-size-mismatch "}, discard())

	if err := n.Emit(context.Background(), domain.Event{Kind: domain.EventProcessingError}); err != nil {
		t.Fatalf("filtered event returned %v", err)
	}
	err := n.Emit(context.Background(), domain.Event{Kind: domain.EventBufferSizeMismatch, WindowStart: 60, Delivered: 58})
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}
	if len(ok.titles) != 1 {
		t.Errorf("healthy sender skipped after a failure")
	}
}

func TestFormat(t *testing.T) {
	title, body := Format(domain.Event{
		Kind:        domain.EventProcessingError,
		WindowStart: 1700000040,
		Stage:       "anchor",
		Error:       "nonce too low",
	})
	if title != "Window processing failed" {
		t.Errorf("title = %q", title)
	}
	want := "window: 1700000040\nstage: anchor\nerror: nonce too low"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL)
	if err := s.Send(context.Background(), "Payout failed", "position: 7"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "*Payout failed*\nposition: 7" {
		t.Errorf("payload = %v", got)
	}
}

func TestDiscordSender_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "discord: unexpected status 429") {
		t.Errorf("err = %v", err)
	}
}
