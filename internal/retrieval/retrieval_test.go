package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/da"
	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/store/memory"
)

type mapSource map[int64]domain.PriceWindow

func (m mapSource) Window(_ context.Context, start int64) (domain.PriceWindow, bool, error) {
	w, ok := m[start]
	return w, ok, nil
}

// window fills prices with start+i so every slot identifies its timestamp.
func window(start int64) domain.PriceWindow {
	w := domain.PriceWindow{WindowStart: start}
	for i := range w.Prices {
		w.Prices[i] = float64(start + int64(i))
	}
	return w
}

func TestGetWindowForPosition_SpansTwoWindows(t *testing.T) {
	src := mapSource{1200: window(1200), 1260: window(1260)}
	s := NewService(src)

	for _, open := range []int64{1200, 1201, 1230, 1259} {
		got, err := s.GetWindowForPosition(context.Background(), open)
		if err != nil {
			t.Fatalf("open=%d: %v", open, err)
		}
		if len(got) != domain.WindowSeconds {
			t.Fatalf("open=%d: len = %d, want 60", open, len(got))
		}
		for i, p := range got {
			if p != float64(open+int64(i)) {
				t.Fatalf("open=%d: slot %d = %v, want %d", open, i, p, open+int64(i))
			}
		}
	}
}

func TestGetWindowForPosition_AlignedNeedsOnlyOneWindow(t *testing.T) {
	s := NewService(mapSource{1200: window(1200)})
	got, err := s.GetWindowForPosition(context.Background(), 1200)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got[59] != 1259 {
		t.Errorf("last = %v, want 1259", got[59])
	}
}

func TestGetWindowForPosition_Unavailable(t *testing.T) {
	s := NewService(mapSource{1200: window(1200)})
	s.now = func() time.Time { return time.Unix(1325, 0) }

	_, err := s.GetWindowForPosition(context.Background(), 1215)
	var nya *domain.NotYetAvailableError
	if !errors.As(err, &nya) {
		t.Fatalf("err = %v, want NotYetAvailableError", err)
	}
	if !errors.Is(err, domain.ErrNotYetAvailable) {
		t.Error("not ErrNotYetAvailable")
	}
	want := domain.NotYetAvailableError{
		OpenTimestamp: 1215, BoundaryA: 1200, BoundaryB: 1260, Offset: 15, MissingWindow: 1260, Elapsed: 5,
	}
	if *nya != want {
		t.Errorf("got %+v, want %+v", *nya, want)
	}

	if _, err := NewService(mapSource{}).GetWindowForPosition(context.Background(), 1215); !errors.As(err, &nya) || nya.MissingWindow != 1200 {
		t.Errorf("missing A: err = %v", err)
	}
	if _, err := s.GetWindowForPosition(context.Background(), 0); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero timestamp err = %v", err)
	}
}

type fakeOracle map[int64]string

func (f fakeOracle) Anchor(context.Context, int64, string) (string, error) { return "", nil }

func (f fakeOracle) Get(_ context.Context, start int64) (string, bool, error) {
	id, ok := f[start]
	return id, ok, nil
}

type fakeDA struct {
	windows map[string]domain.PriceWindow
	calls   int
}

func (f *fakeDA) Fetch(_ context.Context, id string) (domain.PriceWindow, error) {
	f.calls++
	w, ok := f.windows[id]
	if !ok {
		return w, domain.External("da", "fetch", domain.ErrNotFound)
	}
	return w, nil
}

func commitment(t *testing.T, w domain.PriceWindow) string {
	t.Helper()
	id, err := da.WindowCommitment(w)
	if err != nil {
		t.Fatalf("WindowCommitment: %v", err)
	}
	return id
}

func TestCommittedWindowSource(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewWindowCache()
	idA := commitment(t, window(1200))
	fetcher := &fakeDA{windows: map[string]domain.PriceWindow{idA: window(1200), "0xb": window(1320)}}
	src := NewCommittedWindowSource(cache, fakeOracle{1200: idA, 1260: "0xb"}, fetcher, slog.New(slog.NewTextHandler(io.Discard, nil)))

	w, found, err := src.Window(ctx, 1200)
	if err != nil || !found || w.WindowStart != 1200 {
		t.Fatalf("Window(1200) = (%d, %v, %v)", w.WindowStart, found, err)
	}
	if _, err := cache.GetWindow(ctx, 1200); err != nil {
		t.Errorf("cache not filled: %v", err)
	}
	src.Window(ctx, 1200)
	if fetcher.calls != 1 {
		t.Errorf("DA calls = %d, want 1", fetcher.calls)
	}

	// Not anchored yet.
	if _, found, err := src.Window(ctx, 1380); found || err != nil {
		t.Errorf("Window(1380) = (%v, %v), want not found", found, err)
	}

	// Anchor points at a payload for a different minute.
	if _, _, err := src.Window(ctx, 1260); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("mismatched window err = %v, want ErrValidation", err)
	}
}

func TestCommittedWindowSource_IgnoresCacheThatDiffersFromAnchor(t *testing.T) {
	ctx := context.Background()
	anchored := window(1200)
	id := commitment(t, anchored)

	cache := memory.NewWindowCache()
	stale := anchored
	stale.Prices[0] = 999999
	if err := cache.SetWindow(ctx, stale); err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeDA{windows: map[string]domain.PriceWindow{id: anchored}}
	src := NewCommittedWindowSource(cache, fakeOracle{1200: id}, fetcher, slog.New(slog.NewTextHandler(io.Discard, nil)))

	w, found, err := src.Window(ctx, 1200)
	if err != nil || !found {
		t.Fatalf("Window = (%v, %v)", found, err)
	}
	if w.Prices[0] != 1200 {
		t.Errorf("prices[0] = %v, want anchored 1200", w.Prices[0])
	}
	if fetcher.calls != 1 {
		t.Errorf("DA calls = %d, want 1", fetcher.calls)
	}
	// The verified payload replaces the stale entry.
	if cached, _ := cache.GetWindow(ctx, 1200); cached.Prices[0] != 1200 {
		t.Errorf("cache still holds %v", cached.Prices[0])
	}
}
