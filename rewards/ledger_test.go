package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/channel-warden/events"
	"github.com/onnwee/channel-warden/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(st store.Store, pub events.Publisher) (*Ledger, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 23, 59, 50, 0, time.UTC)}
	return New(Options{
		Store:         st,
		Publisher:     pub,
		DefaultPoints: 50,
		Now:           clock.Now,
		Location:      time.UTC,
	}), clock
}

func TestDuplicateClaimSuppression(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(store.NewMemory(), nil)

	if out, _ := l.RecordClaim(ctx, "abc", true, 50); out != Recorded {
		t.Fatalf("first claim = %s", out)
	}
	clock.Advance(4 * time.Second)
	if out, _ := l.RecordClaim(ctx, "abc", true, 50); out != Duplicate {
		t.Fatalf("second claim = %s", out)
	}
	if got := l.Snapshot()["abc"].TotalRewards; got != 1 {
		t.Fatalf("totalRewards = %d, want 1", got)
	}
	clock.Advance(2 * time.Second)
	if out, _ := l.RecordClaim(ctx, "abc", true, 50); out != Recorded {
		t.Fatalf("claim after window = %s", out)
	}
	// Other channels are independent.
	if out, _ := l.RecordClaim(ctx, "other", true, 50); out != Recorded {
		t.Fatalf("other channel = %s", out)
	}
}

func TestMultiplierApplication(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(store.NewMemory(), nil)
	if err := l.SetMultiplier(ctx, "abc", 1.5); err != nil {
		t.Fatal(err)
	}
	_, _ = l.RecordClaim(ctx, "abc", true, 50)
	s := l.Snapshot()["abc"]
	if s.TotalPoints != 75 {
		t.Fatalf("totalPoints = %v, want 75", s.TotalPoints)
	}
	if s.DailyStats["2026-03-14"].Points != 75 {
		t.Errorf("daily = %+v", s.DailyStats)
	}
}

func TestDefaultPointsAndDailyBuckets(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(store.NewMemory(), nil)
	_, _ = l.RecordClaim(ctx, "abc", true, 0)
	clock.Advance(20 * time.Second) // crosses midnight
	_, _ = l.RecordClaim(ctx, "abc", true, 0)

	s := l.Snapshot()["abc"]
	if s.TotalPoints != 100 || s.TotalRewards != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if len(s.DailyStats) != 2 || s.DailyStats["2026-03-15"].Rewards != 1 {
		t.Errorf("daily = %+v", s.DailyStats)
	}
	if !s.FirstReward.Before(*s.LastReward) {
		t.Errorf("first=%v last=%v", s.FirstReward, s.LastReward)
	}
}

func TestFailedClaimCountsErrorOnly(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(store.NewMemory(), nil)
	_, _ = l.RecordClaim(ctx, "abc", false, 50)
	s := l.Snapshot()["abc"]
	if s.Errors != 1 || s.TotalRewards != 0 || s.TotalPoints != 0 || s.LastReward != nil {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPersistAndEvents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := &events.Recorder{}
	l, _ := newTestLedger(st, rec)
	_, _ = l.RecordClaim(ctx, "abc", true, 50)

	restored, _ := newTestLedger(st, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if restored.Snapshot()["abc"].TotalRewards != 1 {
		t.Fatalf("restored = %+v", restored.Snapshot())
	}
	if n := len(rec.Named(events.StatsUpdated)); n != 1 {
		t.Errorf("statsUpdated events = %d", n)
	}

	if err := l.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if len(l.Snapshot()) != 0 {
		t.Error("ledger not cleared")
	}
	_ = restored.Load(ctx)
	if len(restored.Snapshot()) != 0 {
		t.Error("cleared ledger not persisted")
	}
}

func TestStorageFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.FailWrites = errors.New("quota exceeded")
	l, _ := newTestLedger(st, nil)
	out, err := l.RecordClaim(ctx, "abc", true, 50)
	var se *store.StorageError
	if out != Recorded || !errors.As(err, &se) {
		t.Fatalf("out=%s err=%v", out, err)
	}
	if l.Snapshot()["abc"].TotalRewards != 1 {
		t.Error("in-memory ledger must stay authoritative")
	}
}

// gatedStore holds the first reward stats write until release is closed.
type gatedStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Set(ctx context.Context, key string, value []byte) error {
	if key == store.KeyRewardStats {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return g.Memory.Set(ctx, key, value)
}

func TestConcurrentClaimsPersistLatestLedger(t *testing.T) {
	ctx := context.Background()
	st := &gatedStore{Memory: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	l, _ := newTestLedger(st, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = l.RecordClaim(ctx, "a", true, 50)
	}()
	<-st.entered
	go func() {
		defer wg.Done()
		_, _ = l.RecordClaim(ctx, "b", true, 50)
	}()
	// Give the second claim time to reach its own write.
	time.Sleep(20 * time.Millisecond)
	close(st.release)
	wg.Wait()

	var persisted map[string]ChannelStats
	if _, err := store.GetJSON(ctx, st, store.KeyRewardStats, &persisted); err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted %d channels, want 2 (%v)", len(persisted), persisted)
	}
}
