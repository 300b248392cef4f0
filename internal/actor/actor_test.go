package actor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// wakeRecorder counts handler invocations per key.
type wakeRecorder struct {
	mu    sync.Mutex
	wakes map[string]int
}

func newWakeRecorder() *wakeRecorder {
	return &wakeRecorder{wakes: make(map[string]int)}
}

func (w *wakeRecorder) handler(_ context.Context, key string, _ *Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes[key]++
}

func (w *wakeRecorder) count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wakes[key]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistry_StorageRoundTrip(t *testing.T) {
	db := openTestDB(t)
	reg := Open(db, "test", func(context.Context, string, *Handle) {}, nil)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Stop()

	type record struct {
		Name string `json:"name"`
	}

	err := reg.Do(context.Background(), "k1", func(h *Handle) error {
		return h.Storage().Put("things", "a", record{Name: "first"})
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	var got record
	err = reg.Do(context.Background(), "k1", func(h *Handle) error {
		return h.Storage().Get("things", "a", &got)
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "first" {
		t.Errorf("got %q, want %q", got.Name, "first")
	}

	// Keys are isolated: k2 must not see k1's records.
	err = reg.Do(context.Background(), "k2", func(h *Handle) error {
		var other record
		return h.Storage().Get("things", "a", &other)
	})
	if err == nil {
		t.Error("expected ErrNoRecord for other key")
	}
}

func TestRegistry_AlarmFires(t *testing.T) {
	db := openTestDB(t)
	rec := newWakeRecorder()
	reg := Open(db, "test", rec.handler, nil)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Stop()

	err := reg.Do(context.Background(), "u1", func(h *Handle) error {
		return h.SetAlarm(time.Now().Add(30 * time.Millisecond))
	})
	if err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.count("u1") == 1 })

	// The alarm is consumed by the wake; no second fire.
	time.Sleep(100 * time.Millisecond)
	if got := rec.count("u1"); got != 1 {
		t.Errorf("wake count = %d, want 1", got)
	}
}

func TestRegistry_ClearAlarmPreventsWake(t *testing.T) {
	db := openTestDB(t)
	rec := newWakeRecorder()
	reg := Open(db, "test", rec.handler, nil)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Stop()

	err := reg.Do(context.Background(), "u1", func(h *Handle) error {
		if err := h.SetAlarm(time.Now().Add(50 * time.Millisecond)); err != nil {
			return err
		}
		return h.ClearAlarm()
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := rec.count("u1"); got != 0 {
		t.Errorf("wake count = %d, want 0", got)
	}
}

func TestRegistry_RescheduleReplacesAlarm(t *testing.T) {
	db := openTestDB(t)
	rec := newWakeRecorder()
	reg := Open(db, "test", rec.handler, nil)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Stop()

	far := time.Now().Add(time.Hour)
	near := time.Now().Add(30 * time.Millisecond)
	err := reg.Do(context.Background(), "u1", func(h *Handle) error {
		if err := h.SetAlarm(far); err != nil {
			return err
		}
		return h.SetAlarm(near)
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.count("u1") == 1 })
}

func TestRegistry_RestartRecoversPersistedAlarm(t *testing.T) {
	db := openTestDB(t)

	first := Open(db, "test", func(context.Context, string, *Handle) {}, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Arm shortly ahead, then stop before the timer fires.
	err := first.Do(context.Background(), "u1", func(h *Handle) error {
		return h.SetAlarm(time.Now().Add(40 * time.Millisecond))
	})
	if err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}
	first.Stop()

	// Wait past the trigger while "down"; a new registry must fire the
	// past-due alarm immediately on start.
	time.Sleep(80 * time.Millisecond)

	rec := newWakeRecorder()
	second := Open(db, "test", rec.handler, nil)
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	defer second.Stop()

	waitFor(t, 2*time.Second, func() bool { return rec.count("u1") == 1 })
}

func TestRegistry_SerializesPerKey(t *testing.T) {
	db := openTestDB(t)
	reg := Open(db, "test", func(context.Context, string, *Handle) {}, nil)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Stop()

	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Do(context.Background(), "k", func(h *Handle) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("max in-flight handlers = %d, want 1", maxInFlight)
	}
}
