package reminder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"andee/internal/actor"
)

// mockGateway records deliveries and optionally fails them.
type mockGateway struct {
	mu    sync.Mutex
	calls []deliveredMessage
	err   error
}

type deliveredMessage struct {
	ChatID     string
	Message    string
	Credential string
}

func (g *mockGateway) Deliver(_ context.Context, chatID, message, credential string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.calls = append(g.calls, deliveredMessage{ChatID: chatID, Message: message, Credential: credential})
	return nil
}

func (g *mockGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *mockGateway) call(i int) deliveredMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

func newTestService(t *testing.T, gateway *mockGateway) *Service {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	svc := NewService(db, Config{DeliveryTimeout: time.Second}, gateway, nil, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
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

func futureParams(id string, delay time.Duration) CreateParams {
	return CreateParams{
		UserID:     "u1",
		ReminderID: id,
		ChatID:     "u1",
		TriggerAt:  time.Now().Add(delay),
		Message:    "hi",
		Credential: "tok",
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	svc := newTestService(t, &mockGateway{})

	if _, err := svc.Create(context.Background(), futureParams("r1", time.Hour)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.Create(context.Background(), futureParams("r1", 2*time.Hour))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}

	// The first reminder is unaffected.
	all, err := svc.List(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].Status != StatusPending {
		t.Fatalf("list = %+v, want one pending reminder", all)
	}
}

func TestCreate_DuplicateAgainstTerminal(t *testing.T) {
	svc := newTestService(t, &mockGateway{})

	if _, err := svc.Create(context.Background(), futureParams("r1", time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Cancel(context.Background(), "u1", "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A terminal reminder still occupies its id.
	_, err := svc.Create(context.Background(), futureParams("r1", time.Hour))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestCancel_Semantics(t *testing.T) {
	svc := newTestService(t, &mockGateway{})

	if err := svc.Cancel(context.Background(), "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if _, err := svc.Create(context.Background(), futureParams("r1", time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Cancel(context.Background(), "u1", "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.Cancel(context.Background(), "u1", "r1"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second cancel err = %v, want ErrAlreadyTerminal", err)
	}
	if err := svc.Complete(context.Background(), "u1", "r1"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("complete after cancel err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestList_OrderingAndFilter(t *testing.T) {
	svc := newTestService(t, &mockGateway{})

	for i, delay := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		p := futureParams(fmt.Sprintf("r%d", i), delay)
		if _, err := svc.Create(context.Background(), p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := svc.Cancel(context.Background(), "u1", "r0"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	all, err := svc.List(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Pending first, trigger ascending: r1 (1h) then r2 (2h), then terminal r0.
	if all[0].ID != "r1" || all[1].ID != "r2" || all[2].ID != "r0" {
		t.Errorf("order = %s,%s,%s, want r1,r2,r0", all[0].ID, all[1].ID, all[2].ID)
	}

	pending := StatusPending
	filtered, err := svc.List(context.Background(), "u1", &pending)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("filtered len = %d, want 2", len(filtered))
	}
}

func TestWake_DeliversAndCompletes(t *testing.T) {
	gateway := &mockGateway{}
	svc := newTestService(t, gateway)

	if _, err := svc.Create(context.Background(), futureParams("r1", 40*time.Millisecond)); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := svc.List(context.Background(), "u1", nil)
	if err != nil || len(all) != 1 || all[0].Status != StatusPending {
		t.Fatalf("before wake: list = %+v, err = %v", all, err)
	}

	waitFor(t, 2*time.Second, func() bool { return gateway.callCount() == 1 })

	waitFor(t, 2*time.Second, func() bool {
		all, err := svc.List(context.Background(), "u1", nil)
		return err == nil && len(all) == 1 && all[0].Status == StatusCompleted
	})

	got := gateway.call(0)
	if got.ChatID != "u1" || got.Message != "hi" || got.Credential != "tok" {
		t.Errorf("delivered %+v", got)
	}

	// No double delivery.
	time.Sleep(100 * time.Millisecond)
	if gateway.callCount() != 1 {
		t.Errorf("delivery count = %d, want 1", gateway.callCount())
	}
}

func TestWake_DeliveryFailureIsTerminal(t *testing.T) {
	gateway := &mockGateway{err: errors.New("chat unreachable")}
	svc := newTestService(t, gateway)

	if _, err := svc.Create(context.Background(), futureParams("r1", 30*time.Millisecond)); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		all, err := svc.List(context.Background(), "u1", nil)
		return err == nil && len(all) == 1 && all[0].Status == StatusFailed
	})

	// Failed is terminal: the user's alarm must be gone.
	assertNoAlarm(t, svc, "u1")
}

func TestWake_PastTriggerFiresImmediately(t *testing.T) {
	gateway := &mockGateway{}
	svc := newTestService(t, gateway)

	p := futureParams("r1", 0)
	p.TriggerAt = time.Now().Add(-time.Minute)
	if _, err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return gateway.callCount() == 1 })
}

func TestWake_SameInstantBothDelivered(t *testing.T) {
	gateway := &mockGateway{}
	svc := newTestService(t, gateway)

	at := time.Now().Add(40 * time.Millisecond)
	for _, id := range []string{"r1", "r2"} {
		p := futureParams(id, 0)
		p.TriggerAt = at
		if _, err := svc.Create(context.Background(), p); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return gateway.callCount() == 2 })
}

func TestCancel_ClearsAlarm(t *testing.T) {
	gateway := &mockGateway{}
	svc := newTestService(t, gateway)

	if _, err := svc.Create(context.Background(), futureParams("r1", 80*time.Millisecond)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Cancel(context.Background(), "u1", "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	assertNoAlarm(t, svc, "u1")

	// No wake ever occurs for the cancelled reminder.
	time.Sleep(150 * time.Millisecond)
	if gateway.callCount() != 0 {
		t.Errorf("delivery count = %d, want 0", gateway.callCount())
	}
}

func TestArm_TracksEarliestPending(t *testing.T) {
	svc := newTestService(t, &mockGateway{})

	t1 := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	t2 := time.Now().Add(2 * time.Hour).Truncate(time.Millisecond)

	p := futureParams("r2", 0)
	p.TriggerAt = t2
	if _, err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("create r2: %v", err)
	}
	assertAlarmAt(t, svc, "u1", t2)

	p = futureParams("r1", 0)
	p.TriggerAt = t1
	if _, err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("create r1: %v", err)
	}
	// The earlier reminder pulls the alarm forward.
	assertAlarmAt(t, svc, "u1", t1)

	// Cancelling the next-armed reminder pushes the alarm back to t2.
	if err := svc.Cancel(context.Background(), "u1", "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	assertAlarmAt(t, svc, "u1", t2)
}

func assertAlarmAt(t *testing.T, svc *Service, userID string, want time.Time) {
	t.Helper()
	err := svc.registry.Do(context.Background(), userID, func(h *actor.Handle) error {
		at, ok, err := h.Alarm()
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("no alarm armed, want %s", want)
		}
		if !at.Equal(want.UTC()) {
			t.Errorf("alarm at %s, want %s", at, want.UTC())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read alarm: %v", err)
	}
}

func assertNoAlarm(t *testing.T, svc *Service, userID string) {
	t.Helper()
	err := svc.registry.Do(context.Background(), userID, func(h *actor.Handle) error {
		_, ok, err := h.Alarm()
		if err != nil {
			return err
		}
		if ok {
			t.Error("alarm still armed, want none")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read alarm: %v", err)
	}
}
