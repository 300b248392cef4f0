// Package actor provides durable per-key actors: serialized execution, a
// key-scoped durable storage handle, and a single durable wake-up alarm per
// key that survives process restarts.
//
// A Registry owns one namespace of actors (all reminders, keyed by user id,
// or all schedule sets, keyed by chat id). At most one handler, request or
// alarm wake, runs per key at a time, so everything an actor touches is
// serialized without further locking. Different keys run fully concurrently.
package actor

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"andee/internal/logging"
)

// WakeHandler is invoked when a key's durable alarm fires. Implementations
// must not return errors for per-item failures; a wake always completes.
type WakeHandler func(ctx context.Context, key string, h *Handle)

// Registry manages the durable actors of one namespace.
type Registry struct {
	db      *bbolt.DB
	ns      []byte
	handler WakeHandler
	logger  logging.Logger

	mu     sync.Mutex
	actors map[string]*sync.Mutex
	timers map[string]*time.Timer

	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open creates a Registry over db for the given namespace. Call Start before
// use; handler receives alarm wakes.
func Open(db *bbolt.DB, namespace string, handler WakeHandler, logger logging.Logger) *Registry {
	return &Registry{
		db:      db,
		ns:      []byte(namespace),
		handler: handler,
		logger:  logging.OrNop(logger),
		actors:  make(map[string]*sync.Mutex),
		timers:  make(map[string]*time.Timer),
		stopped: make(chan struct{}),
	}
}

// Start ensures the namespace buckets exist and re-arms every persisted
// alarm. Past-due alarms fire immediately in the background, so wakes missed
// while the process was down are recovered on the next start.
func (r *Registry) Start(ctx context.Context) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		ns, err := tx.CreateBucketIfNotExists(r.ns)
		if err != nil {
			return err
		}
		if _, err := ns.CreateBucketIfNotExists(alarmsBucket); err != nil {
			return err
		}
		_, err = ns.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("actor: init namespace %s: %w", r.ns, err)
	}

	type armed struct {
		key string
		at  time.Time
	}
	var persisted []armed
	err = r.db.View(func(tx *bbolt.Tx) error {
		alarms := tx.Bucket(r.ns).Bucket(alarmsBucket)
		return alarms.ForEach(func(k, v []byte) error {
			persisted = append(persisted, armed{key: string(k), at: decodeTime(v)})
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("actor: load alarms: %w", err)
	}

	r.mu.Lock()
	for _, a := range persisted {
		r.armTimerLocked(a.key, a.at)
	}
	r.mu.Unlock()

	r.logger.Info("Actors[%s]: started with %d persisted alarms", r.ns, len(persisted))

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop cancels in-process timers and waits for in-flight wakes. Persisted
// alarms remain on disk and are re-armed on the next Start.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.mu.Lock()
		for key, timer := range r.timers {
			timer.Stop()
			delete(r.timers, key)
		}
		r.mu.Unlock()
		r.wg.Wait()
		r.logger.Info("Actors[%s]: stopped", r.ns)
	})
}

// Do runs fn inside the actor for key. Calls for the same key are serialized;
// fn receives a Handle scoped to that key's durable storage and alarm.
func (r *Registry) Do(ctx context.Context, key string, fn func(h *Handle) error) error {
	if key == "" {
		return fmt.Errorf("actor: key is required")
	}
	lock := r.actorLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(r.handle(key))
}

func (r *Registry) actorLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.actors[key]
	if !ok {
		lock = &sync.Mutex{}
		r.actors[key] = lock
	}
	return lock
}

func (r *Registry) handle(key string) *Handle {
	return &Handle{
		key:     key,
		reg:     r,
		storage: &Storage{db: r.db, ns: r.ns, key: []byte(key)},
	}
}

// armTimerLocked (re)schedules the in-process timer for key. Caller holds r.mu.
func (r *Registry) armTimerLocked(key string, at time.Time) {
	if timer, ok := r.timers[key]; ok {
		timer.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	r.timers[key] = time.AfterFunc(delay, func() {
		r.fire(key)
	})
}

func (r *Registry) clearTimerLocked(key string) {
	if timer, ok := r.timers[key]; ok {
		timer.Stop()
		delete(r.timers, key)
	}
}

// fire runs the wake handler for key inside its actor. The persisted alarm is
// consumed before the handler runs; the handler re-arms as needed. A fire
// racing a cancel re-checks the persisted alarm under the actor lock, so a
// cleared or postponed alarm never produces a wake.
func (r *Registry) fire(key string) {
	select {
	case <-r.stopped:
		return
	default:
	}

	r.wg.Add(1)
	defer r.wg.Done()

	lock := r.actorLock(key)
	lock.Lock()
	defer lock.Unlock()

	h := r.handle(key)
	at, ok, err := h.Alarm()
	if err != nil {
		r.logger.Error("Actors[%s]: read alarm for %s: %v", r.ns, key, err)
		return
	}
	if !ok || time.Until(at) > alarmSlack {
		// Cleared or rescheduled later since this timer was armed.
		return
	}

	if err := h.consumeAlarm(); err != nil {
		r.logger.Error("Actors[%s]: consume alarm for %s: %v", r.ns, key, err)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			// The wake must always complete; a panic here must not take the
			// process down or leave the alarm half-consumed.
			r.logger.Error("Actors[%s]: wake for %s panicked: %v", r.ns, key, rec)
		}
	}()
	r.handler(context.Background(), key, h)
}

// alarmSlack absorbs timer early-fire jitter when re-checking due-ness.
const alarmSlack = 5 * time.Millisecond

// Handle is the view of one actor available inside Do and wake handlers:
// key-scoped durable storage plus the key's single durable alarm.
type Handle struct {
	key     string
	reg     *Registry
	storage *Storage
}

// Key returns the owning key for this actor.
func (h *Handle) Key() string {
	return h.key
}

// Storage returns the key-scoped durable storage.
func (h *Handle) Storage() *Storage {
	return h.storage
}

// SetAlarm persists the alarm for this key and arms the in-process timer.
// Setting an alarm equal to the currently armed instant is a no-op; any other
// value replaces the existing alarm, so the alarm always reflects the single
// earliest pending obligation its caller computed.
func (h *Handle) SetAlarm(at time.Time) error {
	at = at.UTC()
	current, ok, err := h.Alarm()
	if err != nil {
		return err
	}
	if ok && current.Equal(at) {
		return nil
	}

	err = h.reg.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(h.reg.ns).Bucket(alarmsBucket).Put([]byte(h.key), encodeTime(at))
	})
	if err != nil {
		return fmt.Errorf("actor: persist alarm: %w", err)
	}

	h.reg.mu.Lock()
	h.reg.armTimerLocked(h.key, at)
	h.reg.mu.Unlock()
	return nil
}

// ClearAlarm removes the persisted alarm and stops the in-process timer.
func (h *Handle) ClearAlarm() error {
	err := h.reg.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(h.reg.ns).Bucket(alarmsBucket).Delete([]byte(h.key))
	})
	if err != nil {
		return fmt.Errorf("actor: clear alarm: %w", err)
	}

	h.reg.mu.Lock()
	h.reg.clearTimerLocked(h.key)
	h.reg.mu.Unlock()
	return nil
}

// Alarm returns the persisted alarm instant, if any.
func (h *Handle) Alarm() (time.Time, bool, error) {
	var raw []byte
	err := h.reg.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(h.reg.ns).Bucket(alarmsBucket).Get([]byte(h.key))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("actor: read alarm: %w", err)
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	return decodeTime(raw), true, nil
}

// consumeAlarm deletes the persisted alarm record ahead of a wake.
func (h *Handle) consumeAlarm() error {
	err := h.reg.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(h.reg.ns).Bucket(alarmsBucket).Delete([]byte(h.key))
	})
	if err != nil {
		return err
	}
	h.reg.mu.Lock()
	delete(h.reg.timers, h.key)
	h.reg.mu.Unlock()
	return nil
}

var (
	alarmsBucket = []byte("alarms")
	dataBucket   = []byte("data")
)

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixMilli()))
	return buf
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(b))).UTC()
}
