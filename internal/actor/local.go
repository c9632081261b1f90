package actor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

const shardCount = 32

// Option is a functional option for configuring LocalRuntime
type Option func(*LocalRuntime)

// WithClock sets the clock actors observe through Context.Now.
func WithClock(now func() time.Time) Option {
	return func(r *LocalRuntime) {
		r.now = now
	}
}

// WithIdleTimeout sets how long an instance may sit idle before it is passivated.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *LocalRuntime) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithSweepInterval sets how often idle instances are passivated.
func WithSweepInterval(d time.Duration) Option {
	return func(r *LocalRuntime) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithMailboxSize sets the per-instance queue length.
func WithMailboxSize(n int) Option {
	return func(r *LocalRuntime) {
		if n > 0 {
			r.mailboxSize = n
		}
	}
}

// WithMetrics publishes live instance counts.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(r *LocalRuntime) {
		r.metrics = m
	}
}

type result struct {
	data []byte
	err  error
}

type envelope struct {
	ctx     context.Context
	op      string
	payload []byte
	alarm   bool
	reply   chan result
}

type instance struct {
	addr    address
	actor   Actor
	actx    *Context
	mailbox chan envelope

	mu         sync.RWMutex
	closed     bool
	lastActive atomic.Int64
	busy       atomic.Bool
}

// send enqueues env unless the instance was passivated concurrently.
func (i *instance) send(ctx context.Context, env envelope, now time.Time) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return false, nil
	}
	i.lastActive.Store(now.UnixNano())

	select {
	case i.mailbox <- env:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// tryClose passivates the instance if it has been idle since before cutoff.
func (i *instance) tryClose(cutoff time.Time, force bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return true
	}
	if !force {
		if i.busy.Load() || len(i.mailbox) > 0 || time.Unix(0, i.lastActive.Load()).After(cutoff) {
			return false
		}
	}
	i.closed = true
	close(i.mailbox)
	return true
}

type shard struct {
	mu        sync.Mutex
	instances map[address]*instance
}

type alarm struct {
	timer *time.Timer
}

// LocalRuntime hosts actor instances in this process, one goroutine per live key.
type LocalRuntime struct {
	logger  *zap.Logger
	state   StateStore
	metrics *observability.MetricsCollector
	now     func() time.Time

	idleTimeout   time.Duration
	sweepInterval time.Duration
	mailboxSize   int

	behaviorsMu sync.RWMutex
	behaviors   map[string]Behavior

	shards [shardCount]*shard

	alarmMu sync.Mutex
	alarms  map[address]*alarm

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLocalRuntime creates a runtime that persists actor state in state and
// starts its passivation loop.
func NewLocalRuntime(state StateStore, logger *zap.Logger, options ...Option) *LocalRuntime {
	r := &LocalRuntime{
		logger:        logger,
		state:         state,
		now:           time.Now,
		idleTimeout:   10 * time.Minute,
		sweepInterval: time.Minute,
		mailboxSize:   256,
		behaviors:     make(map[string]Behavior),
		alarms:        make(map[address]*alarm),
		stopCh:        make(chan struct{}),
	}
	for _, option := range options {
		option(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{instances: make(map[address]*instance)}
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// Register binds a behavior to a namespace. Registering twice replaces the behavior
// for instances activated afterwards.
func (r *LocalRuntime) Register(namespace string, behavior Behavior) {
	r.behaviorsMu.Lock()
	defer r.behaviorsMu.Unlock()
	r.behaviors[namespace] = behavior
}

func (r *LocalRuntime) Address(namespace, key string) Handle {
	return &localHandle{rt: r, addr: address{namespace: namespace, key: key}}
}

type localHandle struct {
	rt   *LocalRuntime
	addr address
}

func (h *localHandle) Invoke(ctx context.Context, op string, payload []byte) ([]byte, error) {
	return h.rt.invoke(ctx, h.addr, envelope{ctx: ctx, op: op, payload: payload})
}

// TriggerAlarm runs the actor's alarm now and waits for it to finish.
func (r *LocalRuntime) TriggerAlarm(ctx context.Context, namespace, key string) error {
	_, err := r.invoke(ctx, address{namespace: namespace, key: key}, envelope{ctx: ctx, alarm: true})
	return err
}

func (r *LocalRuntime) invoke(ctx context.Context, addr address, env envelope) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrUnavailable
	}

	behavior := r.behavior(addr.namespace)
	if behavior == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, addr.namespace)
	}

	env.reply = make(chan result, 1)
	if err := r.deliver(ctx, addr, behavior, env); err != nil {
		return nil, err
	}

	select {
	case res := <-env.reply:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *LocalRuntime) deliver(ctx context.Context, addr address, behavior Behavior, env envelope) error {
	for {
		inst := r.activate(addr, behavior)
		if inst == nil {
			return ErrUnavailable
		}

		sent, err := inst.send(ctx, env, r.now())
		if err != nil {
			return err
		}
		if sent {
			return nil
		}
		// passivated between lookup and send; activate a fresh instance
	}
}

func (r *LocalRuntime) activate(addr address, behavior Behavior) *instance {
	sh := r.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r.closed.Load() {
		return nil
	}
	if inst, ok := sh.instances[addr]; ok {
		return inst
	}

	inst := &instance{
		addr:    addr,
		actor:   behavior.New(addr.key),
		actx:    &Context{rt: r, addr: addr},
		mailbox: make(chan envelope, r.mailboxSize),
	}
	inst.lastActive.Store(r.now().UnixNano())
	sh.instances[addr] = inst

	r.wg.Add(1)
	go r.run(inst)

	r.metrics.ActorsActive(addr.namespace, 1)
	return inst
}

func (r *LocalRuntime) run(inst *instance) {
	defer r.wg.Done()

	for env := range inst.mailbox {
		inst.busy.Store(true)
		r.handle(inst, env)
		inst.lastActive.Store(r.now().UnixNano())
		inst.busy.Store(false)
	}
}

func (r *LocalRuntime) handle(inst *instance, env envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Actor panicked",
				zap.String("actor", inst.addr.String()),
				zap.String("op", env.op),
				zap.Any("panic", rec))
			env.reply <- result{err: fmt.Errorf("actor %s panicked: %v", inst.addr, rec)}
		}
	}()

	if env.alarm {
		err := inst.actor.Alarm(env.ctx, inst.actx)
		if err != nil {
			r.logger.Warn("Actor alarm failed", zap.String("actor", inst.addr.String()), zap.Error(err))
		}
		env.reply <- result{err: err}
		return
	}

	// The caller gave up while the message was queued.
	if err := env.ctx.Err(); err != nil {
		env.reply <- result{err: err}
		return
	}

	data, err := inst.actor.Receive(env.ctx, inst.actx, env.op, env.payload)
	env.reply <- result{data: data, err: err}
}

func (r *LocalRuntime) behavior(namespace string) Behavior {
	r.behaviorsMu.RLock()
	defer r.behaviorsMu.RUnlock()
	return r.behaviors[namespace]
}

func (r *LocalRuntime) shardFor(addr address) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr.namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(addr.key))
	return r.shards[h.Sum32()%shardCount]
}

func (r *LocalRuntime) scheduleAlarm(addr address, wakeAt time.Time) {
	delay := wakeAt.Sub(r.now())
	if delay < 0 {
		delay = 0
	}

	r.alarmMu.Lock()
	defer r.alarmMu.Unlock()

	if r.closed.Load() {
		return
	}
	if existing, ok := r.alarms[addr]; ok {
		existing.timer.Stop()
	}

	a := &alarm{}
	r.alarms[addr] = a
	a.timer = time.AfterFunc(delay, func() { r.fireAlarm(addr, a) })
}

func (r *LocalRuntime) cancelAlarm(addr address) {
	r.alarmMu.Lock()
	defer r.alarmMu.Unlock()

	if existing, ok := r.alarms[addr]; ok {
		existing.timer.Stop()
		delete(r.alarms, addr)
	}
}

func (r *LocalRuntime) fireAlarm(addr address, a *alarm) {
	r.alarmMu.Lock()
	current, ok := r.alarms[addr]
	if !ok || current != a {
		r.alarmMu.Unlock()
		return
	}
	delete(r.alarms, addr)
	r.alarmMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := r.TriggerAlarm(ctx, addr.namespace, addr.key); err != nil && !errors.Is(err, ErrUnavailable) {
		r.logger.Warn("Alarm delivery failed", zap.String("actor", addr.String()), zap.Error(err))
	}
}

// PendingAlarm reports the scheduled alarm state for an actor.
func (r *LocalRuntime) PendingAlarm(namespace, key string) bool {
	r.alarmMu.Lock()
	defer r.alarmMu.Unlock()
	_, ok := r.alarms[address{namespace: namespace, key: key}]
	return ok
}

// ActiveCount returns the number of live instances.
func (r *LocalRuntime) ActiveCount() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		total += len(sh.instances)
		sh.mu.Unlock()
	}
	return total
}

// EvictIdle passivates instances idle longer than the idle timeout.
func (r *LocalRuntime) EvictIdle() int {
	cutoff := r.now().Add(-r.idleTimeout)
	evicted := 0

	for _, sh := range r.shards {
		sh.mu.Lock()
		for addr, inst := range sh.instances {
			if inst.tryClose(cutoff, false) {
				delete(sh.instances, addr)
				r.metrics.ActorsActive(addr.namespace, -1)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

type expiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func (r *LocalRuntime) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if evicted := r.EvictIdle(); evicted > 0 {
				r.logger.Debug("Passivated idle actors", zap.Int("count", evicted))
			}
			if purger, ok := r.state.(expiredPurger); ok {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := purger.PurgeExpired(ctx); err != nil {
					r.logger.Warn("Failed to purge expired actor state", zap.Error(err))
				} else if n > 0 {
					r.logger.Debug("Purged expired actor state", zap.Int64("rows", n))
				}
				cancel()
			}
		}
	}
}

// Close stops alarms, drains every mailbox and waits for instances to exit.
// Later invocations fail with ErrUnavailable.
func (r *LocalRuntime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stopCh)

	r.alarmMu.Lock()
	for addr, a := range r.alarms {
		a.timer.Stop()
		delete(r.alarms, addr)
	}
	r.alarmMu.Unlock()

	for _, sh := range r.shards {
		sh.mu.Lock()
		for addr, inst := range sh.instances {
			inst.tryClose(time.Time{}, true)
			delete(sh.instances, addr)
			r.metrics.ActorsActive(addr.namespace, -1)
		}
		sh.mu.Unlock()
	}

	r.wg.Wait()
	return nil
}
