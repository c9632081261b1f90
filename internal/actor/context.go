package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Context gives an actor access to its identity, clock, durable storage and alarm.
type Context struct {
	rt   *LocalRuntime
	addr address
}

func (c *Context) Namespace() string { return c.addr.namespace }
func (c *Context) Key() string       { return c.addr.key }

// Now reads the runtime clock.
func (c *Context) Now() time.Time { return c.rt.now() }

// Load decodes the persisted state into v. It reports false when nothing was stored.
func (c *Context) Load(ctx context.Context, v interface{}) (bool, error) {
	data, err := c.rt.state.Load(ctx, c.addr.namespace, c.addr.key)
	if errors.Is(err, ErrNoState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode state %s: %w", c.addr, err)
	}
	return true, nil
}

// Save persists v. ttl bounds how long the document outlives a lost alarm.
func (c *Context) Save(ctx context.Context, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", c.addr, err)
	}
	return c.rt.state.Save(ctx, c.addr.namespace, c.addr.key, data, ttl)
}

// Clear deletes the persisted state and any pending alarm.
func (c *Context) Clear(ctx context.Context) error {
	c.rt.cancelAlarm(c.addr)
	return c.rt.state.Delete(ctx, c.addr.namespace, c.addr.key)
}

// Schedule arranges for Alarm to run at wakeAt, replacing any earlier schedule.
func (c *Context) Schedule(wakeAt time.Time) {
	c.rt.scheduleAlarm(c.addr, wakeAt)
}

// CancelAlarm drops the pending alarm, if any.
func (c *Context) CancelAlarm() {
	c.rt.cancelAlarm(c.addr)
}

// AlarmPending reports whether an alarm is scheduled for this actor.
func (c *Context) AlarmPending() bool {
	return c.rt.PendingAlarm(c.addr.namespace, c.addr.key)
}
