// Package actor runs single-threaded, per-key actor instances with durable
// state and alarms. Messages addressed to one key are processed strictly in
// arrival order by exactly one goroutine, so behaviors never lock.
package actor

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the runtime (or the peer owning the key) cannot take messages.
	ErrUnavailable = errors.New("actor: runtime unavailable")
	// ErrUnknownNamespace is returned for addresses with no registered behavior.
	ErrUnknownNamespace = errors.New("actor: unknown namespace")
	// ErrUnknownOperation is returned by behaviors for ops they do not implement.
	ErrUnknownOperation = errors.New("actor: unknown operation")
)

// Handle is an addressable reference to one actor instance.
type Handle interface {
	Invoke(ctx context.Context, op string, payload []byte) ([]byte, error)
}

// Runtime resolves (namespace, key) pairs to handles.
type Runtime interface {
	Address(namespace, key string) Handle
}

// Behavior creates the actor for a key on first activation.
type Behavior interface {
	New(key string) Actor
}

// BehaviorFunc adapts a constructor function to Behavior.
type BehaviorFunc func(key string) Actor

func (f BehaviorFunc) New(key string) Actor { return f(key) }

// Actor handles messages and alarms for a single key. Calls are never concurrent.
type Actor interface {
	Receive(ctx context.Context, actx *Context, op string, payload []byte) ([]byte, error)
	Alarm(ctx context.Context, actx *Context) error
}

type address struct {
	namespace string
	key       string
}

func (a address) String() string {
	return a.namespace + "/" + a.key
}
