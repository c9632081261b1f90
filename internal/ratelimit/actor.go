package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/globaltaxcalc/edge-gateway/internal/actor"
)

// Namespace is the actor namespace of limiter instances.
const Namespace = "ratelimit"

// Actor operations.
const (
	OpCheck  = "check"
	OpReset  = "reset"
	OpStatus = "status"
)

// IdleRetention is how long a key may stay untouched before its state is destroyed.
const IdleRetention = 24 * time.Hour

// CheckRequest is the payload of OpCheck.
type CheckRequest struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"windowSeconds"`
}

// Status is the reply of OpStatus.
type Status struct {
	Key               string  `json:"key"`
	Active            int     `json:"active"`
	TotalRequestsEver int64   `json:"totalRequestsEver"`
	FirstRequestAt    int64   `json:"firstRequestAt,omitempty"`
	LastRequestAt     int64   `json:"lastRequestAt,omitempty"`
	Timestamps        []int64 `json:"timestamps"`
}

// Behavior creates limiter actors for the runtime.
func Behavior() actor.Behavior {
	return actor.BehaviorFunc(func(key string) actor.Actor {
		return &limiterActor{}
	})
}

type limiterActor struct {
	loaded bool
	window Window
}

func (a *limiterActor) Receive(ctx context.Context, actx *actor.Context, op string, payload []byte) ([]byte, error) {
	if !a.loaded {
		if _, err := actx.Load(ctx, &a.window); err != nil {
			return nil, err
		}
		a.loaded = true
	}

	switch op {
	case OpCheck:
		var req CheckRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode check: %w", err)
		}
		if req.Limit <= 0 || req.WindowSeconds <= 0 {
			return nil, fmt.Errorf("check needs a positive limit and window")
		}

		// The admitted timestamp only becomes visible once it is durable, so
		// a failed Save leaves the window as the caller's fallback saw it.
		now := actx.Now()
		next := a.window.Clone()
		decision := next.Check(now, Limit{Limit: req.Limit, Window: time.Duration(req.WindowSeconds) * time.Second})
		if !decision.Limited {
			if err := actx.Save(ctx, next, IdleRetention+time.Hour); err != nil {
				return nil, err
			}
			actx.Schedule(now.Add(IdleRetention))
		}
		a.window = next
		return json.Marshal(decision)

	case OpReset:
		a.window = Window{}
		if err := actx.Clear(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(Status{Key: actx.Key(), Timestamps: []int64{}})

	case OpStatus:
		return json.Marshal(a.status(actx.Key()))

	default:
		return nil, actor.ErrUnknownOperation
	}
}

// Alarm destroys the state once the key has been idle for IdleRetention.
func (a *limiterActor) Alarm(ctx context.Context, actx *actor.Context) error {
	if !a.loaded {
		if _, err := actx.Load(ctx, &a.window); err != nil {
			return err
		}
		a.loaded = true
	}

	idleSince := time.UnixMilli(a.window.LastRequestAt)
	if a.window.LastRequestAt != 0 && actx.Now().Sub(idleSince) < IdleRetention {
		actx.Schedule(idleSince.Add(IdleRetention))
		return nil
	}

	a.window = Window{}
	return actx.Clear(ctx)
}

func (a *limiterActor) status(key string) Status {
	timestamps := append([]int64{}, a.window.Timestamps...)
	return Status{
		Key:               key,
		Active:            len(timestamps),
		TotalRequestsEver: a.window.TotalRequestsEver,
		FirstRequestAt:    a.window.FirstRequestAt,
		LastRequestAt:     a.window.LastRequestAt,
		Timestamps:        timestamps,
	}
}
