package actor

import (
	"context"
	"errors"
	"time"

	"github.com/globaltaxcalc/edge-gateway/internal/kvstore"
)

// ErrNoState is returned by StateStore.Load when nothing was persisted for the actor.
var ErrNoState = errors.New("actor: no persisted state")

// StateStore persists one opaque document per actor. A zero ttl keeps it until deleted.
type StateStore interface {
	Load(ctx context.Context, namespace, key string) ([]byte, error)
	Save(ctx context.Context, namespace, key string, state []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
}

// KVStateStore keeps actor state in a kvstore.Store under "actor:<namespace>:<key>".
type KVStateStore struct {
	store kvstore.Store
}

func NewKVStateStore(store kvstore.Store) *KVStateStore {
	return &KVStateStore{store: store}
}

func (s *KVStateStore) Load(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.store.Get(ctx, stateKey(namespace, key))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNoState
	}
	return data, err
}

func (s *KVStateStore) Save(ctx context.Context, namespace, key string, state []byte, ttl time.Duration) error {
	return s.store.Put(ctx, stateKey(namespace, key), state, ttl)
}

func (s *KVStateStore) Delete(ctx context.Context, namespace, key string) error {
	return s.store.Delete(ctx, stateKey(namespace, key))
}

func stateKey(namespace, key string) string {
	return "actor:" + namespace + ":" + key
}
