package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/kvstore"
)

const blocklistPrefix = "blocklist:"

// BlockEntry is the value stored for a dynamically blocked address.
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	AddedAt   time.Time `json:"addedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Blocklist is the admin-managed address denylist kept in the KV store so
// every gateway instance sees it.
type Blocklist struct {
	store  kvstore.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewBlocklist(store kvstore.Store, logger *zap.Logger) *Blocklist {
	return &Blocklist{store: store, logger: logger, now: time.Now}
}

// Add blocks ip for ttl; a zero ttl blocks until removed.
func (b *Blocklist) Add(ctx context.Context, ip, reason string, ttl time.Duration) (*BlockEntry, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return nil, fmt.Errorf("invalid IP address %q: %w", ip, err)
	}

	now := b.now()
	entry := &BlockEntry{IP: addr.Unmap().String(), Reason: reason, AddedAt: now}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := b.store.Put(ctx, blocklistPrefix+entry.IP, data, ttl); err != nil {
		return nil, fmt.Errorf("store blocklist entry: %w", err)
	}

	b.logger.Info("IP added to blocklist",
		zap.String("ip", entry.IP),
		zap.String("reason", reason),
		zap.Duration("ttl", ttl),
	)
	return entry, nil
}

// Remove unblocks ip. Removing an address that is not listed is not an error.
func (b *Blocklist) Remove(ctx context.Context, ip string) error {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return fmt.Errorf("invalid IP address %q: %w", ip, err)
	}
	if err := b.store.Delete(ctx, blocklistPrefix+addr.Unmap().String()); err != nil {
		return fmt.Errorf("delete blocklist entry: %w", err)
	}
	b.logger.Info("IP removed from blocklist", zap.String("ip", addr.Unmap().String()))
	return nil
}

// Contains reports whether ip is listed. Lookup failures count as not listed.
func (b *Blocklist) Contains(ctx context.Context, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	_, err = b.store.Get(ctx, blocklistPrefix+addr.Unmap().String())
	switch {
	case err == nil:
		return true
	case errors.Is(err, kvstore.ErrNotFound):
		return false
	default:
		b.logger.Warn("Blocklist lookup failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
}

// List returns every live entry.
func (b *Blocklist) List(ctx context.Context) ([]BlockEntry, error) {
	keys, err := b.store.List(ctx, blocklistPrefix)
	if err != nil {
		return nil, fmt.Errorf("list blocklist: %w", err)
	}

	entries := make([]BlockEntry, 0, len(keys))
	for _, key := range keys {
		data, err := b.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry BlockEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
