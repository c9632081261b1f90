package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/globaltaxcalc/edge-gateway/internal/edge"
)

// Freshness is the lookup outcome reported in X-Cache-Status.
type Freshness string

const (
	Fresh Freshness = "fresh"
	Stale Freshness = "stale"
	Miss  Freshness = "miss"
)

// Metadata is written once when an entry is stored.
type Metadata struct {
	StoredAt    time.Time `json:"storedAt"`
	TTL         int64     `json:"ttl"`
	StaleWindow int64     `json:"staleWindow"`
	Tags        []string  `json:"tags"`
	Region      string    `json:"region"`
}

// Entry is a stored response snapshot.
type Entry struct {
	StatusCode int
	Headers    []edge.HeaderField
	Body       []byte
	Metadata   Metadata
}

// FreshUntil is the end of the fresh period.
func (e *Entry) FreshUntil() time.Time {
	return e.Metadata.StoredAt.Add(time.Duration(e.Metadata.TTL) * time.Second)
}

// ExpiresAt is the logical end of life: ttl plus the stale window.
func (e *Entry) ExpiresAt() time.Time {
	return e.FreshUntil().Add(time.Duration(e.Metadata.StaleWindow) * time.Second)
}

// Freshness classifies the entry at now.
func (e *Entry) Freshness(now time.Time) Freshness {
	switch {
	case now.Before(e.FreshUntil()):
		return Fresh
	case now.Before(e.ExpiresAt()):
		return Stale
	default:
		return Miss
	}
}

// Age is the time since the entry was stored, never negative.
func (e *Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.Metadata.StoredAt)
	if age < 0 {
		return 0
	}
	return age
}

// HasAnyTag reports whether the entry carries at least one of tags.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Metadata.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Response converts the entry back to a response.
func (e *Entry) Response() *edge.Response {
	return &edge.Response{
		StatusCode: e.StatusCode,
		Headers:    append([]edge.HeaderField(nil), e.Headers...),
		Body:       e.Body,
	}
}

const encodingZstd = "zstd"

type storedEntry struct {
	Status   int                `json:"status"`
	Headers  []edge.HeaderField `json:"headers"`
	Body     []byte             `json:"body"`
	Encoding string             `json:"encoding,omitempty"`
	Metadata Metadata           `json:"metadata"`
}

// Codec serializes entries, compressing bodies above a threshold with zstd.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a codec. A threshold of zero or less disables compression.
func NewCodec(threshold int) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, encoder: encoder, decoder: decoder}, nil
}

func (c *Codec) Encode(e *Entry) ([]byte, error) {
	stored := storedEntry{
		Status:   e.StatusCode,
		Headers:  e.Headers,
		Body:     e.Body,
		Metadata: e.Metadata,
	}

	if c.threshold > 0 && len(e.Body) > c.threshold {
		compressed := c.encoder.EncodeAll(e.Body, make([]byte, 0, len(e.Body)/2))
		if len(compressed) < len(e.Body) {
			stored.Body = compressed
			stored.Encoding = encodingZstd
		}
	}

	return json.Marshal(stored)
}

func (c *Codec) Decode(data []byte) (*Entry, error) {
	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}

	body := stored.Body
	switch stored.Encoding {
	case "":
	case encodingZstd:
		decoded, err := c.decoder.DecodeAll(stored.Body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress cache entry: %w", err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("unknown cache entry encoding %q", stored.Encoding)
	}

	return &Entry{
		StatusCode: stored.Status,
		Headers:    stored.Headers,
		Body:       body,
		Metadata:   stored.Metadata,
	}, nil
}

// Close releases the zstd decoder goroutines.
func (c *Codec) Close() {
	c.decoder.Close()
	_ = c.encoder.Close()
}
