package actor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"go.uber.org/zap"
)

// SecretHeader authenticates actor calls between peers.
const SecretHeader = "X-Actor-Secret"

// RemoteError carries an actor-level failure reported by the owning peer.
type RemoteError struct {
	Peer    string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("actor call to %s failed with %d: %s", e.Peer, e.Status, e.Message)
}

// ClusterRuntime routes each key to exactly one peer chosen by rendezvous
// hashing. Keys owned by this node run on the embedded LocalRuntime; the rest
// are forwarded over HTTP to the owner's actor endpoint.
type ClusterRuntime struct {
	self   string
	local  *LocalRuntime
	ring   *rendezvous.Rendezvous
	client *http.Client
	secret string
	logger *zap.Logger
}

// NewClusterRuntime creates a runtime over peers. self must be one of peers.
func NewClusterRuntime(self string, peers []string, local *LocalRuntime, secret string, timeout time.Duration, logger *zap.Logger) (*ClusterRuntime, error) {
	self = strings.TrimRight(self, "/")
	nodes := make([]string, 0, len(peers)+1)
	found := false
	for _, peer := range peers {
		peer = strings.TrimRight(strings.TrimSpace(peer), "/")
		if peer == "" {
			continue
		}
		if peer == self {
			found = true
		}
		nodes = append(nodes, peer)
	}
	if !found {
		return nil, fmt.Errorf("self %q is not listed in actor peers", self)
	}

	return &ClusterRuntime{
		self:   self,
		local:  local,
		ring:   rendezvous.New(nodes, xxhash.Sum64String),
		client: &http.Client{Timeout: timeout},
		secret: secret,
		logger: logger,
	}, nil
}

// Owner returns the peer responsible for the address.
func (c *ClusterRuntime) Owner(namespace, key string) string {
	return c.ring.Lookup(address{namespace: namespace, key: key}.String())
}

func (c *ClusterRuntime) Address(namespace, key string) Handle {
	owner := c.Owner(namespace, key)
	if owner == c.self {
		return c.local.Address(namespace, key)
	}
	return &remoteHandle{cluster: c, peer: owner, addr: address{namespace: namespace, key: key}}
}

type remoteHandle struct {
	cluster *ClusterRuntime
	peer    string
	addr    address
}

func (h *remoteHandle) Invoke(ctx context.Context, op string, payload []byte) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/_actors/%s/%s/%s",
		h.peer,
		url.PathEscape(h.addr.namespace),
		url.PathEscape(h.addr.key),
		url.PathEscape(op))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build actor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, h.cluster.secret)

	resp, err := h.cluster.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, h.peer, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read from %s: %v", ErrUnavailable, h.peer, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s answered %d", ErrUnavailable, h.peer, resp.StatusCode)
	default:
		return nil, &RemoteError{Peer: h.peer, Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
}
