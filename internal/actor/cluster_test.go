package actor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type clusterNode struct {
	fixture *counterFixture
	server  *httptest.Server
}

func newClusterNode(t *testing.T, secret string) *clusterNode {
	t.Helper()

	f := newCounterFixture(t)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/_actors/:namespace/:key/:op", Handler(f.rt, secret, time.Second))

	server := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(server.Close)
	return &clusterNode{fixture: f, server: server}
}

func TestClusterRuntimeRoutesToOwner(t *testing.T) {
	const secret = "peer-secret"
	a := newClusterNode(t, secret)
	b := newClusterNode(t, secret)
	peers := []string{a.server.URL, b.server.URL}

	clusterA, err := NewClusterRuntime(a.server.URL, peers, a.fixture.rt, secret, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	clusterB, err := NewClusterRuntime(b.server.URL, peers, b.fixture.rt, secret, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Find a key owned by node B.
	var remoteKey string
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("client-%d", i)
		if clusterA.Owner("counter", key) == b.server.URL {
			remoteKey = key
			break
		}
	}
	require.NotEmpty(t, remoteKey)
	assert.Equal(t, clusterA.Owner("counter", remoteKey), clusterB.Owner("counter", remoteKey))

	for i := 0; i < 3; i++ {
		invokeCount(t, clusterA.Address("counter", remoteKey), "incr")
	}
	invokeCount(t, clusterB.Address("counter", remoteKey), "incr")

	assert.Equal(t, 0, a.fixture.rt.ActiveCount())
	assert.Equal(t, 4, invokeCount(t, b.fixture.rt.Address("counter", remoteKey), "get"))
}

func TestClusterRuntimeUnreachablePeer(t *testing.T) {
	a := newClusterNode(t, "s")
	dead := "http://127.0.0.1:1"

	cluster, err := NewClusterRuntime(a.server.URL, []string{a.server.URL, dead}, a.fixture.rt, "s", 200*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)

	var deadKey string
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("client-%d", i)
		if cluster.Owner("counter", key) == dead {
			deadKey = key
			break
		}
	}
	require.NotEmpty(t, deadKey)

	_, err = cluster.Address("counter", deadKey).Invoke(context.Background(), "incr", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClusterRuntimeRequiresSelf(t *testing.T) {
	_, err := NewClusterRuntime("http://me", []string{"http://other"}, nil, "", time.Second, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestHandlerRejectsBadSecret(t *testing.T) {
	node := newClusterNode(t, "right")

	req, err := http.NewRequest(http.MethodPost, node.server.URL+"/_actors/counter/k/incr", bytes.NewReader(nil))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, "wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRemoteErrorForActorFailures(t *testing.T) {
	const secret = "s"
	a := newClusterNode(t, secret)
	b := newClusterNode(t, secret)
	peers := []string{a.server.URL, b.server.URL}

	cluster, err := NewClusterRuntime(a.server.URL, peers, a.fixture.rt, secret, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	var remoteKey string
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k-%d", i)
		if cluster.Owner("counter", key) == b.server.URL {
			remoteKey = key
			break
		}
	}
	require.NotEmpty(t, remoteKey)

	_, err = cluster.Address("counter", remoteKey).Invoke(context.Background(), "unknown-op", nil)
	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusUnprocessableEntity, remoteErr.Status)
}

func TestHandlerKeepsAddressesAcrossKeepAliveRequests(t *testing.T) {
	const secret = "s"
	f := newCounterFixture(t)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/_actors/:namespace/:key/:op", Handler(f.rt, secret, time.Second))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	// One connection, so every request reuses the same fasthttp buffers.
	client := &http.Client{Transport: &http.Transport{MaxConnsPerHost: 1, MaxIdleConnsPerHost: 1}}
	t.Cleanup(client.CloseIdleConnections)

	keys := []string{"client-aaaa", "client-bbbb", "client-cccc"}
	for _, key := range keys {
		req, err := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+"/_actors/counter/"+key+"/incr", nil)
		require.NoError(t, err)
		req.Header.Set(SecretHeader, secret)

		resp, err := client.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	assert.Equal(t, len(keys), f.rt.ActiveCount())
	for _, key := range keys {
		assert.Equal(t, 1, invokeCount(t, f.rt.Address("counter", key), "get"), key)
	}
}
