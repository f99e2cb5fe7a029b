package relay

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgerelay/internal/oauth"
)

func newRegisteredNode(t *testing.T, r *NodeRegistry, email string) (*NodeConnection, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	stream, err := NewEventStream(rec)
	require.NoError(t, err)
	return r.Register(oauth.Identity{Email: email}, stream), rec
}

func TestNodeRegistrySingleConnectionPerIdentity(t *testing.T) {
	c := NewCorrelator(8, time.Minute)
	r := NewNodeRegistry(c)

	n1, _ := newRegisteredNode(t, r, "alice@example.com")

	got, ok := r.Get("alice@example.com")
	require.True(t, ok)
	assert.Same(t, n1, got)
	assert.Equal(t, 1, r.Count())

	// Pending request owned by the first connection.
	ch, err := c.Dispatch("alice@example.com", n1, "tools/call", nil)
	require.NoError(t, err)

	// A reconnect replaces the old connection: its stream is closed and
	// its pending requests are rejected before the new one serves.
	n2, _ := newRegisteredNode(t, r, "alice@example.com")

	select {
	case <-n1.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced connection was not closed")
	}

	outcome := <-ch
	assert.ErrorIs(t, outcome.Err, ErrNodeReconnected)

	got, ok = r.Get("alice@example.com")
	require.True(t, ok)
	assert.Same(t, n2, got)
	assert.Equal(t, 1, r.Count())
}

func TestNodeRegistryUnregisterRejectsPending(t *testing.T) {
	c := NewCorrelator(8, time.Minute)
	r := NewNodeRegistry(c)

	n, _ := newRegisteredNode(t, r, "alice@example.com")
	ch, err := c.Dispatch("alice@example.com", n, "tools/call", nil)
	require.NoError(t, err)

	r.Unregister(n)

	outcome := <-ch
	assert.ErrorIs(t, outcome.Err, ErrNodeDisconnected)
	assert.Zero(t, r.Count())

	_, ok := r.Get("alice@example.com")
	assert.False(t, ok)
}

func TestNodeRegistryStaleUnregisterIsNoOp(t *testing.T) {
	c := NewCorrelator(8, time.Minute)
	r := NewNodeRegistry(c)

	n1, _ := newRegisteredNode(t, r, "alice@example.com")
	n2, _ := newRegisteredNode(t, r, "alice@example.com") // replaces n1

	// The request dispatched on the live connection must survive the
	// stale connection's handler unwinding.
	ch, err := c.Dispatch("alice@example.com", n2, "tools/call", nil)
	require.NoError(t, err)

	r.Unregister(n1)

	got, ok := r.Get("alice@example.com")
	require.True(t, ok, "the live connection must stay registered")
	assert.Same(t, n2, got)

	select {
	case <-ch:
		t.Fatal("pending request on the live connection was retired")
	default:
	}
	assert.Equal(t, 1, c.Count())
}

func TestNodeRegistryIsolatesIdentities(t *testing.T) {
	c := NewCorrelator(8, time.Minute)
	r := NewNodeRegistry(c)

	newRegisteredNode(t, r, "alice@example.com")
	newRegisteredNode(t, r, "bob@example.com")

	assert.Equal(t, 2, r.Count())

	_, ok := r.Get("alice@example.com")
	assert.True(t, ok)
	_, ok = r.Get("carol@example.com")
	assert.False(t, ok)
}
