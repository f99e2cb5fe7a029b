package oauth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowStoreStateSingleUse(t *testing.T) {
	fs := NewFlowStore()
	defer fs.Stop()

	id := fs.CreateState(CallerWeb, "https://app.example/cb", "caller-state", "", "")
	require.NotEmpty(t, id)
	assert.False(t, strings.Contains(id, "."), "state ids must be opaque")

	state, ok := fs.ConsumeState(id)
	require.True(t, ok)
	assert.Equal(t, CallerWeb, state.Kind)
	assert.Equal(t, "https://app.example/cb", state.RedirectURI)
	assert.Equal(t, "caller-state", state.CallerState)

	// Second consume of the same id must fail.
	_, ok = fs.ConsumeState(id)
	assert.False(t, ok)
}

func TestFlowStoreStateExpired(t *testing.T) {
	fs := NewFlowStore()
	defer fs.Stop()

	id := fs.CreateState(CallerCLI, "", "cli-state", "", "")
	fs.states[id].CreatedAt = time.Now().Add(-StateExpiry - time.Minute)

	_, ok := fs.ConsumeState(id)
	assert.False(t, ok, "expired state must be reported as absent")

	// Expiry consumption still deletes the entry.
	states, _, _ := fs.Counts()
	assert.Zero(t, states)
}

func TestFlowStoreCodeSingleUse(t *testing.T) {
	fs := NewFlowStore()
	defer fs.Stop()

	identity := Identity{Email: "alice@example.com", Subject: "sub-1"}
	pair := &TokenPair{IDToken: "header.payload.sig", RefreshToken: "rt-1"}

	code := fs.CreateCode(identity, pair)
	require.NotEmpty(t, code)

	entry, ok := fs.ConsumeCode(code)
	require.True(t, ok)
	assert.Equal(t, identity, entry.Identity)
	assert.Equal(t, "rt-1", entry.RefreshToken)
	assert.True(t, entry.ExpiresAt.After(time.Now()))

	_, ok = fs.ConsumeCode(code)
	assert.False(t, ok, "a code is consumable at most once")
}

func TestFlowStorePollEntry(t *testing.T) {
	fs := NewFlowStore()
	defer fs.Stop()

	// Nothing deposited yet: the CLI keeps polling.
	_, ok := fs.ConsumePollEntry("cli-state")
	assert.False(t, ok)

	fs.CreatePollEntry("cli-state", &TokenPair{IDToken: "h.p.s", RefreshToken: "rt-2"})

	entry, ok := fs.ConsumePollEntry("cli-state")
	require.True(t, ok)
	assert.Equal(t, "h.p.s", entry.IDToken)

	_, ok = fs.ConsumePollEntry("cli-state")
	assert.False(t, ok, "poll entries are single-use")
}

func TestFlowStoreSweep(t *testing.T) {
	fs := NewFlowStore()
	defer fs.Stop()

	staleState := fs.CreateState(CallerWeb, "https://app.example/cb", "s", "", "")
	fs.states[staleState].CreatedAt = time.Now().Add(-StateExpiry - time.Minute)

	code := fs.CreateCode(Identity{Email: "a@example.com"}, &TokenPair{})
	fs.codes[code].ExpiresAt = time.Now().Add(-time.Minute)

	fs.CreatePollEntry("p", &TokenPair{})
	fs.polls["p"].ExpiresAt = time.Now().Add(-time.Minute)

	fs.sweep()

	states, codes, polls := fs.Counts()
	assert.Zero(t, states)
	assert.Zero(t, codes)
	assert.Zero(t, polls)
}
