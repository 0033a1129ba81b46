package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfab/sessionfab/internal/protocol"
)

func newTestEndpoint(identity string) *Peer {
	p := NewPeer(RoleEndpoint, nil)
	p.Identity = identity
	p.SendFn = func([]byte) error { return nil }
	return p
}

func TestRegistry_MonotonicIDs(t *testing.T) {
	r := New()
	a := NewPeer(RoleAdmin, nil)
	r.AddAdmin(a)
	e := newTestEndpoint("w1")
	r.AddEndpoint(e)
	b := NewPeer(RoleAdmin, nil)
	r.AddAdmin(b)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), e.ID)
	assert.Equal(t, int64(3), b.ID)

	r.Remove(e)
	e2 := newTestEndpoint("w1")
	r.AddEndpoint(e2)
	assert.Equal(t, int64(4), e2.ID, "ids are never reused")
}

func TestAddEndpoint_EvictsPreviousHolder(t *testing.T) {
	r := New()
	old := newTestEndpoint("sess-7")
	require.Nil(t, r.AddEndpoint(old))

	replacement := newTestEndpoint("sess-7")
	evicted := r.AddEndpoint(replacement)
	require.Same(t, old, evicted)

	// The identity resolves to the replacement immediately.
	got, ok := r.Endpoint("sess-7")
	require.True(t, ok)
	assert.Same(t, replacement, got)

	// The evicted peer is already gone from the id index.
	_, ok = r.Get(old.ID)
	assert.False(t, ok)
}

func TestRemove_EvictedPeerDoesNotUnregisterReplacement(t *testing.T) {
	r := New()
	old := newTestEndpoint("sess-7")
	r.AddEndpoint(old)
	replacement := newTestEndpoint("sess-7")
	r.AddEndpoint(replacement)

	// The evicted peer's connection handler winds down later and removes
	// its peer; the replacement must survive that.
	r.Remove(old)
	got, ok := r.Endpoint("sess-7")
	require.True(t, ok)
	assert.Same(t, replacement, got)

	r.Remove(replacement)
	_, ok = r.Endpoint("sess-7")
	assert.False(t, ok)
}

func TestEndpoints_SortedByIdentity(t *testing.T) {
	r := New()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		r.AddEndpoint(newTestEndpoint(id))
	}
	var got []string
	for _, p := range r.Endpoints() {
		got = append(got, p.Identity)
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, got)
}

func TestByCapability(t *testing.T) {
	r := New()
	shots := newTestEndpoint("bravo")
	shots.Capabilities = []string{"echo", "take_screenshot"}
	r.AddEndpoint(shots)
	plain := newTestEndpoint("alpha")
	plain.Capabilities = []string{"echo"}
	r.AddEndpoint(plain)

	got := r.ByCapability("take_screenshot")
	require.Len(t, got, 1)
	assert.Same(t, shots, got[0])

	var identities []string
	for _, p := range r.ByCapability("echo") {
		identities = append(identities, p.Identity)
	}
	assert.Equal(t, []string{"alpha", "bravo"}, identities)

	assert.Empty(t, r.ByCapability("ocr"))

	// Eviction replaces the index entries along with the identity binding.
	replacement := newTestEndpoint("bravo")
	replacement.Capabilities = []string{"echo"}
	r.AddEndpoint(replacement)
	assert.Empty(t, r.ByCapability("take_screenshot"))

	// Removing the evicted peer later must not disturb the replacement.
	r.Remove(shots)
	assert.Len(t, r.ByCapability("echo"), 2)

	r.Remove(replacement)
	r.Remove(plain)
	assert.Empty(t, r.ByCapability("echo"))
}

func TestAdmins_And_Counts(t *testing.T) {
	r := New()
	a := NewPeer(RoleAdmin, nil)
	r.AddAdmin(a)
	r.AddEndpoint(newTestEndpoint("w1"))
	b := NewPeer(RoleAdmin, nil)
	r.AddAdmin(b)

	admins := r.Admins()
	require.Len(t, admins, 2)
	assert.Same(t, a, admins[0])
	assert.Same(t, b, admins[1])

	endpoints, adminCount := r.Counts()
	assert.Equal(t, 1, endpoints)
	assert.Equal(t, 2, adminCount)
}

func TestStaleEndpoints(t *testing.T) {
	r := New()
	fresh := newTestEndpoint("fresh")
	stale := newTestEndpoint("stale")
	r.AddEndpoint(fresh)
	r.AddEndpoint(stale)

	stale.mu.Lock()
	stale.lastTraffic = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	got := r.StaleEndpoints(time.Minute)
	require.Len(t, got, 1)
	assert.Same(t, stale, got[0])

	stale.Touch()
	assert.Empty(t, r.StaleEndpoints(time.Minute))
}

func TestPeer_SendUsesSendFn(t *testing.T) {
	var captured [][]byte
	p := NewPeer(RoleEndpoint, nil)
	p.SendFn = func(data []byte) error {
		captured = append(captured, data)
		return nil
	}

	env, err := protocol.New(protocol.TypeAck, "a1", nil)
	require.NoError(t, err)
	require.NoError(t, p.Send(env))
	require.Len(t, captured, 1)

	decoded, err := protocol.Decode(captured[0], 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAck, decoded.Type)
	assert.Equal(t, "a1", decoded.ID)
}

func TestPeer_SendWithoutConnectionFails(t *testing.T) {
	p := NewPeer(RoleAdmin, nil)
	env, err := protocol.New(protocol.TypeAck, "a1", nil)
	require.NoError(t, err)
	assert.Error(t, p.Send(env))
}

func TestPeer_Info(t *testing.T) {
	p := newTestEndpoint("w1")
	p.Capabilities = []string{"echo"}
	p.Version = "1.2.3"
	p.ID = 9

	info := p.Info()
	assert.Equal(t, int64(9), info.PeerID)
	assert.Equal(t, "w1", info.Identity)
	assert.Equal(t, []string{"echo"}, info.Capabilities)
	assert.Equal(t, "1.2.3", info.Version)
	assert.False(t, info.LastSeen.IsZero())
}
