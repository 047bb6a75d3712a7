package rendezvous

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MinTTL:     0,
		MaxTTL:     4 * time.Second,
		DefaultTTL: time.Second,
		MaxCookies: 0,
	}
}

func newReg(t *testing.T, ns Namespace, ttl time.Duration) (NewRegistration, peer.ID) {
	t.Helper()
	p := test.RandPeerIDFatal(t)
	return NewRegistration{Namespace: ns, Record: PeerRecord{PeerID: p}, TTL: ttl}, p
}

func TestRegistrationUniquenessReplacesOnReRegister(t *testing.T) {
	r := NewRegistrations(testConfig(), 1)
	now := time.Unix(0, 0)

	p := test.RandPeerIDFatal(t)
	_, err := r.Add(now, NewRegistration{Namespace: "ns", Record: PeerRecord{PeerID: p}, TTL: time.Second})
	require.NoError(t, err)
	_, err = r.Add(now, NewRegistration{Namespace: "ns", Record: PeerRecord{PeerID: p}, TTL: time.Second})
	require.NoError(t, err)

	ns := Namespace("ns")
	regs, _, err := r.Get(&ns, nil, 0)
	require.NoError(t, err)
	require.Len(t, regs, 1)
}

func TestTTLOutOfRange(t *testing.T) {
	r := NewRegistrations(testConfig(), 1)
	now := time.Unix(0, 0)

	nr, _ := newReg(t, "ns", 10*time.Second)
	_, err := r.Add(now, nr)
	require.Error(t, err)
	var tooLong *TTLOutOfRange
	require.ErrorAs(t, err, &tooLong)
	require.Equal(t, TTLTooLong, tooLong.Kind)
}

func TestCookieMonotonicityNeverRedelivers(t *testing.T) {
	r := NewRegistrations(testConfig(), 1)
	now := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		nr, _ := newReg(t, "ns", time.Second)
		_, err := r.Add(now, nr)
		require.NoError(t, err)
	}

	ns := Namespace("ns")
	first, cookie1, err := r.Get(&ns, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, _, err := r.Get(&ns, &cookie1, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)

	seen := map[peer.ID]bool{}
	for _, reg := range append(first, second...) {
		require.False(t, seen[reg.Record.PeerID])
		seen[reg.Record.PeerID] = true
	}
}

func TestCookieNamespaceBindingMismatch(t *testing.T) {
	r := NewRegistrations(testConfig(), 1)
	now := time.Unix(0, 0)

	fooNR, _ := newReg(t, "foo", time.Second)
	barNR, _ := newReg(t, "bar", time.Second)
	_, err := r.Add(now, fooNR)
	require.NoError(t, err)
	_, err = r.Add(now, barNR)
	require.NoError(t, err)

	foo := Namespace("foo")
	bar := Namespace("bar")
	_, cookieFoo, err := r.Get(&foo, nil, 0)
	require.NoError(t, err)

	_, _, err = r.Get(&bar, &cookieFoo, 0)
	require.Error(t, err)
	require.IsType(t, &CookieNamespaceMismatch{}, err)
}

func TestExpiryLivenessAndOrder(t *testing.T) {
	r := NewRegistrations(testConfig(), 1)
	now := time.Unix(0, 0)

	fooNR, _ := newReg(t, "foo", time.Second)
	barNR, _ := newReg(t, "bar", 4*time.Second)
	_, err := r.Add(now, fooNR)
	require.NoError(t, err)
	_, err = r.Add(now, barNR)
	require.NoError(t, err)

	later := now.Add(time.Second)
	expired, ok := r.Poll(later)
	require.True(t, ok)
	require.Equal(t, Namespace("foo"), expired.Namespace)

	foo := Namespace("foo")
	bar := Namespace("bar")
	fooRegs, _, _ := r.Get(&foo, nil, 0)
	require.Empty(t, fooRegs)
	barRegs, _, _ := r.Get(&bar, nil, 0)
	require.Len(t, barRegs, 1)

	_, ok = r.Poll(later)
	require.False(t, ok)
}

func TestUnregisterBeforeExpirySuppressesExpiredEvent(t *testing.T) {
	r := NewRegistrations(testConfig(), 1)
	now := time.Unix(0, 0)

	nr, p := newReg(t, "foo", 2*time.Second)
	_, err := r.Add(now, nr)
	require.NoError(t, err)

	r.Remove("foo", p)

	_, ok := r.Poll(now.Add(3 * time.Second))
	require.False(t, ok)
}

func TestCookieCleanupOnceAllReferencedExpired(t *testing.T) {
	r := NewRegistrations(testConfig(), 1)
	now := time.Unix(0, 0)

	nr, _ := newReg(t, "ns", time.Second)
	_, err := r.Add(now, nr)
	require.NoError(t, err)

	ns := Namespace("ns")
	_, cookie, err := r.Get(&ns, nil, 0)
	require.NoError(t, err)
	require.Contains(t, r.cookies, cookie)

	_, ok := r.Poll(now.Add(2 * time.Second))
	require.True(t, ok)
	require.NotContains(t, r.cookies, cookie)
}
