// Package rendezvous implements an in-memory directory of peer
// advertisements, namespaced and TTL-bounded, with cookie-paginated
// discovery. It is the Go counterpart of the rendezvous protocol's
// server-side registration store: peers REGISTER a record under a
// namespace, other peers DISCOVER it, and entries expire on their own
// once their TTL elapses.
//
// Like the query package, the store takes no internal lock and spawns
// no goroutines: Poll is driven by a single caller supplying the
// current time, and is the only place expiry is observed.
package rendezvous

import (
	"math/rand"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var logger = logging.Logger("rendezvous")

// Namespace partitions the registration directory into independent
// discovery spaces.
type Namespace string

// RegistrationID uniquely identifies one registration for its
// lifetime. Generated randomly so a restarted registrant can't forge
// or guess another peer's id.
type RegistrationID uint64

// PeerRecord is the addressing information advertised under a
// registration.
type PeerRecord struct {
	PeerID peer.ID
	Addrs  []multiaddr.Multiaddr
}

// NewRegistration is the caller-supplied request to Add. TTL of zero
// requests the store's configured default.
type NewRegistration struct {
	Namespace Namespace
	Record    PeerRecord
	TTL       time.Duration
}

// Registration is a stored advertisement as returned to callers: by
// Add on success, by Get for discovery, and by Poll on expiry.
type Registration struct {
	Namespace Namespace
	Record    PeerRecord
	TTL       time.Duration
}

// Config bounds registration TTLs and, as a defense against unbounded
// growth from abusive clients, caps the number of live pagination
// cookies the store retains at once.
type Config struct {
	MinTTL     time.Duration
	MaxTTL     time.Duration
	DefaultTTL time.Duration
	// MaxCookies bounds the number of outstanding pagination cookies.
	// When exceeded, the oldest cookie (by issuance order) is dropped
	// before a new one is inserted. Zero means unbounded. This is a
	// supplementary policy knob, not part of the wire protocol.
	MaxCookies int
}

// DefaultConfig mirrors the bounds used by the rendezvous protocol's
// reference server: a 2 hour minimum, 72 hour maximum, defaulting new
// registrations to the minimum when no TTL is requested.
func DefaultConfig() Config {
	return Config{
		MinTTL:     2 * time.Hour,
		MaxTTL:     72 * time.Hour,
		DefaultTTL: 2 * time.Hour,
		MaxCookies: 1024,
	}
}

type peerNSKey struct {
	peer peer.ID
	ns   Namespace
}

type storedEntry struct {
	id     RegistrationID
	reg    Registration
	expiry time.Time
}

// Cookie is an opaque continuation token returned by Get, binding to
// either a single namespace or to "all namespaces", and tracking which
// registration ids have already been delivered under it so a client
// paging through results never sees the same entry twice.
type Cookie struct {
	all   bool
	ns    Namespace
	token uint64
}

// Namespace reports the namespace this cookie is bound to, and false
// if it was issued for an all-namespaces discovery.
func (c Cookie) Namespace() (Namespace, bool) {
	return c.ns, !c.all
}

func newCookie(rnd *rand.Rand, ns *Namespace) Cookie {
	if ns == nil {
		return Cookie{all: true, token: rnd.Uint64()}
	}
	return Cookie{ns: *ns, token: rnd.Uint64()}
}

// TTLOutOfRangeKind distinguishes the two ways a requested TTL can
// fall outside the configured bounds.
type TTLOutOfRangeKind int

const (
	// TTLTooLong means the requested TTL exceeds Config.MaxTTL.
	TTLTooLong TTLOutOfRangeKind = iota
	// TTLTooShort means the requested TTL is below Config.MinTTL.
	TTLTooShort
)

// TTLOutOfRange is returned by Add when a registration's effective TTL
// falls outside [MinTTL, MaxTTL].
type TTLOutOfRange struct {
	Kind      TTLOutOfRangeKind
	Bound     time.Duration
	Requested time.Duration
}

func (e *TTLOutOfRange) Error() string {
	if e.Kind == TTLTooLong {
		return "requested TTL too long"
	}
	return "requested TTL too short"
}

// CookieNamespaceMismatch is returned by Get when the discover
// namespace and the cookie's bound namespace disagree.
type CookieNamespaceMismatch struct{}

func (CookieNamespaceMismatch) Error() string {
	return "cookie is not valid for the given namespace"
}

// Registrations is the registration store: a primary index by id, a
// bidirectional (peer, namespace) -> id index enforcing the
// one-registration-per-pair invariant, and a cookie -> delivered-ids
// index for pagination.
type Registrations struct {
	cfg Config
	rnd *rand.Rand

	byID     map[RegistrationID]*storedEntry
	byPeerNS map[peerNSKey]RegistrationID

	cookies     map[Cookie]map[RegistrationID]struct{}
	cookieOrder []Cookie
}

// NewRegistrations constructs an empty store. seed seeds the store's
// private random source for RegistrationID and Cookie token
// generation (use a time-derived seed in production; tests pass a
// fixed one for determinism).
func NewRegistrations(cfg Config, seed int64) *Registrations {
	return &Registrations{
		cfg:      cfg,
		rnd:      rand.New(rand.NewSource(seed)),
		byID:     make(map[RegistrationID]*storedEntry),
		byPeerNS: make(map[peerNSKey]RegistrationID),
		cookies:  make(map[Cookie]map[RegistrationID]struct{}),
	}
}

// Add inserts or replaces the registration for (record.PeerID,
// namespace), scheduling its expiry relative to now.
func (r *Registrations) Add(now time.Time, nr NewRegistration) (Registration, error) {
	ttl := nr.TTL
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}
	if ttl > r.cfg.MaxTTL {
		return Registration{}, &TTLOutOfRange{Kind: TTLTooLong, Bound: r.cfg.MaxTTL, Requested: ttl}
	}
	if ttl < r.cfg.MinTTL {
		return Registration{}, &TTLOutOfRange{Kind: TTLTooShort, Bound: r.cfg.MinTTL, Requested: ttl}
	}

	key := peerNSKey{peer: nr.Record.PeerID, ns: nr.Namespace}
	if oldID, ok := r.byPeerNS[key]; ok {
		r.dropEntry(oldID)
	}

	id := RegistrationID(r.rnd.Uint64())
	reg := Registration{Namespace: nr.Namespace, Record: nr.Record, TTL: ttl}
	r.byID[id] = &storedEntry{id: id, reg: reg, expiry: now.Add(ttl)}
	r.byPeerNS[key] = id

	return reg, nil
}

// Remove deletes the registration for (peer, namespace), if any.
func (r *Registrations) Remove(ns Namespace, p peer.ID) {
	key := peerNSKey{peer: p, ns: ns}
	id, ok := r.byPeerNS[key]
	if !ok {
		return
	}
	delete(r.byPeerNS, key)
	delete(r.byID, id)
	r.pruneCookies(id)
}

// dropEntry removes an id from byID and byPeerNS and prunes it from
// every cookie set, for Add's replace-on-reregister path.
func (r *Registrations) dropEntry(id RegistrationID) {
	e, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	key := peerNSKey{peer: e.reg.Record.PeerID, ns: e.reg.Namespace}
	if cur, ok := r.byPeerNS[key]; ok && cur == id {
		delete(r.byPeerNS, key)
	}
	r.pruneCookies(id)
}

func (r *Registrations) pruneCookies(id RegistrationID) {
	for c, set := range r.cookies {
		delete(set, id)
		if len(set) == 0 {
			delete(r.cookies, c)
		}
	}
}

// Get returns the registrations matching ns (or every namespace when
// ns is nil) not already delivered under cookie, together with a fresh
// cookie to continue pagination. limit of zero means unbounded.
func (r *Registrations) Get(ns *Namespace, cookie *Cookie, limit int) ([]Registration, Cookie, error) {
	if cookie != nil {
		cns, specific := cookie.Namespace()
		switch {
		case ns == nil && specific:
			return nil, Cookie{}, &CookieNamespaceMismatch{}
		case ns != nil && specific && cns != *ns:
			return nil, Cookie{}, &CookieNamespaceMismatch{}
		}
	}

	delivered := map[RegistrationID]struct{}{}
	if cookie != nil {
		if set, ok := r.cookies[*cookie]; ok {
			for id := range set {
				delivered[id] = struct{}{}
			}
		}
	}

	var ids []RegistrationID
	for key, id := range r.byPeerNS {
		if _, already := delivered[id]; already {
			continue
		}
		if ns != nil && key.ns != *ns {
			continue
		}
		ids = append(ids, id)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		delivered[id] = struct{}{}
	}

	newCookie := newCookie(r.rnd, ns)
	r.insertCookie(newCookie, delivered)

	out := make([]Registration, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id].reg)
	}
	return out, newCookie, nil
}

func (r *Registrations) insertCookie(c Cookie, delivered map[RegistrationID]struct{}) {
	r.cookies[c] = delivered
	r.cookieOrder = append(r.cookieOrder, c)

	if r.cfg.MaxCookies <= 0 {
		return
	}
	for len(r.cookieOrder) > r.cfg.MaxCookies {
		oldest := r.cookieOrder[0]
		r.cookieOrder = r.cookieOrder[1:]
		delete(r.cookies, oldest)
	}
}

// Poll reports the single earliest registration whose expiry is at or
// before now, removing it from every index along the way (primary
// map, peer-namespace map, every cookie set — pruning any cookie whose
// set becomes empty). Returns false if nothing has expired yet.
func (r *Registrations) Poll(now time.Time) (Registration, bool) {
	var earliestID RegistrationID
	var earliest *storedEntry
	for id, e := range r.byID {
		if e.expiry.After(now) {
			continue
		}
		if earliest == nil || e.expiry.Before(earliest.expiry) {
			earliest, earliestID = e, id
		}
	}
	if earliest == nil {
		return Registration{}, false
	}

	reg := earliest.reg
	delete(r.byID, earliestID)
	key := peerNSKey{peer: reg.Record.PeerID, ns: reg.Namespace}
	if cur, ok := r.byPeerNS[key]; ok && cur == earliestID {
		delete(r.byPeerNS, key)
	}
	r.pruneCookies(earliestID)

	return reg, true
}

// Len reports the number of live registrations, for diagnostics and
// tests.
func (r *Registrations) Len() int {
	return len(r.byID)
}
