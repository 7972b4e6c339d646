// Package blacklist is a copy-on-write set of blocked addresses and CIDR
// ranges. Lookups read an immutable snapshot through an atomic pointer;
// writers serialize on a mutex and publish a fresh snapshot.
package blacklist

import (
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/developingchet/admission-gateway/internal/model"
)

type rangeEntry struct {
	prefix netip.Prefix
	entry  model.BlacklistEntry
}

type snapshot struct {
	exact  map[netip.Addr]model.BlacklistEntry
	ranges []rangeEntry
	all    map[string]model.BlacklistEntry
}

func build(all map[string]model.BlacklistEntry) *snapshot {
	s := &snapshot{exact: make(map[netip.Addr]model.BlacklistEntry, len(all)), all: all}
	for key, e := range all {
		if p, err := netip.ParsePrefix(key); err == nil {
			s.ranges = append(s.ranges, rangeEntry{prefix: p, entry: e})
			continue
		}
		if a, err := netip.ParseAddr(key); err == nil {
			s.exact[a] = e
		}
	}
	// Most specific range first.
	sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].prefix.Bits() > s.ranges[j].prefix.Bits() })
	return s
}

// Blacklist is safe for concurrent use.
type Blacklist struct {
	mu    sync.Mutex
	snap  atomic.Pointer[snapshot]
	clock model.Clock
}

// New returns an empty Blacklist.
func New(clock model.Clock) *Blacklist {
	if clock == nil {
		clock = model.SystemClock{}
	}
	b := &Blacklist{clock: clock}
	b.snap.Store(build(map[string]model.BlacklistEntry{}))
	return b
}

// Contains returns the live entry covering ip. Expired entries never match.
func (b *Blacklist) Contains(ip string) (model.BlacklistEntry, bool) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return model.BlacklistEntry{}, false
	}
	a = a.Unmap().WithZone("")
	now := b.clock.Now()
	s := b.snap.Load()

	if e, ok := s.exact[a]; ok && !e.Expired(now) {
		return e, true
	}
	for _, r := range s.ranges {
		if r.prefix.Contains(a) && !r.entry.Expired(now) {
			return r.entry, true
		}
	}
	return model.BlacklistEntry{}, false
}

func (b *Blacklist) mutate(fn func(next map[string]model.BlacklistEntry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.snap.Load().all
	next := make(map[string]model.BlacklistEntry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	b.snap.Store(build(next))
}

// Add inserts or replaces the entry for e.IP, normalizing the address.
// A zero CreatedAt is set to now.
func (b *Blacklist) Add(e model.BlacklistEntry) (model.BlacklistEntry, error) {
	canonical, _, err := Normalize(e.IP)
	if err != nil {
		return model.BlacklistEntry{}, err
	}
	e.IP = canonical
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.clock.Now()
	}
	b.mutate(func(next map[string]model.BlacklistEntry) { next[canonical] = e })
	return e, nil
}

// Remove deletes the entry for ip and reports whether one existed.
func (b *Blacklist) Remove(ip string) bool {
	canonical, _, err := Normalize(ip)
	if err != nil {
		return false
	}
	if _, ok := b.snap.Load().all[canonical]; !ok {
		return false
	}
	removed := false
	b.mutate(func(next map[string]model.BlacklistEntry) {
		if _, ok := next[canonical]; ok {
			delete(next, canonical)
			removed = true
		}
	})
	return removed
}

// Load replaces every entry. Unparseable addresses are skipped and returned.
func (b *Blacklist) Load(entries []model.BlacklistEntry) (skipped []string) {
	next := make(map[string]model.BlacklistEntry, len(entries))
	for _, e := range entries {
		canonical, _, err := Normalize(e.IP)
		if err != nil {
			skipped = append(skipped, e.IP)
			continue
		}
		e.IP = canonical
		next[canonical] = e
	}
	b.mu.Lock()
	b.snap.Store(build(next))
	b.mu.Unlock()
	return skipped
}

// Get returns the entry stored for exactly ip (or CIDR), expired or not.
func (b *Blacklist) Get(ip string) (model.BlacklistEntry, bool) {
	canonical, _, err := Normalize(ip)
	if err != nil {
		return model.BlacklistEntry{}, false
	}
	e, ok := b.snap.Load().all[canonical]
	return e, ok
}

// List returns all entries, expired ones included, sorted by address.
func (b *Blacklist) List() []model.BlacklistEntry {
	all := b.snap.Load().all
	out := make([]model.BlacklistEntry, 0, len(all))
	for _, e := range all {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Len returns the number of entries.
func (b *Blacklist) Len() int {
	return len(b.snap.Load().all)
}

// SweepExpired removes expired entries and returns them.
func (b *Blacklist) SweepExpired() []model.BlacklistEntry {
	now := b.clock.Now()
	var expired []model.BlacklistEntry
	for _, e := range b.snap.Load().all {
		if e.Expired(now) {
			expired = append(expired, e)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	b.mutate(func(next map[string]model.BlacklistEntry) {
		for _, e := range expired {
			if cur, ok := next[e.IP]; ok && cur.Expired(now) {
				delete(next, e.IP)
			}
		}
	})
	sort.Slice(expired, func(i, j int) bool { return expired[i].IP < expired[j].IP })
	return expired
}
