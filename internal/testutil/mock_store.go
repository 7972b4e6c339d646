package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu        sync.Mutex
	keys      map[string]model.APIKey
	tokens    map[string]model.AccessToken
	blacklist map[string]model.BlacklistEntry
	audit     []model.AuditEvent

	policies *[]model.SecurityPolicy
	limiters *[]model.RateLimiterConfig
	rules    *[]model.AlertRule

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

var _ storage.Store = (*MockStore)(nil)

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		keys:      make(map[string]model.APIKey),
		tokens:    make(map[string]model.AccessToken),
		blacklist: make(map[string]model.BlacklistEntry),
		errors:    make(map[string]error),
		calls:     make(map[string]int),
		Size:      1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns the total number of times the named method was called.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter records a call and returns any injected error. Callers hold m.mu.
func (m *MockStore) enter(method string) error {
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) Load() (storage.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Load"); err != nil {
		return storage.Snapshot{}, err
	}
	var snap storage.Snapshot
	for _, k := range m.keys {
		snap.Keys = append(snap.Keys, k)
	}
	for _, t := range m.tokens {
		snap.Tokens = append(snap.Tokens, t)
	}
	for _, e := range m.blacklist {
		snap.Blacklist = append(snap.Blacklist, e)
	}
	sort.Slice(snap.Keys, func(i, j int) bool { return snap.Keys[i].ID < snap.Keys[j].ID })
	sort.Slice(snap.Tokens, func(i, j int) bool { return snap.Tokens[i].ID < snap.Tokens[j].ID })
	sort.Slice(snap.Blacklist, func(i, j int) bool { return snap.Blacklist[i].IP < snap.Blacklist[j].IP })
	if m.policies != nil {
		snap.Policies, snap.HasPolicies = append([]model.SecurityPolicy(nil), *m.policies...), true
	}
	if m.limiters != nil {
		snap.Limiters, snap.HasLimiters = append([]model.RateLimiterConfig(nil), *m.limiters...), true
	}
	if m.rules != nil {
		snap.Rules, snap.HasRules = append([]model.AlertRule(nil), *m.rules...), true
	}
	return snap, nil
}

// --- Credentials -------------------------------------------------------------

func (m *MockStore) SaveAPIKey(k model.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveAPIKey"); err != nil {
		return err
	}
	k.Secret = ""
	m.keys[k.ID] = k
	return nil
}

func (m *MockStore) DeleteAPIKey(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteAPIKey"); err != nil {
		return err
	}
	delete(m.keys, id)
	return nil
}

func (m *MockStore) SaveAccessToken(t model.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveAccessToken"); err != nil {
		return err
	}
	t.Token = ""
	m.tokens[t.ID] = t
	return nil
}

func (m *MockStore) DeleteAccessToken(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteAccessToken"); err != nil {
		return err
	}
	delete(m.tokens, id)
	return nil
}

// APIKey returns the stored key with id.
func (m *MockStore) APIKey(id string) (model.APIKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	return k, ok
}

// AccessToken returns the stored token with id.
func (m *MockStore) AccessToken(id string) (model.AccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	return t, ok
}

// --- Configuration -----------------------------------------------------------

func (m *MockStore) SavePolicies(p []model.SecurityPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SavePolicies"); err != nil {
		return err
	}
	cp := append([]model.SecurityPolicy(nil), p...)
	m.policies = &cp
	return nil
}

func (m *MockStore) SaveLimiters(l []model.RateLimiterConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveLimiters"); err != nil {
		return err
	}
	cp := append([]model.RateLimiterConfig(nil), l...)
	m.limiters = &cp
	return nil
}

func (m *MockStore) SaveRules(r []model.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveRules"); err != nil {
		return err
	}
	cp := append([]model.AlertRule(nil), r...)
	m.rules = &cp
	return nil
}

// --- Blacklist ---------------------------------------------------------------

func (m *MockStore) SaveBlacklistEntry(e model.BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveBlacklistEntry"); err != nil {
		return err
	}
	m.blacklist[e.IP] = e
	return nil
}

func (m *MockStore) DeleteBlacklistEntry(ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteBlacklistEntry"); err != nil {
		return err
	}
	delete(m.blacklist, ip)
	return nil
}

// BlacklistEntry returns the stored entry for ip.
func (m *MockStore) BlacklistEntry(ip string) (model.BlacklistEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.blacklist[ip]
	return e, ok
}

// --- Audit log ---------------------------------------------------------------

func (m *MockStore) AppendAuditEvent(ev model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendAuditEvent"); err != nil {
		return err
	}
	m.audit = append(m.audit, ev)
	sort.SliceStable(m.audit, func(i, j int) bool { return m.audit[i].At.Before(m.audit[j].At) })
	return nil
}

func (m *MockStore) ListAuditEvents(since time.Time, limit int) ([]model.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListAuditEvents"); err != nil {
		return nil, err
	}
	var out []model.AuditEvent
	for _, ev := range m.audit {
		if ev.At.Before(since) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockStore) PruneAuditEvents(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PruneAuditEvents"); err != nil {
		return 0, err
	}
	kept := m.audit[:0]
	pruned := 0
	for _, ev := range m.audit {
		if ev.At.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	m.audit = kept
	return pruned, nil
}

// --- Utility -----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}
