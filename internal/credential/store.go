// Package credential holds API keys and access tokens in memory.
//
// Clear secrets exist only in the value returned on creation; the store
// indexes credentials by the SHA-256 of their secret. Each credential has its
// own mutex so usage updates and disables on the same key are serialized
// without contending with lookups of other keys.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/google/uuid"
)

// Secret prefixes. The log redactor keys off these.
const (
	KeyPrefix   = "gk_"
	TokenPrefix = "tk_"

	secretBytes   = 32
	displayPrefix = 10
)

// DefaultTokenTTL applies when a TokenSpec carries no TTL.
const DefaultTokenTTL = time.Hour

var (
	ErrNotFound = errors.New("credential not found")
	ErrDisabled = errors.New("credential disabled")
	ErrExpired  = errors.New("credential expired")
)

// KeySpec describes an API key to create.
type KeySpec struct {
	Name              string
	OwnerID           string
	Permissions       []string
	RateLimitOverride int
	// TTL > 0 sets ExpiresAt to now+TTL; zero means the key never expires.
	TTL time.Duration
}

// TokenSpec describes an access token to create.
type TokenSpec struct {
	UserID      string
	Permissions []string
	Scopes      []string
	TTL         time.Duration
}

// Persister receives every credential change. Calls for one record are made
// under that record's lock, so they arrive in the order the changes were
// applied. Implementations must not block or call back into the Store.
type Persister interface {
	SaveKey(model.APIKey)
	DeleteKey(id string)
	SaveToken(model.AccessToken)
	DeleteToken(id string)
}

type nopPersister struct{}

func (nopPersister) SaveKey(model.APIKey)        {}
func (nopPersister) DeleteKey(string)            {}
func (nopPersister) SaveToken(model.AccessToken) {}
func (nopPersister) DeleteToken(string)          {}

type keyEntry struct {
	mu    sync.Mutex
	key   model.APIKey
	dirty bool
	// removed is set once the entry is unlinked; it is never saved again.
	removed bool
}

type tokenEntry struct {
	mu      sync.Mutex
	token   model.AccessToken
	dirty   bool
	removed bool
}

// Store is the in-memory credential store. Safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	keys         map[string]*keyEntry
	keysByHash   map[string]*keyEntry
	tokens       map[string]*tokenEntry
	tokensByHash map[string]*tokenEntry

	clock   model.Clock
	persist Persister
}

// New returns an empty Store.
func New(clock model.Clock) *Store {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Store{
		keys:         make(map[string]*keyEntry),
		keysByHash:   make(map[string]*keyEntry),
		tokens:       make(map[string]*tokenEntry),
		tokensByHash: make(map[string]*tokenEntry),
		clock:        clock,
		persist:      nopPersister{},
	}
}

// SetPersister routes later changes to p. Call it before the Store is shared.
func (s *Store) SetPersister(p Persister) {
	if p == nil {
		p = nopPersister{}
	}
	s.persist = p
}

// HashSecret returns the hex SHA-256 of a clear secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newSecret(prefix string) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func shortPrefix(secret string) string {
	if len(secret) > displayPrefix {
		return secret[:displayPrefix]
	}
	return secret
}

// CreateAPIKey generates a new key. The returned value is the only place the
// clear secret appears.
func (s *Store) CreateAPIKey(spec KeySpec) (model.APIKey, error) {
	secret, err := newSecret(KeyPrefix)
	if err != nil {
		return model.APIKey{}, err
	}
	now := s.clock.Now()
	k := model.APIKey{
		ID:                uuid.NewString(),
		Name:              spec.Name,
		SecretHash:        HashSecret(secret),
		Prefix:            shortPrefix(secret),
		OwnerID:           spec.OwnerID,
		Permissions:       slices.Clone(spec.Permissions),
		RateLimitOverride: spec.RateLimitOverride,
		Enabled:           true,
		CreatedAt:         now,
	}
	if spec.TTL > 0 {
		exp := now.Add(spec.TTL)
		k.ExpiresAt = &exp
	}

	s.mu.Lock()
	if _, dup := s.keysByHash[k.SecretHash]; dup {
		s.mu.Unlock()
		return model.APIKey{}, fmt.Errorf("secret collision for key %s", k.ID)
	}
	s.putKeyLocked(k)
	s.persist.SaveKey(k)
	s.mu.Unlock()

	k.Secret = secret
	return k, nil
}

// CreateAccessToken generates a new token with a mandatory expiry.
func (s *Store) CreateAccessToken(spec TokenSpec) (model.AccessToken, error) {
	secret, err := newSecret(TokenPrefix)
	if err != nil {
		return model.AccessToken{}, err
	}
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.clock.Now()
	t := model.AccessToken{
		ID:          uuid.NewString(),
		TokenHash:   HashSecret(secret),
		Prefix:      shortPrefix(secret),
		UserID:      spec.UserID,
		Permissions: slices.Clone(spec.Permissions),
		Scopes:      slices.Clone(spec.Scopes),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	s.mu.Lock()
	if _, dup := s.tokensByHash[t.TokenHash]; dup {
		s.mu.Unlock()
		return model.AccessToken{}, fmt.Errorf("secret collision for token %s", t.ID)
	}
	s.putTokenLocked(t)
	s.persist.SaveToken(t)
	s.mu.Unlock()

	t.Token = secret
	return t, nil
}

func (s *Store) putKeyLocked(k model.APIKey) {
	if old, ok := s.keys[k.ID]; ok {
		delete(s.keysByHash, old.key.SecretHash)
	}
	e := &keyEntry{key: k}
	s.keys[k.ID] = e
	s.keysByHash[k.SecretHash] = e
}

func (s *Store) putTokenLocked(t model.AccessToken) {
	if old, ok := s.tokens[t.ID]; ok {
		delete(s.tokensByHash, old.token.TokenHash)
	}
	e := &tokenEntry{token: t}
	s.tokens[t.ID] = e
	s.tokensByHash[t.TokenHash] = e
}

// Load replaces the store contents with persisted credentials.
func (s *Store) Load(keys []model.APIKey, tokens []model.AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]*keyEntry, len(keys))
	s.keysByHash = make(map[string]*keyEntry, len(keys))
	s.tokens = make(map[string]*tokenEntry, len(tokens))
	s.tokensByHash = make(map[string]*tokenEntry, len(tokens))
	for _, k := range keys {
		k.Secret = ""
		s.putKeyLocked(k)
	}
	for _, t := range tokens {
		t.Token = ""
		s.putTokenLocked(t)
	}
}

func (s *Store) keyBySecret(secret string) (*keyEntry, bool) {
	h := HashSecret(secret)
	s.mu.RLock()
	e, ok := s.keysByHash[h]
	s.mu.RUnlock()
	return e, ok
}

func (s *Store) tokenBySecret(secret string) (*tokenEntry, bool) {
	h := HashSecret(secret)
	s.mu.RLock()
	e, ok := s.tokensByHash[h]
	s.mu.RUnlock()
	return e, ok
}

// AuthenticateKey validates an API key secret and records its use. Expired
// keys fail regardless of Enabled.
func (s *Store) AuthenticateKey(secret string) (model.APIKey, error) {
	if secret == "" {
		return model.APIKey{}, ErrNotFound
	}
	e, ok := s.keyBySecret(secret)
	if !ok {
		return model.APIKey{}, ErrNotFound
	}
	now := s.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key.Expired(now) {
		return model.APIKey{}, ErrExpired
	}
	if !e.key.Enabled {
		return model.APIKey{}, ErrDisabled
	}
	e.key.LastUsedAt = now
	e.key.UsageCount++
	e.dirty = true
	return e.key, nil
}

// AuthenticateToken validates a bearer token and records its use. maxAge > 0
// additionally rejects tokens created more than maxAge ago.
func (s *Store) AuthenticateToken(secret string, maxAge time.Duration) (model.AccessToken, error) {
	if secret == "" {
		return model.AccessToken{}, ErrNotFound
	}
	e, ok := s.tokenBySecret(secret)
	if !ok {
		return model.AccessToken{}, ErrNotFound
	}
	now := s.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token.Expired(now) {
		return model.AccessToken{}, ErrExpired
	}
	if maxAge > 0 && now.Sub(e.token.CreatedAt) > maxAge {
		return model.AccessToken{}, ErrExpired
	}
	e.token.LastUsedAt = now
	e.token.UsageCount++
	e.dirty = true
	return e.token, nil
}

// RateLimitOverride returns the override of the key with this secret, or 0.
func (s *Store) RateLimitOverride(secret string) int {
	if secret == "" {
		return 0
	}
	e, ok := s.keyBySecret(secret)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key.RateLimitOverride
}

// KeyIDForSecret maps a clear secret to its key ID.
func (s *Store) KeyIDForSecret(secret string) (string, bool) {
	e, ok := s.keyBySecret(secret)
	if !ok {
		return "", false
	}
	return e.key.ID, true
}

// DisableAPIKey disables the key with id and persists it. Disabling an
// already disabled key keeps the first reason.
func (s *Store) DisableAPIKey(id, reason string) (model.APIKey, error) {
	s.mu.RLock()
	e, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return model.APIKey{}, fmt.Errorf("disable key %s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.APIKey{}, fmt.Errorf("disable key %s: %w", id, ErrNotFound)
	}
	if e.key.Enabled {
		e.key.Enabled = false
		e.key.DisabledReason = reason
	}
	e.dirty = false
	s.persist.SaveKey(e.key)
	return e.key, nil
}

// RevokeAccessToken removes the token with id.
func (s *Store) RevokeAccessToken(id string) (model.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[id]
	if !ok {
		return model.AccessToken{}, fmt.Errorf("revoke token %s: %w", id, ErrNotFound)
	}
	delete(s.tokens, id)
	delete(s.tokensByHash, e.token.TokenHash)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	s.persist.DeleteToken(id)
	return e.token, nil
}

// GetAPIKey returns a copy of the key with id.
func (s *Store) GetAPIKey(id string) (model.APIKey, error) {
	s.mu.RLock()
	e, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return model.APIKey{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key, nil
}

// GetAccessToken returns a copy of the token with id.
func (s *Store) GetAccessToken(id string) (model.AccessToken, error) {
	s.mu.RLock()
	e, ok := s.tokens[id]
	s.mu.RUnlock()
	if !ok {
		return model.AccessToken{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token, nil
}

// ListAPIKeys returns every key ordered by creation time.
func (s *Store) ListAPIKeys() []model.APIKey {
	s.mu.RLock()
	entries := make([]*keyEntry, 0, len(s.keys))
	for _, e := range s.keys {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.APIKey, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.key)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListAccessTokens returns every token ordered by creation time.
func (s *Store) ListAccessTokens() []model.AccessToken {
	s.mu.RLock()
	entries := make([]*tokenEntry, 0, len(s.tokens))
	for _, e := range s.tokens {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.AccessToken, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.token)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Counts returns the number of stored keys and tokens.
func (s *Store) Counts() (keys, tokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys), len(s.tokens)
}

// DirtyUsage persists credentials whose usage changed since the previous
// call, clears their dirty flag and returns them. Each record is handed to
// the Persister before its lock is released, so a concurrent disable or
// revoke of the same record is always persisted after it.
func (s *Store) DirtyUsage() ([]model.APIKey, []model.AccessToken) {
	s.mu.RLock()
	keys := make([]*keyEntry, 0, len(s.keys))
	for _, e := range s.keys {
		keys = append(keys, e)
	}
	tokens := make([]*tokenEntry, 0, len(s.tokens))
	for _, e := range s.tokens {
		tokens = append(tokens, e)
	}
	s.mu.RUnlock()

	var dk []model.APIKey
	for _, e := range keys {
		e.mu.Lock()
		if e.dirty && !e.removed {
			e.dirty = false
			s.persist.SaveKey(e.key)
			dk = append(dk, e.key)
		}
		e.mu.Unlock()
	}
	var dt []model.AccessToken
	for _, e := range tokens {
		e.mu.Lock()
		if e.dirty && !e.removed {
			e.dirty = false
			s.persist.SaveToken(e.token)
			dt = append(dt, e.token)
		}
		e.mu.Unlock()
	}
	return dk, dt
}

// SweepExpired removes expired keys and tokens, persists the deletes and
// returns their IDs.
// Expired entries are found under the read lock and unlinked under a short
// write lock.
func (s *Store) SweepExpired() (keyIDs, tokenIDs []string) {
	now := s.clock.Now()

	s.mu.RLock()
	for id, e := range s.keys {
		e.mu.Lock()
		if e.key.Expired(now) {
			keyIDs = append(keyIDs, id)
		}
		e.mu.Unlock()
	}
	for id, e := range s.tokens {
		e.mu.Lock()
		if e.token.Expired(now) {
			tokenIDs = append(tokenIDs, id)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	if len(keyIDs) == 0 && len(tokenIDs) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	for _, id := range keyIDs {
		if e, ok := s.keys[id]; ok {
			delete(s.keys, id)
			delete(s.keysByHash, e.key.SecretHash)
			e.mu.Lock()
			e.removed = true
			s.persist.DeleteKey(id)
			e.mu.Unlock()
		}
	}
	for _, id := range tokenIDs {
		if e, ok := s.tokens[id]; ok {
			delete(s.tokens, id)
			delete(s.tokensByHash, e.token.TokenHash)
			e.mu.Lock()
			e.removed = true
			s.persist.DeleteToken(id)
			e.mu.Unlock()
		}
	}
	s.mu.Unlock()

	sort.Strings(keyIDs)
	sort.Strings(tokenIDs)
	return keyIDs, tokenIDs
}
