package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketKeys      = "api_keys"
	bucketTokens    = "access_tokens"
	bucketConfig    = "config"
	bucketBlacklist = "blacklist"
	bucketAudit     = "audit"

	configPolicies = "policies"
	configLimiters = "limiters"
	configRules    = "alert_rules"
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/gateway.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "gateway.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketKeys, bucketTokens, bucketConfig, bucketBlacklist, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

func (s *bboltStore) put(bucket, key string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (s *bboltStore) delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

// ---- Load ------------------------------------------------------------------

func (s *bboltStore) Load() (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketKeys)).ForEach(func(k, v []byte) error {
			var key model.APIKey
			if err := msgpack.Unmarshal(v, &key); err != nil {
				return fmt.Errorf("unmarshal api key %s: %w", k, err)
			}
			snap.Keys = append(snap.Keys, key)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket([]byte(bucketTokens)).ForEach(func(k, v []byte) error {
			var tok model.AccessToken
			if err := msgpack.Unmarshal(v, &tok); err != nil {
				return fmt.Errorf("unmarshal access token %s: %w", k, err)
			}
			snap.Tokens = append(snap.Tokens, tok)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket([]byte(bucketBlacklist)).ForEach(func(k, v []byte) error {
			var e model.BlacklistEntry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal blacklist entry %s: %w", k, err)
			}
			snap.Blacklist = append(snap.Blacklist, e)
			return nil
		}); err != nil {
			return err
		}

		cfg := tx.Bucket([]byte(bucketConfig))
		if raw := cfg.Get([]byte(configPolicies)); raw != nil {
			if err := msgpack.Unmarshal(raw, &snap.Policies); err != nil {
				return fmt.Errorf("unmarshal policies: %w", err)
			}
			snap.HasPolicies = true
		}
		if raw := cfg.Get([]byte(configLimiters)); raw != nil {
			if err := msgpack.Unmarshal(raw, &snap.Limiters); err != nil {
				return fmt.Errorf("unmarshal limiters: %w", err)
			}
			snap.HasLimiters = true
		}
		if raw := cfg.Get([]byte(configRules)); raw != nil {
			if err := msgpack.Unmarshal(raw, &snap.Rules); err != nil {
				return fmt.Errorf("unmarshal alert rules: %w", err)
			}
			snap.HasRules = true
		}
		return nil
	})
	return snap, err
}

// ---- Credentials -----------------------------------------------------------

func (s *bboltStore) SaveAPIKey(k model.APIKey) error {
	k.Secret = ""
	return s.put(bucketKeys, k.ID, k)
}

func (s *bboltStore) DeleteAPIKey(id string) error {
	return s.delete(bucketKeys, id)
}

func (s *bboltStore) SaveAccessToken(t model.AccessToken) error {
	t.Token = ""
	return s.put(bucketTokens, t.ID, t)
}

func (s *bboltStore) DeleteAccessToken(id string) error {
	return s.delete(bucketTokens, id)
}

// ---- Configuration ---------------------------------------------------------

func (s *bboltStore) SavePolicies(p []model.SecurityPolicy) error {
	return s.put(bucketConfig, configPolicies, p)
}

func (s *bboltStore) SaveLimiters(l []model.RateLimiterConfig) error {
	return s.put(bucketConfig, configLimiters, l)
}

func (s *bboltStore) SaveRules(r []model.AlertRule) error {
	return s.put(bucketConfig, configRules, r)
}

// ---- Blacklist -------------------------------------------------------------

func (s *bboltStore) SaveBlacklistEntry(e model.BlacklistEntry) error {
	return s.put(bucketBlacklist, e.IP, e)
}

func (s *bboltStore) DeleteBlacklistEntry(ip string) error {
	return s.delete(bucketBlacklist, ip)
}

// ---- Audit log -------------------------------------------------------------

// auditKey orders events by time: 8-byte big-endian Unix nanos, then the id.
func auditKey(at time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(at.UnixNano()))
	return append(k, id...)
}

func timePrefix(t time.Time) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	return k
}

func (s *bboltStore) AppendAuditEvent(ev model.AuditEvent) error {
	data, err := msgpack.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event %s: %w", ev.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAudit)).Put(auditKey(ev.At, ev.ID), data)
	})
}

// ListAuditEvents returns up to limit events at or after since, oldest first.
// limit <= 0 returns all.
func (s *bboltStore) ListAuditEvents(since time.Time, limit int) ([]model.AuditEvent, error) {
	var out []model.AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketAudit)).Cursor()
		for k, v := c.Seek(timePrefix(since)); k != nil; k, v = c.Next() {
			var ev model.AuditEvent
			if err := msgpack.Unmarshal(v, &ev); err != nil {
				continue // skip corrupt entries
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// PruneAuditEvents deletes events strictly older than before.
func (s *bboltStore) PruneAuditEvents(before time.Time) (int, error) {
	cutoff := timePrefix(before)
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		var toDelete [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], cutoff) < 0; k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
