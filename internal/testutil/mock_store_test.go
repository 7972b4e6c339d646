package testutil_test

import (
	"errors"
	"testing"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/testutil"
)

func TestMockStore_Credentials(t *testing.T) {
	s := testutil.NewMockStore()
	if err := s.SaveAPIKey(model.APIKey{ID: "k", Secret: "gk_x"}); err != nil {
		t.Fatal(err)
	}
	k, ok := s.APIKey("k")
	if !ok || k.Secret != "" {
		t.Errorf("stored key %+v, %v", k, ok)
	}
	_ = s.DeleteAPIKey("k")
	if _, ok := s.APIKey("k"); ok {
		t.Error("key not deleted")
	}
}

func TestMockStore_ErrorInjection(t *testing.T) {
	s := testutil.NewMockStore()
	boom := errors.New("boom")
	s.SetError("SaveBlacklistEntry", boom)

	if err := s.SaveBlacklistEntry(model.BlacklistEntry{IP: "1.1.1.1"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := s.SaveBlacklistEntry(model.BlacklistEntry{IP: "1.1.1.1"}); err != nil {
		t.Fatalf("error should be consumed, got %v", err)
	}
	if n := s.Calls("SaveBlacklistEntry"); n != 2 {
		t.Errorf("Calls = %d", n)
	}
}

func TestMockStore_LoadFlags(t *testing.T) {
	s := testutil.NewMockStore()
	snap, _ := s.Load()
	if snap.HasPolicies || snap.HasLimiters || snap.HasRules {
		t.Error("fresh mock should have no configuration")
	}
	_ = s.SaveRules(nil)
	snap, _ = s.Load()
	if !snap.HasRules {
		t.Error("saving an empty rule set should set HasRules")
	}
}

func TestMockStore_AuditPrune(t *testing.T) {
	s := testutil.NewMockStore()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.AppendAuditEvent(model.AuditEvent{ID: "new", At: t0.Add(time.Hour)})
	_ = s.AppendAuditEvent(model.AuditEvent{ID: "old", At: t0})

	n, _ := s.PruneAuditEvents(t0.Add(time.Minute))
	if n != 1 {
		t.Errorf("pruned = %d", n)
	}
	left, _ := s.ListAuditEvents(time.Time{}, 0)
	if len(left) != 1 || left[0].ID != "new" {
		t.Errorf("left = %+v", left)
	}
}

func TestFakeClock(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := testutil.NewFakeClock(t0)
	c.Advance(time.Minute)
	if !c.Now().Equal(t0.Add(time.Minute)) {
		t.Errorf("Now = %v", c.Now())
	}
}
