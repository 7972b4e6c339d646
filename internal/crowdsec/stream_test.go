package crowdsec

import (
	"errors"
	"testing"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/admission-gateway/internal/blacklist"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/testutil"
	"github.com/rs/zerolog"
)

type fakeTarget struct {
	bl       *blacklist.Blacklist
	blocked  []string
	ttls     []time.Duration
	unblocks []string
	failNext bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{bl: blacklist.New(testutil.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))}
}

func (f *fakeTarget) BlockIPFor(ip, reason string, ttl time.Duration) (model.BlacklistEntry, error) {
	if f.failNext {
		f.failNext = false
		return model.BlacklistEntry{}, errors.New("boom")
	}
	f.blocked = append(f.blocked, ip)
	f.ttls = append(f.ttls, ttl)
	e := model.BlacklistEntry{IP: ip, Reason: reason}
	if ttl > 0 {
		e.ExpiresAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).Add(ttl)
	}
	return f.bl.Add(e)
}

func (f *fakeTarget) UnblockIP(ip string) (bool, error) {
	f.unblocks = append(f.unblocks, ip)
	return f.bl.Remove(ip), nil
}

func (f *fakeTarget) BlacklistEntry(ip string) (model.BlacklistEntry, bool) { return f.bl.Get(ip) }

func newTestStream(target Target) *Stream {
	return NewStream(Config{
		URL:          "http://127.0.0.1:8080/",
		APIKey:       "test",
		PollInterval: 10 * time.Second,
		Filter:       NewFilterConfig(),
	}, target, zerolog.Nop())
}

func TestApplyNewBans(t *testing.T) {
	target := newFakeTarget()
	s := newTestStream(target)

	s.Apply(&models.DecisionsStreamResponse{New: []*models.Decision{
		makeDecision("ban", "ip", "1.2.3.4", "crowdsecurity/ssh-bf", "crowdsec", "4h"),
		makeDecision("ban", "range", "45.10.0.0/16", "lists:firehol", "lists", "24h"),
		makeDecision("ban", "ip", "10.0.0.1", "crowdsecurity/ssh-bf", "crowdsec", "4h"),
		makeDecision("captcha", "ip", "5.6.7.8", "crowdsecurity/http-bf", "crowdsec", "4h"),
	}})

	if len(target.blocked) != 2 {
		t.Fatalf("blocked = %v, want 2 entries", target.blocked)
	}
	e, ok := target.bl.Get("1.2.3.4")
	if !ok || e.Reason != "crowdsec:crowdsecurity/ssh-bf" {
		t.Errorf("entry = %+v, %v", e, ok)
	}
	if target.ttls[0] != 4*time.Hour {
		t.Errorf("ttl = %v, want 4h", target.ttls[0])
	}
	if _, ok := target.bl.Contains("45.10.200.1"); !ok {
		t.Error("range ban should cover its members")
	}
}

func TestApplyDeletesOnlyOwnedEntries(t *testing.T) {
	target := newFakeTarget()
	if _, err := target.bl.Add(model.BlacklistEntry{IP: "9.9.9.9", Reason: "manual"}); err != nil {
		t.Fatal(err)
	}
	s := newTestStream(target)
	s.Apply(&models.DecisionsStreamResponse{New: []*models.Decision{
		makeDecision("ban", "range", "45.10.0.0/16", "lists:firehol", "lists", "24h"),
	}})

	s.Apply(&models.DecisionsStreamResponse{Deleted: []*models.Decision{
		makeDecision("ban", "ip", "9.9.9.9", "crowdsecurity/ssh-bf", "crowdsec", "0s"),
		makeDecision("ban", "range", "45.10.0.0/16", "lists:firehol", "lists", "0s"),
		makeDecision("ban", "ip", "45.10.1.1", "crowdsecurity/ssh-bf", "crowdsec", "0s"),
	}})

	if _, ok := target.bl.Get("9.9.9.9"); !ok {
		t.Error("manual entry must survive a CrowdSec deletion")
	}
	if _, ok := target.bl.Get("45.10.0.0/16"); ok {
		t.Error("owned range should be removed")
	}
	if len(target.unblocks) != 1 || target.unblocks[0] != "45.10.0.0/16" {
		t.Errorf("unblocks = %v", target.unblocks)
	}
}

func TestApplyBlockFailureContinues(t *testing.T) {
	target := newFakeTarget()
	target.failNext = true
	s := newTestStream(target)

	s.Apply(&models.DecisionsStreamResponse{New: []*models.Decision{
		makeDecision("ban", "ip", "1.2.3.4", "a", "crowdsec", "1h"),
		makeDecision("ban", "ip", "1.2.3.5", "b", "crowdsec", "1h"),
	}})

	if _, ok := target.bl.Get("1.2.3.5"); !ok {
		t.Error("later decisions should still apply after a failure")
	}
	if _, ok := target.bl.Get("1.2.3.4"); ok {
		t.Error("failed block should not be recorded")
	}
}

func TestApplyNil(t *testing.T) {
	newTestStream(newFakeTarget()).Apply(nil)
}
