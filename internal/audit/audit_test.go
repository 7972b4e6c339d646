package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/pool"
	"github.com/developingchet/admission-gateway/internal/testutil"
	"github.com/rs/zerolog"
)

type fakeQueue struct {
	jobs []pool.Job
	full bool
}

func (q *fakeQueue) Enqueue(job pool.Job) bool {
	if q.full {
		return false
	}
	q.jobs = append(q.jobs, job)
	return true
}

func TestHashIdentity(t *testing.T) {
	if HashIdentity("") != "" {
		t.Error("empty identity should stay empty")
	}
	a, b := HashIdentity("key:gk_abc"), HashIdentity("key:gk_abc")
	if a != b {
		t.Errorf("hash not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "h:") || len(a) != 18 {
		t.Errorf("unexpected hash format %q", a)
	}
	if a == HashIdentity("key:gk_abd") {
		t.Error("different identities must hash differently")
	}
}

func TestLoggerHashesIdentity(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))
	fields := map[string]any{"identity": "key:gk_secret", "ip": "10.0.0.1", "endpoint": "/api"}
	l.LogEvent(EventDeny, fields)

	out := buf.String()
	if strings.Contains(out, "gk_secret") {
		t.Fatalf("raw identity leaked: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["event"] != EventDeny || rec["level"] != "warn" || rec["ip"] != "10.0.0.1" {
		t.Errorf("unexpected record %v", rec)
	}
	if fields["identity"] != "key:gk_secret" {
		t.Error("caller's map must not be modified")
	}
}

func TestJournalEnqueues(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	q := &fakeQueue{}
	j := NewJournal(q, clk, zerolog.Nop())
	j.LogEvent(EventAllow, map[string]any{"api_key": "gk_x", "endpoint": "/a"})

	if len(q.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(q.jobs))
	}
	job := q.jobs[0]
	if job.Kind != pool.KindAudit || job.Action != pool.ActionSave {
		t.Errorf("unexpected job %+v", job)
	}
	ev, ok := job.Payload.(model.AuditEvent)
	if !ok {
		t.Fatalf("payload is %T", job.Payload)
	}
	if ev.ID == "" || ev.ID != job.ID {
		t.Errorf("event id %q, job id %q", ev.ID, job.ID)
	}
	if !ev.At.Equal(clk.Now()) || ev.Name != EventAllow {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Fields["api_key"] == "gk_x" {
		t.Error("api key must be hashed before persistence")
	}
}

func TestJournalDropDoesNotPanic(t *testing.T) {
	j := NewJournal(&fakeQueue{full: true}, nil, zerolog.Nop())
	j.LogEvent(EventAllow, nil)
}

type countSink struct{ n int }

func (c *countSink) LogEvent(string, map[string]any) { c.n++ }

func TestMulti(t *testing.T) {
	a, b := &countSink{}, &countSink{}
	Multi{a, b, Nop{}}.LogEvent(EventAlert, nil)
	if a.n != 1 || b.n != 1 {
		t.Errorf("fan-out counts %d, %d", a.n, b.n)
	}
}
