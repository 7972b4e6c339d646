package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/developingchet/admission-gateway/internal/credential"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/storage"
	"github.com/developingchet/admission-gateway/internal/testutil"
	"github.com/rs/zerolog"
)

func newJanitorFixture(t *testing.T) (*Gateway, *testutil.FakeClock, storage.Store) {
	t.Helper()
	store, err := storage.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := testutil.NewFakeClock(t0)
	gw := New(Options{
		Clock: clock,
		Log:   zerolog.Nop(),
		Queue: syncQueue{handler: NewJobHandler(store, DefaultBreakerConfig(), zerolog.Nop())},
	})
	return gw, clock, store
}

type depth int

func (d depth) Depth() int { return int(d) }

func TestJanitor_SweepsAndFlushes(t *testing.T) {
	gw, clock, store := newJanitorFixture(t)

	if _, err := gw.BlockIPFor("1.2.3.4", "temp", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.BlockIP("5.6.7.8", "forever"); err != nil {
		t.Fatal(err)
	}
	k, err := gw.CreateAPIKey(credential.KeySpec{Name: "k", Permissions: []string{"*"}})
	if err != nil {
		t.Fatal(err)
	}
	gw.Evaluate(model.ClientRequest{IP: "9.9.9.9", Endpoint: "/", Method: "GET",
		Headers: map[string]string{model.HeaderAPIKey: k.Secret}})

	clock.Advance(2 * time.Minute)
	j := NewJanitor(gw, store, depth(0), time.Hour, zerolog.Nop())
	j.tick()

	snap, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Blacklist) != 1 || snap.Blacklist[0].IP != "5.6.7.8" {
		t.Errorf("blacklist after sweep: %+v", snap.Blacklist)
	}
	if len(snap.Keys) != 1 || snap.Keys[0].UsageCount != 1 {
		t.Errorf("usage not flushed: %+v", snap.Keys)
	}
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	gw, _, store := newJanitorFixture(t)
	j := NewJanitor(gw, store, nil, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
