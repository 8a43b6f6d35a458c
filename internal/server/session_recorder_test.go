package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/bayeux"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/database"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
	"go.uber.org/goleak"
)

// failingStore rejects every write and counts the attempts.
type failingStore struct {
	*database.MemoryStore
	mu    sync.Mutex
	saves int
}

func (f *failingStore) Save(context.Context, *database.SessionRecord) error {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	return errors.New("unavailable")
}

func ignore(*protocol.Message) {}

func TestSessionRecorderFollowsLocalSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := database.NewMemoryStore()
	recorder := NewSessionRecorder(store)
	recorder.Start()
	engine := bayeux.New(bayeux.DefaultOptions())
	engine.AddListener(recorder)

	ctx := context.Background()
	local := engine.NewLocalSession("recorded")
	if err := local.Handshake(ctx); err != nil {
		t.Fatal(err)
	}
	if err := local.Subscribe(ctx, "/a", ignore); err != nil {
		t.Fatal(err)
	}
	if err := local.Subscribe(ctx, "/b", ignore); err != nil {
		t.Fatal(err)
	}
	if err := local.Unsubscribe(ctx, "/a"); err != nil {
		t.Fatal(err)
	}

	// stopping drains the queue
	if err := recorder.Invoke(ctx); err != nil {
		t.Fatal(err)
	}
	record, err := store.Get(ctx, local.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !record.Local || len(record.Subscriptions) != 1 || record.Subscriptions[0] != "/b" {
		t.Errorf("unexpected record %+v", record)
	}

	// events after stop are dropped
	if err := local.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, local.ID()); err != nil {
		t.Errorf("record changed after stop: %v", err)
	}
}

func TestSessionRecorderSurvivesStoreErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &failingStore{MemoryStore: database.NewMemoryStore()}
	recorder := NewSessionRecorder(store)
	recorder.Start()
	engine := bayeux.New(bayeux.DefaultOptions())
	engine.AddListener(recorder)

	ctx := context.Background()
	for _, hint := range []string{"first", "second"} {
		if err := engine.NewLocalSession(hint).Handshake(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := recorder.Invoke(ctx); err != nil {
		t.Fatal(err)
	}
	if store.saves != 2 {
		t.Errorf("expected 2 save attempts, got %d", store.saves)
	}
}

func TestSessionRecorderInvokeWithoutStart(t *testing.T) {
	recorder := NewSessionRecorder(database.NewMemoryStore())
	if err := recorder.Invoke(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := recorder.Invoke(context.Background()); err != nil {
		t.Errorf("second Invoke failed: %v", err)
	}
}
