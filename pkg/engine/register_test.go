package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prizm-dev/prizm-go/pkg/cache"
	"github.com/prizm-dev/prizm-go/pkg/chat"
	"github.com/prizm-dev/prizm-go/pkg/config"
	"github.com/prizm-dev/prizm-go/pkg/transport"
)

func TestRegisterClientStoresIdentity(t *testing.T) {
	mock := transport.NewMockClient()
	e := New(mock)
	cfg := config.Default()

	key, err := e.RegisterClient(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if key == "" || cfg.APIKey != key {
		t.Fatalf("api key not recorded: key=%q cfg=%q", key, cfg.APIKey)
	}
	if cfg.Client.Name == "" {
		t.Fatalf("client id not recorded")
	}
	calls := mock.Calls()
	if calls.HealthCheck != 1 || calls.Register != 1 {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestApplySyncEventReachesCache(t *testing.T) {
	now := time.Now().UTC()
	mock := transport.NewMockClient()
	mock.AddSession(chat.Session{ID: "s1", Scope: "default", Created: now, Updated: now})
	e := New(mock)

	e.ApplySyncEvent(context.Background(), cache.Event{Type: cache.EventSessionCreated, SessionID: "s1"})
	if e.Cache().Peek("s1") == nil {
		t.Fatalf("created event did not fill the cache")
	}

	e.ApplySyncEvent(context.Background(), cache.Event{Type: cache.EventSessionDeleted, SessionID: "s1"})
	if e.Cache().Peek("s1") != nil {
		t.Fatalf("deleted event did not evict the cache entry")
	}
}
