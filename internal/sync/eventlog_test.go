package syncx_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/mind-engage/nmcprep/internal/db"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	h, err := db.Open(ctx, db.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	repo := syncx.NewEventRepo(h)

	if err := repo.Append(ctx, syncx.NewEvent(syncx.TypeSessionStarted, "sess-1", map[string]int{"count": 50})); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(ctx, syncx.NewEvent(syncx.TypeSessionSubmitted, "sess-1", map[string]int{"score": 40})); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(ctx, syncx.Event{Type: syncx.TypeAuthPrefix + "SignedIn", Key: "u1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	evs, err := repo.List(ctx, "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events; got %d", len(evs))
	}
	if evs[0].Type != syncx.TypeSessionStarted || evs[1].DataJSON != `{"score":40}` {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[0].Seq >= evs[1].Seq {
		t.Fatalf("expected increasing seq")
	}

	all, err := repo.List(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[2].SiteID != "local" || all[2].DataJSON != "{}" {
		t.Fatalf("unexpected: %+v", all)
	}
}
