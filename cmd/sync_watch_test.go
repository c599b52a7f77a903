package cmd

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/serverdb"
	offsync "github.com/marcus/offsync/internal/sync"
)

func TestWatchLoopContinuesPastTransportErrors(t *testing.T) {
	var calls atomic.Int32
	cycle := func(context.Context) (offsync.SyncResult, error) {
		switch calls.Add(1) {
		case 1:
			return offsync.SyncResult{}, &serverdb.TransportError{Op: "insert row", Err: errors.New("reset")}
		case 2:
			return offsync.SyncResult{}, db.ErrSyncInProgress
		default:
			return offsync.SyncResult{}, db.ErrMissingTenantID
		}
	}
	var reported []error
	err := watchLoop(context.Background(), time.Millisecond, cycle, func(_ offsync.SyncResult, err error) {
		reported = append(reported, err)
	})
	if !errors.Is(err, db.ErrMissingTenantID) {
		t.Fatalf("watchLoop = %v, want missing tenant", err)
	}
	if calls.Load() != 3 || len(reported) != 3 {
		t.Fatalf("calls = %d, reported = %d, want 3 each", calls.Load(), len(reported))
	}
}

func TestWatchLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	cycle := func(context.Context) (offsync.SyncResult, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return offsync.SyncResult{}, nil
	}
	err := watchLoop(ctx, time.Millisecond, cycle, func(offsync.SyncResult, error) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("watchLoop = %v, want canceled", err)
	}
}

type fakeChanges struct {
	pages  [][]serverdb.Change
	afters []int64
}

func (f *fakeChanges) ChangesSince(_ context.Context, _ string, after int64, _ int, _ []string) ([]serverdb.Change, error) {
	f.afters = append(f.afters, after)
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func TestFollowChangesAdvances(t *testing.T) {
	src := &fakeChanges{pages: [][]serverdb.Change{
		{{ChangeID: 11}, {ChangeID: 12}},
		{{ChangeID: 13}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	var seen []int64
	err := followChanges(ctx, src, "shop-1", 10, time.Millisecond, func(ch serverdb.Change) {
		seen = append(seen, ch.ChangeID)
		if ch.ChangeID == 13 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("followChanges = %v", err)
	}
	if len(seen) != 3 || seen[2] != 13 {
		t.Fatalf("seen = %v", seen)
	}
	if src.afters[0] != 10 || src.afters[1] != 12 {
		t.Fatalf("polled after %v, want 10 then 12", src.afters)
	}
}

func TestPrintChange(t *testing.T) {
	ch := serverdb.Change{
		ChangeID: 42, TableName: "products", RowID: "p1", Op: db.OpUpdate,
		Version: 3, SourceDeviceID: "dev-other", ChangedAt: time.Now(),
	}
	out := captureStdout(t, func() { printChange(ch, "dev-self") })
	for _, want := range []string{"#42", "products/p1", "v3", pullArrow} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
	own := captureStdout(t, func() { printChange(ch, "dev-other") })
	if !strings.Contains(own, pushArrow) {
		t.Errorf("own change should use the push arrow: %s", own)
	}
}
