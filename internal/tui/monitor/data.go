package monitor

import (
	"context"
	"time"

	"github.com/marcus/offsync/internal/db"
)

const (
	outboxLimit   = 200
	conflictLimit = 50
)

// FetchData retrieves all data needed for the monitor display
func FetchData(ctx context.Context, database *db.DB) RefreshDataMsg {
	msg := RefreshDataMsg{Timestamp: time.Now()}

	state, err := database.GetSyncState(ctx)
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.State = state

	if msg.Outbox, err = database.ListOutbox(ctx, outboxLimit); err != nil {
		msg.Err = err
		return msg
	}
	if msg.Conflicts, err = database.ListConflicts(ctx, conflictLimit, nil); err != nil {
		msg.Err = err
	}
	return msg
}
