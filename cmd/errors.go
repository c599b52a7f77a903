package cmd

import (
	"context"
	"errors"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/output"
	"github.com/marcus/offsync/internal/registry"
	"github.com/marcus/offsync/internal/serverdb"
	offsync "github.com/marcus/offsync/internal/sync"
)

// Exit codes. Anything not listed exits 1.
const (
	exitUnavailable = 3 // remote unreachable or breaker open; retry later
	exitBusy        = 4 // another sync holds the lock
)

// errorCode classifies err for JSON output.
func errorCode(err error) string {
	switch {
	case errors.Is(err, db.ErrMissingTenantID), errors.Is(err, db.ErrMissingDeviceID):
		return output.ErrCodeMissingIdentity
	case errors.Is(err, serverdb.ErrRemoteUnavailable):
		return output.ErrCodeRemoteUnavailable
	case serverdb.IsTransport(err), errors.Is(err, context.DeadlineExceeded):
		return output.ErrCodeTransport
	case errors.Is(err, db.ErrSyncInProgress):
		return output.ErrCodeSyncInProgress
	case errors.Is(err, offsync.ErrPendingOutbox):
		return output.ErrCodePendingOutbox
	case errors.Is(err, registry.ErrTableNotAllowed):
		return output.ErrCodeTableNotAllowed
	case errors.Is(err, serverdb.ErrUnknownTenant), errors.Is(err, db.ErrConflictNotFound),
		errors.Is(err, offsync.ErrRowNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, errNoRemote), errors.Is(err, errInvalidArgs), errors.Is(err, registry.ErrInvalidRowID),
		errors.Is(err, offsync.ErrRowExists):
		return output.ErrCodeInvalidInput
	}
	return output.ErrCodeDatabaseError
}

// exitCode maps err to the process exit status.
func exitCode(err error) int {
	switch errorCode(err) {
	case output.ErrCodeRemoteUnavailable, output.ErrCodeTransport:
		return exitUnavailable
	case output.ErrCodeSyncInProgress:
		return exitBusy
	}
	return 1
}

// reportError prints err once, styled or as JSON depending on --json.
func reportError(err error) {
	if err == nil {
		return
	}
	if wantJSON() {
		output.JSONError(errorCode(err), err.Error())
		return
	}
	output.Error("%v", err)
}

var (
	// errInvalidArgs marks usage errors raised by commands.
	errInvalidArgs = errors.New("invalid arguments")
)

func wantJSON() bool {
	f := rootCmd.PersistentFlags().Lookup("json")
	return f != nil && f.Changed && f.Value.String() == "true"
}
