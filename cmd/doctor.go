package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	Short:   "Run diagnostic checks for sync setup",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !runDoctor(cmd.Context()) {
			return fmt.Errorf("one or more checks failed")
		}
		return nil
	},
}

func check(name, status, detail string) {
	dots := 24 - len(name)
	if dots < 3 {
		dots = 3
	}
	line := fmt.Sprintf("%s %s %s", name, strings.Repeat(".", dots), status)
	if detail != "" {
		line += " (" + detail + ")"
	}
	fmt.Println(line)
}

// runDoctor prints one line per check and reports whether all passed.
func runDoctor(ctx context.Context) bool {
	ok := true
	fail := func(name string, err error) {
		ok = false
		check(name, "FAIL", err.Error())
	}

	// 1. Local store
	local, err := openLocal()
	if err != nil {
		fail("Local store", err)
		check("Identity", "SKIP", "")
		check("Outbox", "SKIP", "")
		check("Remote reachable", "SKIP", "")
		return false
	}
	defer local.Close()
	check("Local store", "OK", local.BaseDir())

	// 2. Identity
	state, err := local.GetSyncState(ctx)
	switch {
	case err != nil:
		fail("Identity", err)
	case state.TenantID == "":
		ok = false
		check("Identity", "FAIL", "no tenant; run: offsync tenant set <id>")
	case state.DeviceID == "":
		ok = false
		check("Identity", "FAIL", "no device id; run: offsync init")
	default:
		check("Identity", "OK", fmt.Sprintf("tenant %s, device %s", state.TenantID, state.DeviceID))
	}

	// 3. Outbox
	if state != nil {
		status := "OK"
		if state.ParkedOutbox > 0 {
			status = "WARN"
		}
		check("Outbox", status, fmt.Sprintf("%d pending, %d parked, %d conflicts recorded",
			state.PendingOutbox, state.ParkedOutbox, state.Conflicts))
	}

	// 4. Remote
	if cfg.Remote.DSN == "" {
		ok = false
		check("Remote reachable", "FAIL", errNoRemote.Error())
		return ok
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	remote, err := openRemote(rctx)
	if err == nil {
		err = remote.Ping(rctx)
	}
	if err != nil {
		fail("Remote reachable", err)
		return false
	}
	defer remote.Close()
	check("Remote reachable", "OK", cfg.RemoteDriver())

	// 5. Tenant schema
	if state == nil || state.TenantID == "" {
		check("Tenant schema", "SKIP", "")
		return ok
	}
	schema, err := remote.TenantSchema(rctx, state.TenantID)
	if err != nil {
		fail("Tenant schema", err)
		return false
	}
	engine := offsync.NewEngine(local, remote, appRegistry, engineConfig(cfg),
		offsync.WithLogger(logger.With("component", "sync")))
	if err := engine.EnsureSchema(rctx); err != nil {
		fail("Tenant schema", err)
		return false
	}
	check("Tenant schema", "OK", schema)

	head, err := remote.MaxChangeID(rctx, state.TenantID)
	if err != nil {
		fail("Change log", err)
		return false
	}
	check("Change log", "OK", fmt.Sprintf("head %d, local cursor %d", head, state.LastChangeID))
	return ok
}
