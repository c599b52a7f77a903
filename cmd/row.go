package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/output"
	"github.com/marcus/offsync/internal/registry"
	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/spf13/cobra"
)

var rowCmd = &cobra.Command{
	Use:     "row",
	Short:   "Read and write rows of the local replica",
	Long:    `Local writes go through the outbox and reach the remote on the next sync.`,
	GroupID: "core",
}

// openLocalEngine builds an engine that never touches the remote store.
func openLocalEngine() (*db.DB, *offsync.Engine, error) {
	local, err := openLocal()
	if err != nil {
		return nil, nil, err
	}
	engine := offsync.NewEngine(local, nil, appRegistry, engineConfig(cfg),
		offsync.WithLogger(logger.With("component", "sync")))
	return local, engine, nil
}

var rowPutCmd = &cobra.Command{
	Use:   "put <table> [json]",
	Short: "Insert or update a row",
	Long: `Writes a row given as a JSON object (or on stdin). The row is inserted when
absent and otherwise updated; only the given columns change on update.

Examples:
  offsync row put products '{"id":"p1","sku":"C-01","name":"Coffee","price":2.5}'
  echo '{"id":"p1","price":3}' | offsync row put products`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		if len(args) == 2 {
			data = []byte(args[1])
		} else {
			var err error
			if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}
		}
		row, err := registry.DecodeRow(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidArgs, err)
		}

		local, engine, err := openLocalEngine()
		if err != nil {
			return err
		}
		defer local.Close()

		tbl, err := appRegistry.Lookup(args[0])
		if err != nil {
			return err
		}
		rowID, err := tbl.RowID(row)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidArgs, err)
		}
		existing, err := engine.ReadRow(cmd.Context(), tbl.Name, rowID)
		if err != nil {
			return err
		}
		op := db.OpInsert
		if existing != nil {
			op = db.OpUpdate
			// A put writes a live row: it revives a tombstone unless the
			// payload sets deleted_at itself.
			if _, set := row[registry.ColDeletedAt]; !set {
				row[registry.ColDeletedAt] = nil
			}
		}
		res, err := engine.Write(cmd.Context(), op, tbl.Name, row)
		if err != nil {
			return err
		}
		return printWrite(cmd, op, tbl.Name, res)
	},
}

var rowDeleteCmd = &cobra.Command{
	Use:   "delete <table> <row-id>",
	Short: "Soft-delete a row",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, engine, err := openLocalEngine()
		if err != nil {
			return err
		}
		defer local.Close()

		tbl, err := appRegistry.Lookup(args[0])
		if err != nil {
			return err
		}
		key, err := tbl.DecodeRowID(args[1])
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidArgs, err)
		}
		existing, err := engine.ReadRow(cmd.Context(), tbl.Name, args[1])
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s/%s", offsync.ErrRowNotFound, tbl.Name, args[1])
		}
		row := make(registry.Row, len(key.Columns))
		for i, c := range key.Columns {
			row[c] = key.Values[i]
		}
		res, err := engine.Write(cmd.Context(), db.OpDelete, tbl.Name, row)
		if err != nil {
			return err
		}
		return printWrite(cmd, db.OpDelete, tbl.Name, res)
	},
}

var rowGetCmd = &cobra.Command{
	Use:   "get <table> <row-id>",
	Short: "Show a local row",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, engine, err := openLocalEngine()
		if err != nil {
			return err
		}
		defer local.Close()

		row, err := engine.ReadRow(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("%w: %s/%s", offsync.ErrRowNotFound, args[0], args[1])
		}
		if jsonOutput(cmd) {
			return output.JSON(row)
		}
		printRow(row)
		return nil
	},
}

var rowListCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "List live rows of a local table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("%w: --limit must be positive", errInvalidArgs)
		}
		local, engine, err := openLocalEngine()
		if err != nil {
			return err
		}
		defer local.Close()

		rows, err := engine.ListRows(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No rows.")
			return nil
		}
		tbl, _ := appRegistry.Lookup(args[0])
		for _, row := range rows {
			id, _ := tbl.RowID(row)
			v, _ := row.Int64(registry.ColVersion)
			fmt.Printf("  %-24s v%-4d %s\n", id, v, summarizeRow(tbl, row))
		}
		return nil
	},
}

func printWrite(cmd *cobra.Command, op, table string, res offsync.WriteResult) error {
	if jsonOutput(cmd) {
		return output.JSON(map[string]any{
			"op": op, "table": table, "row_id": res.RowID,
			"version": res.Version, "outbox_id": res.OutboxID,
		})
	}
	output.Success("%s %s/%s v%d queued (%s)", op, table, res.RowID, res.Version, output.ShortID(res.OutboxID))
	return nil
}

func printRow(row registry.Row) {
	cols := row.Columns()
	width := 0
	for _, c := range cols {
		width = max(width, len(c))
	}
	for _, c := range cols {
		v := row[c]
		if v == nil {
			v = "-"
		}
		fmt.Printf("%-*s  %v\n", width, c, v)
	}
}

// summarizeRow joins the non-key business columns of row on one line.
func summarizeRow(t registry.Table, row registry.Row) string {
	var parts []string
	for _, c := range t.Columns {
		if t.IsKey(c) || c == "created_at" {
			continue
		}
		if v, ok := row[c]; ok && v != nil {
			parts = append(parts, fmt.Sprintf("%s=%v", c, v))
		}
	}
	sort.Strings(parts)
	return output.Truncate(strings.Join(parts, " "), output.TerminalWidth(120)-40)
}

func init() {
	rowListCmd.Flags().Int("limit", 50, "Max rows to show")
	rowCmd.AddCommand(rowPutCmd, rowGetCmd, rowListCmd, rowDeleteCmd)
	rootCmd.AddCommand(rowCmd)
}
