package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/offsync/internal/output"
	"github.com/marcus/offsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

// configKey reads the effective value of a setting and writes the stored one.
type configKey struct {
	get func(c *syncconfig.Config) string
	set func(c *syncconfig.Config, val string) error
}

func stringKey(field func(c *syncconfig.Config) *string, effective func(c *syncconfig.Config) string) configKey {
	return configKey{
		get: effective,
		set: func(c *syncconfig.Config, val string) error {
			*field(c) = val
			return nil
		},
	}
}

func intKey(field func(c *syncconfig.Config) *int, effective func(c *syncconfig.Config) int) configKey {
	return configKey{
		get: func(c *syncconfig.Config) string { return strconv.Itoa(effective(c)) },
		set: func(c *syncconfig.Config, val string) error {
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: want a non-negative integer, got %q", errInvalidArgs, val)
			}
			*field(c) = n
			return nil
		},
	}
}

func durationKey(field func(c *syncconfig.Config) *string, effective func(c *syncconfig.Config) time.Duration) configKey {
	return configKey{
		get: func(c *syncconfig.Config) string { return effective(c).String() },
		set: func(c *syncconfig.Config, val string) error {
			if d, err := time.ParseDuration(val); err != nil || d <= 0 {
				return fmt.Errorf("%w: want a positive duration, got %q", errInvalidArgs, val)
			}
			*field(c) = val
			return nil
		},
	}
}

var configKeys = map[string]configKey{
	"remote.driver": stringKey(func(c *syncconfig.Config) *string { return &c.Remote.Driver }, (*syncconfig.Config).RemoteDriver),
	"remote.dsn": stringKey(func(c *syncconfig.Config) *string { return &c.Remote.DSN },
		func(c *syncconfig.Config) string { return c.Remote.DSN }),
	"remote.breaker.consecutive_failures": intKey(func(c *syncconfig.Config) *int { return &c.Remote.Breaker.ConsecutiveFailures }, (*syncconfig.Config).BreakerFailures),
	"remote.breaker.open_timeout":         durationKey(func(c *syncconfig.Config) *string { return &c.Remote.Breaker.OpenTimeout }, (*syncconfig.Config).BreakerTimeout),
	"remote.breaker.half_open_requests":   intKey(func(c *syncconfig.Config) *int { return &c.Remote.Breaker.HalfOpenRequests }, (*syncconfig.Config).BreakerHalfOpen),
	"local.driver":                        stringKey(func(c *syncconfig.Config) *string { return &c.Local.Driver }, (*syncconfig.Config).LocalDriver),
	"local.dir": stringKey(func(c *syncconfig.Config) *string { return &c.Local.Dir },
		func(c *syncconfig.Config) string { return c.Local.Dir }),
	"sync.push_limit":       intKey(func(c *syncconfig.Config) *int { return &c.Sync.PushLimit }, (*syncconfig.Config).PushLimit),
	"sync.pull_limit":       intKey(func(c *syncconfig.Config) *int { return &c.Sync.PullLimit }, (*syncconfig.Config).PullLimit),
	"sync.snapshot_workers": intKey(func(c *syncconfig.Config) *int { return &c.Sync.SnapshotWorkers }, (*syncconfig.Config).SnapshotWorkers),
	"sync.max_conflict_attempts": {
		get: func(c *syncconfig.Config) string { return strconv.Itoa(c.MaxConflictAttempts()) },
		set: func(c *syncconfig.Config, val string) error {
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: want a non-negative integer, got %q", errInvalidArgs, val)
			}
			c.Sync.MaxConflictAttempts = &n
			return nil
		},
	},
	"sync.conflict_backoff": durationKey(func(c *syncconfig.Config) *string { return &c.Sync.ConflictBackoff }, (*syncconfig.Config).ConflictBackoff),
	"sync.interval":         durationKey(func(c *syncconfig.Config) *string { return &c.Sync.Interval }, (*syncconfig.Config).Interval),
	"sync.device_name":      stringKey(func(c *syncconfig.Config) *string { return &c.Sync.DeviceName }, (*syncconfig.Config).DeviceName),
	"log.level": stringKey(func(c *syncconfig.Config) *string { return &c.Log.Level },
		func(c *syncconfig.Config) string { return c.Log.Level }),
	"log.format": stringKey(func(c *syncconfig.Config) *string { return &c.Log.Format },
		func(c *syncconfig.Config) string { return c.Log.Format }),
}

func configKeyNames() []string {
	names := make([]string, 0, len(configKeys))
	for k := range configKeys {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func lookupConfigKey(key string) (configKey, error) {
	k, ok := configKeys[key]
	if !ok {
		return configKey{}, fmt.Errorf("%w: unknown config key %q (valid: %s)",
			errInvalidArgs, key, strings.Join(configKeyNames(), ", "))
	}
	return k, nil
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage offsync configuration",
	GroupID: "system",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		k, err := lookupConfigKey(key)
		if err != nil {
			return err
		}

		// Environment overrides are not persisted.
		stored, err := syncconfig.LoadFile()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := k.set(stored, val); err != nil {
			return err
		}
		if err := stored.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errInvalidArgs, err)
		}
		if err := syncconfig.Save(stored); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		output.Success("set %s = %s", key, val)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get the effective value of a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(k.get(cfg))
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective config values",
	RunE: func(cmd *cobra.Command, args []string) error {
		values := make(map[string]string, len(configKeys))
		for name, k := range configKeys {
			values[name] = k.get(cfg)
		}
		if jsonOutput(cmd) {
			return output.JSON(values)
		}
		for _, name := range configKeyNames() {
			fmt.Printf("%-38s %s\n", name, values[name])
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := syncconfig.ConfigDir()
		if err != nil {
			return err
		}
		fmt.Println(dir)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
