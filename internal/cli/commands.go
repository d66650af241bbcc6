package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rbac-cache/internal/cache"
	"rbac-cache/internal/cache/multilevel"
	"rbac-cache/internal/circuitbreaker"
)

func newGetCommand(o *options) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the cached value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			var opts []cache.GetOption
			if refresh {
				opts = append(opts, cache.WithRefreshTTL())
			}
			value, ok, err := o.app.Cache.Get(ctx, args[0], opts...)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			return printJSON(cmd, value)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "renew the key's TTL on a hit")
	return cmd
}

func newSetCommand(o *options) *cobra.Command {
	var (
		ttl     time.Duration
		tags    []string
		sliding bool
		persist bool
	)
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value; JSON values are stored decoded, anything else as a string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			opts := []cache.SetOption{cache.WithTags(tags...)}
			switch {
			case persist:
				opts = append(opts, cache.WithTTL(cache.NoExpiration))
			case ttl > 0:
				opts = append(opts, cache.WithTTL(ttl))
			}
			if sliding {
				opts = append(opts, cache.WithSliding())
			}
			if err := o.app.Cache.Set(ctx, args[0], parseValue(args[1]), opts...); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime of the value (default: the adapter default)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	cmd.Flags().BoolVar(&sliding, "sliding", false, "restart the TTL on every read")
	cmd.Flags().BoolVar(&persist, "persist", false, "store without expiry")
	return cmd
}

func newDeleteCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "del <key>...",
		Aliases: []string{"delete"},
		Short:   "Delete keys from every level",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			deleted := 0
			for _, key := range args {
				ok, err := o.app.Cache.Delete(ctx, key)
				if err != nil {
					return err
				}
				if ok {
					deleted++
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), deleted)
			return nil
		},
	}
}

func newDeleteTagCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "del-tag <tag>...",
		Short: "Delete every key carrying any of the tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			n, err := o.app.Cache.DeleteByTags(ctx, args)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newDeletePatternCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "del-pattern <glob>",
		Short: "Delete every key matching a glob (* within a segment, ** across segments)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			n, err := o.app.Cache.DeletePattern(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newKeysCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "keys [glob]",
		Short: "List keys, optionally filtered by a glob",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			keys, err := o.app.Cache.Keys(ctx, pattern)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
}

func newTTLCommand(o *options) *cobra.Command {
	var update time.Duration
	cmd := &cobra.Command{
		Use:   "ttl <key>",
		Short: "Print the remaining lifetime of a key, or change it with --set",
		Long: `Print the remaining lifetime of a key in seconds.
-2 means the key does not exist and -1 means it never expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			if cmd.Flags().Changed("set") {
				ok, err := o.app.Cache.UpdateTTL(ctx, args[0], update)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key %q not found", args[0])
				}
			}
			d, err := o.app.Cache.TTL(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ttlSeconds(d))
			return nil
		},
	}
	cmd.Flags().DurationVar(&update, "set", 0, "new lifetime; 0 or negative removes the expiry")
	return cmd
}

type statsOutput struct {
	Cache   *cache.Metrics        `json:"cache"`
	Levels  multilevel.LevelStats `json:"levels"`
	L1      cache.Stats           `json:"l1"`
	L2      *cache.Stats          `json:"l2,omitempty"`
	Breaker *circuitbreaker.Stats `json:"breaker,omitempty"`
}

func newStatsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			m, err := o.app.Cache.Metrics(ctx)
			if err != nil {
				return err
			}
			out := statsOutput{
				Cache:  m,
				Levels: o.app.Cache.LevelStats(),
				L1:     o.app.Local.Stats(),
			}
			if o.app.Remote != nil {
				s := o.app.Remote.Stats()
				out.L2 = &s
			}
			if b, ok := o.app.Cache.BreakerStats(); ok {
				out.Breaker = &b
			}
			return printJSON(cmd, out)
		},
	}
}

func newHealthCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the health of every level; fails when unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			status := o.app.Cache.HealthStatus(ctx)
			l1, l2 := o.app.Cache.Levels(ctx)
			out := map[string]cache.HealthStatus{"cache": status, "l1": l1}
			if o.app.Remote != nil {
				out["l2"] = l2
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if !status.Healthy {
				return fmt.Errorf("cache is unhealthy")
			}
			return nil
		},
	}
}

func newServeCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve /metrics and /health until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := o.app
			// Serve shuts the app down itself.
			o.app = nil
			return a.Serve(ctx)
		},
	}
}

// parseValue decodes JSON arguments and keeps anything else as a string.
func parseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err == nil {
		return v
	}
	return arg
}

// ttlSeconds prints sentinels as-is and lifetimes rounded up to seconds.
func ttlSeconds(d time.Duration) int64 {
	if d < 0 {
		return int64(d)
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
