// chatsync keeps a searchable local copy of chat conversations and serves
// it to MCP clients.
//
// Usage:
//
//	chatsync serve              # sync continuously, MCP over stdio
//	chatsync search "standup"   # one-shot search of the local store
//	chatsync status             # per-conversation sync health
//	chatsync version --check    # compare with the latest release
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/HendryAvila/chatsync/internal/config"
	"github.com/HendryAvila/chatsync/internal/dispatch"
	"github.com/HendryAvila/chatsync/internal/logging"
	"github.com/HendryAvila/chatsync/internal/server"
	"github.com/HendryAvila/chatsync/internal/updater"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Chat conversation sync engine with hybrid search",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().Bool("demo", false, "use the built-in demo conversations instead of the Graph API")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(&cfgFile),
		newSearchCmd(&cfgFile),
		newStatusCmd(&cfgFile),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were explicitly set, then configures logging on stderr.
// stdout stays reserved for the MCP transport.
func loadConfig(cmd *cobra.Command, cfgFile string, flagKeys map[string]string) (config.Config, error) {
	v := config.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, errors.Wrapf(err, "read config %s", cfgFile)
		}
	}
	keys := map[string]string{"demo": "demo", "log-level": "log.level"}
	for flag, key := range flagKeys {
		keys[flag] = key
	}
	if err := bindChanged(v, cmd.Flags(), keys); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func bindChanged(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind --%s", name)
		}
	}
	return nil
}

// ─── serve ──────────────────────────────────────────────────────────────────

func newServeCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync continuously and serve MCP over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *cfgFile, map[string]string{
				"ws-addr":  "ws.addr",
				"interval": "sync.interval",
				"redis":    "events.redis_addr",
			})
			if err != nil {
				return err
			}
			app, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Warn().Err(err).Msg("close failed")
				}
			}()

			go checkForUpdates(cmd.Context())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().String("ws-addr", "", "serve the WebSocket event stream on this address")
	cmd.Flags().Duration("interval", 0, "sync poll interval")
	cmd.Flags().String("redis", "", "relay events to Redis streams at this address")
	return cmd
}

// checkForUpdates logs a notice when a newer release exists. Failures are
// only logged at debug level.
func checkForUpdates(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := updater.NewChecker().Check(ctx, server.Version)
	if err != nil {
		log.Debug().Err(err).Msg("version check failed")
		return
	}
	if res.UpdateAvailable {
		log.Info().Str("current", res.Current).Str("latest", res.Latest).Str("url", res.URL).Msg("update available")
	}
}

// ─── search ─────────────────────────────────────────────────────────────────

func newSearchCmd(cfgFile *string) *cobra.Command {
	var (
		mode, fusion, conversation string
		limit                      int
		syncFirst, asJSON          bool
	)
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search the local message store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *cfgFile, nil)
			if err != nil {
				return err
			}
			app, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			ctx := cmd.Context()
			if syncFirst {
				if err := app.Scheduler.RunCycle(ctx); err != nil {
					return errors.Wrap(err, "sync")
				}
			}

			search := dispatch.Search{
				Query:          strings.Join(args, " "),
				Mode:           mode,
				Fusion:         fusion,
				ConversationID: conversation,
			}
			if cmd.Flags().Changed("limit") {
				search.Limit = &limit
			}
			reply, err := app.Dispatcher.Dispatch(ctx, search)
			if err != nil {
				return err
			}
			sr := reply.(dispatch.SearchReply)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), sr)
			}
			printResults(cmd.OutOrStdout(), sr)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "lexical, vector or hybrid")
	cmd.Flags().StringVar(&fusion, "fusion", "", "rrf or weighted")
	cmd.Flags().StringVar(&conversation, "conversation", "", "restrict to one conversation id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of results")
	cmd.Flags().BoolVar(&syncFirst, "sync", false, "run one sync cycle before searching")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func printResults(w io.Writer, sr dispatch.SearchReply) {
	fmt.Fprintf(w, "Found %d messages (%s)\n", len(sr.Results), sr.Mode)
	for i, r := range sr.Results {
		fmt.Fprintf(w, "\n%d. [%s] %s  %s  (score %.3f)\n", i+1, r.ConversationID, r.SenderName,
			r.SentAt.Local().Format(time.DateTime), r.FusedScore)
		fmt.Fprintf(w, "   %s\n", strings.ReplaceAll(strings.TrimSpace(r.Body), "\n", "\n   "))
	}
}

// ─── status ─────────────────────────────────────────────────────────────────

func newStatusCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print per-conversation sync health as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *cfgFile, nil)
			if err != nil {
				return err
			}
			app, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			reply, err := app.Dispatcher.Dispatch(cmd.Context(), dispatch.SyncStatus{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reply)
		},
	}
}

// ─── version ────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "chatsync v%s\n", server.Version)
			if !check {
				return nil
			}
			res, err := updater.NewChecker().Check(cmd.Context(), server.Version)
			if err != nil {
				return err
			}
			if res.UpdateAvailable {
				fmt.Fprintf(out, "Update available: v%s (%s)\n", res.Latest, res.URL)
			} else {
				fmt.Fprintln(out, "Up to date.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check GitHub for a newer release")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
