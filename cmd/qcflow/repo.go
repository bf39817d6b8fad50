package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/speedwagon-io/qcflow/internal/cleaner"
	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/repository"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Inspect and serve the object repository",
	Long: `Commands that work directly on the versioned object repository.

The backend comes from the config file when --config is given, otherwise from
the QCFLOW_REPOSITORY_* environment and the --backend/--path/--dsn/--url flags.`,
}

var repoServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the repository over HTTP for remote clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := repoConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Address = addr
		}

		db, err := repository.Open(log, cfg.Repository)
		if err != nil {
			return err
		}
		defer db.Close()

		srv := &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      repository.NewHandler(log, db),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Info("repository server listening", slog.String("address", cfg.Server.Address))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("repository server failed: %w", err)
			}
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var repoGetCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Print the version of an object valid at a time, or the latest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetInt64("at")
		return withRepository(cmd, func(ctx context.Context, db repository.Database) error {
			var (
				e   *repository.Entry
				err error
			)
			if at == 0 {
				e, err = db.GetLatest(ctx, args[0])
			} else {
				e, err = db.Get(ctx, args[0], at)
			}
			if err != nil {
				return err
			}
			return printEntry(cmd.OutOrStdout(), e)
		})
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List stored paths under a prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		return withRepository(cmd, func(ctx context.Context, db repository.Database) error {
			paths, err := db.List(ctx, prefix)
			if err != nil {
				return err
			}
			for p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		})
	},
}

var repoVersionsCmd = &cobra.Command{
	Use:   "versions <path>",
	Short: "List the stored versions of a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, func(ctx context.Context, db repository.Database) error {
			versions, err := db.Versions(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tFROM\tTO\tTYPE\tRUN\tCREATED")
			for _, v := range versions {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%v\t%s\n",
					v.Version, v.Validity.From, v.Validity.To, v.ObjectType,
					v.Meta["run"], time.UnixMilli(v.CreatedAt).UTC().Format(time.RFC3339),
				)
			}
			return w.Flush()
		})
	},
}

var repoCleanupCmd = &cobra.Command{
	Use:   "cleanup <prefix>",
	Short: "Delete versions whose validity ended before a retention window",
	Long: `Delete, for every path under prefix, the versions whose validity ended more
than --older-than ago. The latest version of each path is always kept.

Examples:
  qcflow repo cleanup tpc --older-than 720h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		return withRepository(cmd, func(ctx context.Context, db repository.Database) error {
			c := cleaner.New(slog.Default(), db, []config.CleanerRule{{Prefix: args[0], OlderThan: olderThan}})
			n, err := c.Clean(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d versions\n", n)
			return nil
		})
	},
}

func init() {
	repoCmd.PersistentFlags().String("backend", "", "repository backend: memory, sqlite, postgres or remote")
	repoCmd.PersistentFlags().String("path", "", "sqlite database file")
	repoCmd.PersistentFlags().String("dsn", "", "postgres connection string")
	repoCmd.PersistentFlags().String("url", "", "remote repository base URL")

	repoServeCmd.Flags().String("addr", "", "listen address (default from config, :8090)")
	repoGetCmd.Flags().Int64("at", 0, "time in ms since epoch; latest version when 0")
	repoCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "retention window")

	repoCmd.AddCommand(repoServeCmd, repoGetCmd, repoListCmd, repoVersionsCmd, repoCleanupCmd)
}

// repoConfig loads the config file when one is given and applies the
// backend flags on top.
func repoConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	var cfg *config.Config
	if configPath != "" || os.Getenv("CONFIG_PATH") != "" {
		cfg = config.MustLoad(configPath)
	} else {
		var err error
		if cfg, err = config.Defaults(); err != nil {
			return nil, nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("backend"); v != "" {
		cfg.Repository.Backend = v
	}
	if v, _ := flags.GetString("path"); v != "" {
		cfg.Repository.Path = v
	}
	if v, _ := flags.GetString("dsn"); v != "" {
		cfg.Repository.DSN = v
	}
	if v, _ := flags.GetString("url"); v != "" {
		cfg.Repository.URL = v
	}
	if cfg.Repository.Timeout <= 0 {
		cfg.Repository.Timeout = repository.DefaultTimeout
	}

	// Logs go to stderr so command output stays clean.
	log := sl.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	return cfg, log, nil
}

func withRepository(cmd *cobra.Command, fn func(ctx context.Context, db repository.Database) error) error {
	cfg, log, err := repoConfig(cmd)
	if err != nil {
		return err
	}
	db, err := repository.Open(log, cfg.Repository)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(cmd.Context(), db)
}

type printedEntry struct {
	repository.VersionInfo
	Payload json.RawMessage `json:"payload"`
}

func printEntry(w io.Writer, e *repository.Entry) error {
	out := printedEntry{VersionInfo: e.VersionInfo}
	if json.Valid(e.Payload) {
		out.Payload = e.Payload
	} else {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		out.Payload = data
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
