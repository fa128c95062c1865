package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/pagesync/internal/config"
	"github.com/vonshlovens/pagesync/internal/db"
	"github.com/vonshlovens/pagesync/internal/logging"
	"github.com/vonshlovens/pagesync/internal/model"
	"github.com/vonshlovens/pagesync/internal/server"
	"github.com/vonshlovens/pagesync/internal/source"
	pagesync "github.com/vonshlovens/pagesync/internal/sync"
	"github.com/vonshlovens/pagesync/internal/watcher"
)

var (
	cfgFile   string
	verbose   bool
	version   = "dev"
	logCloser io.Closer
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pagesync",
		Short:         "Notebook page reconciliation and sync log",
		Long:          `Reconciles the pages of a OneNote notebook or exported page directory against a database and records every change in an append-only sync log.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Logging is configured from the file when one loads; commands that
			// run without a config still get stderr logging.
			logCfg := config.DefaultConfig().Log
			if cfg, err := config.Load(cfgFile); err == nil {
				logCfg = cfg.Log
			}
			closer, err := logging.Setup(logCfg, verbose)
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			logCloser = closer
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		syncCmd(),
		summaryCmd(),
		historyCmd(),
		statusCmd(),
		migrateCmd(),
		initCmd(),
	)

	err := rootCmd.Execute()
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func selectorFlags(cmd *cobra.Command, sel *model.Selector) {
	cmd.Flags().StringVar(&sel.Site, "site", "", "SharePoint site name (default from config)")
	cmd.Flags().StringVar(&sel.Notebook, "notebook", "", "notebook name (default from config)")
}

func withDefaults(sel, defaults model.Selector) model.Selector {
	if sel.Site == "" {
		sel.Site = defaults.Site
	}
	if sel.Notebook == "" {
		sel.Notebook = defaults.Notebook
	}
	return sel
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled reconciliation",
		Long: `Starts the HTTP API, performs an initial pass and then reconciles every
sync.interval_minutes. With a directory source and sync.watch enabled, file
changes trigger a pass once they settle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			sel := defaultSelector(a.cfg)
			trigger := func(reason string) {
				slog.Info("triggering reconciliation", "reason", reason)
				if _, err := a.run(ctx, sel); err != nil {
					if errors.Is(err, pagesync.ErrRunInProgress) {
						slog.Info("skipping trigger, pass already running", "reason", reason)
						return
					}
					slog.Error("reconciliation failed", "reason", reason, "error", err)
				}
			}

			srv := server.New(a.coord, server.Options{
				APIKey:     a.cfg.Server.APIKey,
				Selector:   sel,
				Status:     a.backend.status,
				RunTimeout: time.Duration(a.cfg.Sync.RunTimeoutS) * time.Second,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Start(gctx, a.cfg.Server.Addr)
			})

			g.Go(func() error {
				trigger("startup")

				var tick <-chan time.Time
				if a.cfg.Sync.IntervalMinutes > 0 {
					ticker := time.NewTicker(time.Duration(a.cfg.Sync.IntervalMinutes) * time.Minute)
					defer ticker.Stop()
					tick = ticker.C
				}

				var batches <-chan watcher.Batch
				if a.cfg.Sync.Watch && a.cfg.Source.Kind == config.SourceDirectory {
					w, err := watcher.NewWatcher(a.cfg.Source.Directory, a.cfg.Sync.DebounceMs, source.PathFilter{
						Ignore:  a.cfg.IgnorePatterns,
						Include: a.cfg.IncludePatterns,
					})
					if err != nil {
						return fmt.Errorf("failed to create watcher: %w", err)
					}
					if err := w.Start(gctx); err != nil {
						return fmt.Errorf("failed to start watcher: %w", err)
					}
					defer w.Stop()
					batches = w.Events()
				}

				for {
					select {
					case <-gctx.Done():
						slog.Info("shutting down...")
						return nil
					case <-tick:
						trigger("interval")
					case b, ok := <-batches:
						if !ok {
							batches = nil
							continue
						}
						slog.Debug("file changes settled", "paths", len(b.Changes))
						trigger("watch")
					}
				}
			})

			fmt.Printf("Serving on %s. Press Ctrl+C to stop.\n", a.cfg.Server.Addr)
			return g.Wait()
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		sel    model.Selector
		format string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass, then exit",
		Long:  `Fetches the complete page set, reconciles it against stored metadata and prints the run result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bar := progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("Reconciling pages"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
			)
			a, err := newApp(ctx, func(pagesync.Outcome) { _ = bar.Add(1) })
			if err != nil {
				return err
			}
			defer a.Close()

			res, runErr := a.run(ctx, withDefaults(sel, defaultSelector(a.cfg)))
			_ = bar.Finish()

			if err := renderResult(os.Stdout, format, res); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("sync %s: %w", res.Status, runErr)
			}
			if res.Status != pagesync.StatusSuccess {
				return fmt.Errorf("sync finished with status %s", res.Status)
			}
			return nil
		},
	}
	selectorFlags(cmd, &sel)
	cmd.Flags().StringVar(&format, "format", formatText, "output format: text, json or yaml")
	return cmd
}

func summaryCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "summary [run-id]",
		Short: "Summarize a run from the sync log",
		Long:  `Groups the sync log entries of a run (default: today, YYYYMMDD) by action.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			runID := pagesync.RunID(time.Now())
			if len(args) == 1 {
				runID = args[0]
			}

			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.coord.RunSummary(ctx, runID)
			if err != nil {
				return err
			}
			return renderSummary(os.Stdout, format, summary)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatText, "output format: text, json or yaml")
	return cmd
}

func historyCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "history <page-id>",
		Short: "Show every logged action for a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.coord.PageHistory(ctx, args[0])
			if err != nil {
				return err
			}
			return renderHistory(os.Stdout, format, args[0], entries)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatText, "output format: text, json or yaml")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status and sync info",
		Long:  `Shows the database connection status, page and log counts, and the last recorded pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := newApp(ctx, nil)
			if err != nil {
				fmt.Println("Database Status: Disconnected")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer a.Close()

			status, err := a.backend.status.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			renderStatus(os.Stdout, status, a.coord.LastRun())
			fmt.Printf("\nSource: %s (%s)\n", a.cfg.SourceName(), a.cfg.Source.Kind)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending database migrations. SQLite databases are migrated whenever they are opened.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if cfg.Database.Driver != config.DriverPostgres {
				b, err := openBackend(ctx, cfg)
				if err != nil {
					return err
				}
				fmt.Println("Migrations completed successfully.")
				return b.Close()
			}

			database, err := db.New(ctx, &cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			if err := database.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if err := database.MigrationStatus(ctx); err != nil {
				slog.Warn("failed to read migration status", "error", err)
			}

			fmt.Println("Migrations completed successfully.")
			return nil
		},
	}
}

type initGraph struct {
	ClientID     string `yaml:"client_id"`
	RefreshToken string `yaml:"refresh_token"`
	Site         string `yaml:"site,omitempty"`
	Notebook     string `yaml:"notebook,omitempty"`
}

// initFile is the subset of the configuration written by init
type initFile struct {
	Source struct {
		Kind      string     `yaml:"kind"`
		Directory string     `yaml:"directory,omitempty"`
		Graph     *initGraph `yaml:"graph,omitempty"`
	} `yaml:"source"`
	Database struct {
		Driver   string `yaml:"driver"`
		Path     string `yaml:"path,omitempty"`
		Host     string `yaml:"host,omitempty"`
		Port     int    `yaml:"port,omitempty"`
		User     string `yaml:"user,omitempty"`
		Password string `yaml:"password,omitempty"`
		Database string `yaml:"database,omitempty"`
		Schema   string `yaml:"schema,omitempty"`
		SSLMode  string `yaml:"sslmode,omitempty"`
	} `yaml:"database"`
	Sync struct {
		Concurrency     int  `yaml:"concurrency"`
		IntervalMinutes int  `yaml:"interval_minutes"`
		Watch           bool `yaml:"watch"`
	} `yaml:"sync"`
	Server struct {
		Addr   string `yaml:"addr"`
		APIKey string `yaml:"api_key,omitempty"`
	} `yaml:"server"`
	IgnorePatterns []string `yaml:"ignore_patterns"`
}

type prompter struct {
	r *bufio.Reader
}

func (p prompter) ask(label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := p.r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file for a page source and database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := prompter{r: bufio.NewReader(os.Stdin)}
			defaults := config.DefaultConfig()

			fmt.Println("=== PageSync Setup ===")
			fmt.Println()

			var f initFile
			f.Source.Kind = p.ask("Source (graph|directory)", config.SourceGraph)
			var sourceName string
			switch f.Source.Kind {
			case config.SourceDirectory:
				f.Source.Directory = p.ask("Export directory", "")
				if _, err := os.Stat(f.Source.Directory); err != nil {
					return fmt.Errorf("export directory does not exist: %s", f.Source.Directory)
				}
				sourceName = filepath.Base(f.Source.Directory)
				f.Sync.Watch = true
			case config.SourceGraph:
				f.Source.Graph = &initGraph{
					ClientID:     p.ask("  Application (client) ID", ""),
					RefreshToken: "${GRAPH_REFRESH_TOKEN}",
					Site:         p.ask("  SharePoint site (empty for personal notebooks)", ""),
					Notebook:     p.ask("  Notebook (empty for all)", ""),
				}
				sourceName = f.Source.Graph.Notebook
			default:
				return fmt.Errorf("unknown source kind %q", f.Source.Kind)
			}

			fmt.Println("\nDatabase Configuration:")
			f.Database.Driver = p.ask("  Driver (sqlite|postgres)", defaults.Database.Driver)
			switch f.Database.Driver {
			case config.DriverSQLite:
				f.Database.Path = p.ask("  Database file", filepath.Join(config.ConfigDir(), "pagesync.db"))
			case config.DriverPostgres:
				f.Database.Host = p.ask("  Host", "")
				fmt.Sscanf(p.ask("  Port", "5432"), "%d", &f.Database.Port)
				f.Database.User = p.ask("  User", "")
				f.Database.Password = "${DB_PASSWORD}"
				f.Database.Database = p.ask("  Database name", "")
				if f.Database.Database == "" {
					return fmt.Errorf("database name is required")
				}
				f.Database.Schema = p.ask("  Schema name", config.SanitizeIdentifier(sourceName))
				f.Database.SSLMode = p.ask("  SSL mode", defaults.Database.SSLMode)
			default:
				return fmt.Errorf("unknown database driver %q", f.Database.Driver)
			}

			f.Sync.Concurrency = defaults.Sync.Concurrency
			f.Sync.IntervalMinutes = 60
			f.Server.Addr = defaults.Server.Addr
			f.Server.APIKey = "${PAGESYNC_API_KEY}"
			f.IgnorePatterns = defaults.IgnorePatterns

			content, err := yaml.Marshal(&f)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")
			if err := os.WriteFile(configPath, content, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			if f.Source.Kind == config.SourceGraph {
				fmt.Println("\nIMPORTANT: Set the GRAPH_REFRESH_TOKEN environment variable.")
			}
			if f.Database.Driver == config.DriverPostgres {
				fmt.Println("IMPORTANT: Set the DB_PASSWORD environment variable.")
			}
			fmt.Println("\nTo run migrations, run: pagesync migrate")
			fmt.Println("To run one pass, run: pagesync sync")
			fmt.Println("To start the service, run: pagesync serve")
			return nil
		},
	}
}
