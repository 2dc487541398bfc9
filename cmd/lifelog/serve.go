package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lifelog-app/lifelog/internal/api"
	"github.com/lifelog-app/lifelog/internal/config"
	"github.com/lifelog-app/lifelog/internal/llm"
	"github.com/lifelog-app/lifelog/internal/localdb"
	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
	"github.com/lifelog-app/lifelog/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, while leader, the background worker",
	Long: `Run the HTTP API and compete for the worker lease.

Any number of lifelog processes may share one database. Only the process
holding the lease claims jobs and prunes logs; the others take over when it
stops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lifelog server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, leader and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lifelog.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(mcpStdio bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg, true)
	slog.Info("starting lifelog", "version", version)

	if err := config.EnsureAPIToken(&cfg); err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		slog.Warn("no LLM API key configured, enrichment jobs will fail until llm.api_key is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if newAPIClient(cfg).healthy(ctx) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lifelog is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lifelog is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing database: %v\n", err)
		}
	}()

	duties := buildDuties(cfg, db)
	elector := db.Elector()

	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			DB:     db,
			Token:  cfg.API.Token,
			Locale: cfg.App.Locale,
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "lifelog listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return elector.Run(gctx, duties)
	})

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{DB: db, Locale: cfg.App.Locale}, version))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shut down")
	return err
}

// buildDuties wires the worker and janitor that run while this process
// holds the worker lease.
func buildDuties(cfg config.Config, db *localdb.DB) func(ctx context.Context) error {
	client := llm.NewClientWithBaseURL(cfg.LLM.BaseURL)
	enricher := worker.NewEnricher(db.Entries, client, worker.EnrichConfig{
		APIKey:           cfg.LLM.APIKey,
		Model:            cfg.LLM.Model,
		Locale:           cfg.App.Locale,
		MaxContextTokens: cfg.LLM.MaxContextTokens,
	})

	w := worker.NewWorker(db.Jobs, db.Logs, cfg.Worker.PollInterval,
		worker.WithBackoff(cfg.Worker.BackoffBase),
		worker.WithLockTTL(cfg.Worker.LockTTL))
	w.Handle(schema.JobProcessEntry, enricher.Handle)

	janitor := worker.NewJanitor(db.Logs, db.Jobs, cfg.Janitor.Interval)
	return worker.Duties(w, janitor)
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lifelog is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lifelog (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lifelog (PID %d)", pid)
	return nil
}

func showStatus(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	return withDB(cmd.Context(), func(cfg config.Config, db *localdb.DB) error {
		ctx := cmd.Context()

		if newAPIClient(cfg).healthy(ctx) {
			printStatus(out, "Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus(out, "Server", "stopped")
		}

		lease, err := db.Elector().Current(ctx)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			printStatus(out, "Leader", "none")
		case err != nil:
			printStatus(out, "Leader", "unknown (%v)", err)
		case lease.ExpiresAt.Before(time.Now()):
			printStatus(out, "Leader", "none (lease of %s expired)", shortID(lease.Holder))
		default:
			printStatus(out, "Leader", "%s since %s", shortID(lease.Holder), lease.AcquiredAt.Format(time.DateTime))
		}

		counts, err := db.Jobs.CountByStatus(ctx)
		if err != nil {
			return err
		}
		printStatus(out, "Jobs", "%d pending, %d running, %d completed, %d failed",
			counts[schema.JobPending], counts[schema.JobRunning], counts[schema.JobCompleted], counts[schema.JobFailed])

		if cfg.LLM.APIKey == "" {
			printStatus(out, "LLM", "%s (no API key)", cfg.LLM.Model)
		} else {
			printStatus(out, "LLM", "%s", cfg.LLM.Model)
		}
		printStatus(out, "Data dir", "%s", cfg.Storage.DataDir)
		return nil
	})
}
