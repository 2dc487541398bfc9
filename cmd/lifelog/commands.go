package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lifelog-app/lifelog/internal/config"
	"github.com/lifelog-app/lifelog/internal/entries"
	"github.com/lifelog-app/lifelog/internal/importer"
	"github.com/lifelog-app/lifelog/internal/jobs"
	"github.com/lifelog-app/lifelog/internal/localdb"
	"github.com/lifelog-app/lifelog/internal/logger"
	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/timefmt"
	"github.com/lifelog-app/lifelog/internal/worker"
)

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add [text...]",
	Short: "Record a new entry",
	Long: `Record a new entry. Enrichment runs in the background on the server
holding the worker lease.

Examples:
  lifelog add "call the plumber about the kitchen sink"
  lifelog add --audio voice-2024-05-01.m4a`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		audio, _ := cmd.Flags().GetString("audio")
		if strings.TrimSpace(text) == "" && audio == "" {
			return fmt.Errorf("entry text or --audio is required")
		}

		return withDB(cmd.Context(), func(_ config.Config, db *localdb.DB) error {
			e, err := db.Entries.AddEntry(cmd.Context(), entries.Input{Text: text, AudioAttachmentID: audio})
			if err != nil {
				return err
			}
			printSuccess("Added entry %s (%d earlier entries in context)", e.ID, len(e.GivenContext))
			fmt.Fprintln(cmd.OutOrStdout(), e.ID)
			return nil
		})
	},
}

func init() {
	addCmd.Flags().String("audio", "", "audio attachment id; the entry waits for its transcript")
}

// --- recent ---

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the newest entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withDB(cmd.Context(), func(cfg config.Config, db *localdb.DB) error {
			list, err := db.Entries.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No entries yet.")
				return nil
			}

			now := time.Now()
			for _, e := range list {
				when := timefmt.Format(e.CreatedAt, timefmt.Options{Relative: true, Locale: cfg.App.Locale, Now: now})
				text := e.Text()
				if text == "" {
					text = colorize(colorDim, "(audio "+string(e.AsyncControl.AudioConvertingToEntryText)+")")
				}
				fmt.Fprintf(out, "%s  %-16s %-8s %s\n",
					colorize(colorCyan, shortID(e.ID)),
					when,
					e.AsyncControl.EnrichmentStatus,
					shorten(text, 80),
				)
			}
			return nil
		})
	},
}

func init() {
	recentCmd.Flags().Int("limit", entries.DefaultListLimit, "maximum number of entries")
	recentCmd.Flags().Bool("json", false, "print entries as JSON")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one entry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withContext, _ := cmd.Flags().GetBool("context")

		return withDB(cmd.Context(), func(cfg config.Config, db *localdb.DB) error {
			e, err := db.Entries.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printJSON(out, e); err != nil {
				return err
			}
			if !withContext {
				return nil
			}

			opts := entries.DefaultConvertOptions()
			opts.Locale = cfg.App.Locale
			items, err := db.Entries.ConvertIDsToContent(cmd.Context(), e.GivenContext, opts)
			if err != nil {
				return fmt.Errorf("resolving context: %w", err)
			}
			fmt.Fprintln(out, colorize(colorBold, "Context:"))
			if len(items) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, it := range items {
				fmt.Fprintf(out, "  [%s] %s\n", it.Date, shorten(it.Text, 100))
			}
			return nil
		})
	},
}

func init() {
	showCmd.Flags().Bool("context", false, "also print the entry's context window")
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import .txt, .md or .pdf files, one entry per paragraph",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		return withDB(cmd.Context(), func(_ config.Config, db *localdb.DB) error {
			imp := importer.New(db.Entries, importer.WithDryRun(dryRun))
			total := 0
			for _, path := range args {
				printStep("Importing %s", path)
				res, err := imp.ImportFile(cmd.Context(), path)
				total += len(res.Entries)
				if err != nil {
					return fmt.Errorf("%w (%d entries added before the failure)", err, total)
				}
				if dryRun {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries\n", path, res.Chunks)
				}
			}
			if !dryRun {
				printSuccess("Imported %d entries", total)
			}
			return nil
		})
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "count entries without writing them")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List enrichment jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		entryID, _ := cmd.Flags().GetString("entry")
		limit, _ := cmd.Flags().GetInt("limit")

		return withDB(cmd.Context(), func(_ config.Config, db *localdb.DB) error {
			list, err := db.Jobs.List(cmd.Context(), jobs.ListFilter{
				Status:  schema.JobStatus(status),
				EntryID: entryID,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			for _, j := range list {
				line := fmt.Sprintf("%s  %-9s p%d  %d/%d  entry %s",
					colorize(colorCyan, shortID(j.ID)), j.Status, j.Priority, j.Attempts, j.MaxAttempts, shortID(j.EntryID))
				if j.Error != "" {
					line += "  " + colorize(colorRed, shorten(j.Error, 60))
				}
				fmt.Fprintln(out, line)
			}
			return nil
		})
	},
}

func init() {
	jobsCmd.Flags().String("status", "", "filter by status (pending, running, completed, failed)")
	jobsCmd.Flags().String("entry", "", "filter by entry id")
	jobsCmd.Flags().Int("limit", 50, "maximum number of jobs")
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query the durable event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := logger.Filter{}
		f.EntityType, _ = cmd.Flags().GetString("entity-type")
		f.EntityID, _ = cmd.Flags().GetString("entity")
		f.CorrelationID, _ = cmd.Flags().GetString("correlation")
		f.Event, _ = cmd.Flags().GetString("event")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		level, _ := cmd.Flags().GetString("level")
		f.Level = schema.Level(level)
		since, _ := cmd.Flags().GetDuration("since")
		if since > 0 {
			f.Since = time.Now().Add(-since)
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		return withDB(cmd.Context(), func(_ config.Config, db *localdb.DB) error {
			recs, err := db.Logs.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, recs)
			}
			for _, r := range recs {
				ts := time.UnixMilli(r.CreatedAt).Format("2006-01-02 15:04:05.000")
				line := fmt.Sprintf("%s %s %-16s %s", ts, colorize(levelColor(string(r.Level)), fmt.Sprintf("%-5s", r.Level)), r.Event, r.Message)
				if r.DurationMs != nil {
					line += fmt.Sprintf(" (%dms)", *r.DurationMs)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		})
	},
}

func init() {
	logsCmd.Flags().String("entity-type", "", "filter by entity type (entry, job)")
	logsCmd.Flags().String("entity", "", "filter by entity id")
	logsCmd.Flags().String("correlation", "", "filter by correlation id")
	logsCmd.Flags().String("event", "", "filter by event name")
	logsCmd.Flags().String("level", "", "filter by level")
	logsCmd.Flags().Duration("since", 0, "only records newer than this")
	logsCmd.Flags().Int("limit", 50, "maximum number of records")
	logsCmd.Flags().Bool("json", false, "print records as JSON")
}

// --- prune ---

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired logs and reclaim jobs with expired locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(cfg config.Config, db *localdb.DB) error {
			j := worker.NewJanitor(db.Logs, db.Jobs, cfg.Janitor.Interval)
			var pruned int64
			var reclaimed int
			// PruneExpired deletes one batch per call.
			for {
				n, r, err := j.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				pruned += n
				reclaimed += r
				if n == 0 {
					break
				}
			}
			printSuccess("Pruned %d logs, reclaimed %d jobs", pruned, reclaimed)
			fmt.Fprintf(cmd.OutOrStdout(), "%d %d\n", pruned, reclaimed)
			return nil
		})
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", ") + `.
Secrets (llm.api_key, api.token) are written to the secrets file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if strings.HasSuffix(key, "api_key") || strings.HasSuffix(key, "token") {
			printSuccess("Set %s", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
