package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/ery/internal/auditlog"
	"github.com/zulandar/ery/internal/db"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/reaper"
	"github.com/zulandar/ery/internal/threads"
)

func newThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect and maintain task threads",
	}

	cmd.AddCommand(newThreadsListCmd())
	cmd.AddCommand(newThreadsShowCmd())
	cmd.AddCommand(newThreadsReapCmd())
	return cmd
}

func newThreadsListCmd() *cobra.Command {
	var (
		configPath string
		filter     threads.ListFilter
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task threads, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadsList(cmd, configPath, filter)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filter.Status, "status", "", "filter by status (active, completed, failed)")
	cmd.Flags().StringVar(&filter.GuildID, "guild", "", "filter by guild ID")
	cmd.Flags().StringVar(&filter.ChannelID, "channel", "", "filter by channel ID")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum rows to show")
	return cmd
}

func runThreadsList(cmd *cobra.Command, configPath string, filter threads.ListFilter) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	store, err := threads.NewStore(gormDB)
	if err != nil {
		return err
	}
	rows, err := store.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No threads found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tGUILD\tCHANNEL\tCREATED\tDURATION")
	for _, t := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, orDash(t.GuildID), t.ChannelID,
			t.CreatedAt.Local().Format(time.DateTime), threadDuration(t))
	}
	w.Flush()
	return nil
}

func threadDuration(t models.TaskThread) string {
	if t.CompletedAt == nil {
		return "-"
	}
	return t.CompletedAt.Sub(t.CreatedAt).Round(time.Millisecond).String()
}

func newThreadsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task thread and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadsShow(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runThreadsShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	store, err := threads.NewStore(gormDB)
	if err != nil {
		return err
	}
	t, err := store.Get(cmd.Context(), id)
	if errors.Is(err, threads.ErrNotFound) {
		return fmt.Errorf("thread %s not found", id)
	}
	if err != nil {
		return err
	}
	logs, err := auditlog.New(gormDB, nil).List(cmd.Context(), auditlog.Filter{ThreadID: id})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", t.ID)
	fmt.Fprintf(out, "Batch:     %s\n", t.BatchID)
	fmt.Fprintf(out, "Status:    %s\n", t.Status)
	fmt.Fprintf(out, "Guild:     %s\n", orDash(t.GuildID))
	fmt.Fprintf(out, "Channel:   %s\n", t.ChannelID)
	fmt.Fprintf(out, "Created:   %s\n", t.CreatedAt.Local().Format(time.DateTime))
	if t.CompletedAt != nil {
		fmt.Fprintf(out, "Finished:  %s (%s)\n", t.CompletedAt.Local().Format(time.DateTime), threadDuration(*t))
	}
	if t.Error != nil {
		fmt.Fprintf(out, "Error:     %s\n", *t.Error)
	}
	if t.Result != nil {
		if summary := resultSummary(*t.Result); summary != "" {
			fmt.Fprintf(out, "Result:    %s\n", summary)
		}
	}

	if len(logs) == 0 {
		return nil
	}
	fmt.Fprintf(out, "\nAudit trail (%d rows):\n", len(logs))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tDETAIL")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Timestamp.Local().Format(time.TimeOnly), l.LogType, logDetail(l))
	}
	w.Flush()
	return nil
}

func logDetail(l models.AgentLog) string {
	switch l.LogType {
	case models.LogToolExecution:
		status := "ok"
		if l.Success != nil && !*l.Success {
			status = "failed: " + l.Error
		}
		return truncate(fmt.Sprintf("%s %s (%dms)", l.ToolName, status, l.DurationMs), 80)
	case models.LogAIResponse:
		return fmt.Sprintf("%s, %d tokens, %dms", orDash(l.AIModel), l.TotalTokens, l.DurationMs)
	case models.LogError:
		return truncate(l.Error, 80)
	default:
		return truncate(l.Metadata, 80)
	}
}

func resultSummary(raw string) string {
	var r struct {
		Success        bool              `json:"success"`
		ToolExecutions []json.RawMessage `json:"tool_executions"`
		LoopIterations int               `json:"loop_iterations"`
		StopReason     string            `json:"stop_reason"`
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return ""
	}
	return fmt.Sprintf("success=%t tools=%d iterations=%d stop=%s",
		r.Success, len(r.ToolExecutions), r.LoopIterations, orDash(r.StopReason))
}

func newThreadsReapCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Fail active threads older than threads.timeout",
		Long: `Runs one expiry sweep against the database: every active thread created
longer ago than threads.timeout is marked failed with the timeout reason.
Use it after a crash left threads active with no worker behind them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadsReap(cmd, configPath, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runThreadsReap(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	store, err := threads.NewStore(gormDB)
	if err != nil {
		return err
	}
	stale, err := store.ListStaleActive(cmd.Context(), time.Now().Add(-cfg.Threads.Timeout))
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		fmt.Fprintln(out, "No stale threads.")
		return nil
	}

	if !skipConfirm {
		ok, err := confirm(cmd, fmt.Sprintf("%d active threads are older than %s and will be marked failed.", len(stale), cfg.Threads.Timeout))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	mgr, err := threads.NewManager(threads.ManagerOpts{
		Store:   store,
		Timeout: cfg.Threads.Timeout,
		Logger:  newLogger(cmd.ErrOrStderr(), cfg.Logging),
	})
	if err != nil {
		return err
	}
	rp, err := reaper.New(reaper.Opts{Threads: mgr})
	if err != nil {
		return err
	}
	res, err := rp.SweepNow(cmd.Context())
	fmt.Fprintf(out, "Reaped %d threads\n", res.ThreadsReaped)
	return err
}
