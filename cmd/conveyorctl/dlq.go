package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigwork/conveyor/id"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and remediate dead-lettered tasks",
}

var (
	dlqQueue string
	dlqLimit int
	dlqJSON  bool
)

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks, newest failure first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		entries, err := svc.ListFailed(cmd.Context(), dlqQueue, dlqLimit)
		if err != nil {
			return err
		}

		if dlqJSON {
			b, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %-16s  attempts=%d/%d  failed=%s  err=%q\n",
				e.ID, e.Queue, e.Attempts, e.MaxAttempts,
				e.FailedAt.Format(time.RFC3339), e.Error)
		}
		fmt.Printf("%d entries\n", len(entries))
		return nil
	},
}

var (
	retryAll   bool
	retryQueue string
)

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [entry-id...]",
	Short: "Re-enqueue dead-lettered tasks with a fresh retry budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if retryAll {
			if len(args) > 0 {
				return fmt.Errorf("cannot combine --all with explicit entry IDs")
			}
			n, err := svc.RetryAll(ctx, retryQueue)
			if err != nil {
				return err
			}
			fmt.Printf("retried %d entries from %q\n", n, retryQueue)
			return nil
		}

		if len(args) == 0 {
			return fmt.Errorf("no entry IDs given (or use --all --queue)")
		}

		entryIDs, err := parseEntryIDs(args)
		if err != nil {
			return err
		}

		if retryQueue != "" {
			tasks, err := svc.RetryBatch(ctx, retryQueue, entryIDs)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("retried as %s on %q\n", t.ID, t.Queue)
			}
			return nil
		}

		for _, entryID := range entryIDs {
			t, err := svc.Retry(ctx, entryID)
			if err != nil {
				return fmt.Errorf("retry %s: %w", entryID, err)
			}
			fmt.Printf("retried as %s on %q\n", t.ID, t.Queue)
		}
		return nil
	},
}

var (
	removeAll   bool
	removeQueue string
)

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove [entry-id...]",
	Short: "Permanently discard dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if removeAll {
			if len(args) > 0 {
				return fmt.Errorf("cannot combine --all with explicit entry IDs")
			}
			n, err := svc.RemoveAll(ctx, removeQueue)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d entries from %q\n", n, removeQueue)
			return nil
		}

		if len(args) == 0 {
			return fmt.Errorf("no entry IDs given (or use --all --queue)")
		}
		if removeQueue == "" {
			return fmt.Errorf("--queue is required when removing entries")
		}

		entryIDs, err := parseEntryIDs(args)
		if err != nil {
			return err
		}
		if err := svc.Remove(ctx, removeQueue, entryIDs); err != nil {
			return err
		}
		fmt.Printf("removed %d entries\n", len(entryIDs))
		return nil
	},
}

var purgeBefore time.Duration

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Discard dead-lettered tasks older than a cutoff",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cutoff := time.Now().Add(-purgeBefore)
		n, err := svc.DLQStore().PurgeDLQ(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d entries older than %s\n", n, purgeBefore)
		return nil
	},
}

func parseEntryIDs(args []string) ([]id.DLQID, error) {
	out := make([]id.DLQID, 0, len(args))
	for _, arg := range args {
		entryID, err := id.ParseDLQID(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid entry ID %q: %w", arg, err)
		}
		out = append(out, entryID)
	}
	return out, nil
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqQueue, "queue", "", "Filter by originating queue")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Maximum entries to show")
	dlqListCmd.Flags().BoolVar(&dlqJSON, "json", false, "JSON output")

	dlqRetryCmd.Flags().BoolVar(&retryAll, "all", false, "Retry every entry in --queue")
	dlqRetryCmd.Flags().StringVar(&retryQueue, "queue", "", "Scope the retry to one queue")

	dlqRemoveCmd.Flags().BoolVar(&removeAll, "all", false, "Remove every entry in --queue")
	dlqRemoveCmd.Flags().StringVar(&removeQueue, "queue", "", "Scope the removal to one queue")

	dlqPurgeCmd.Flags().DurationVar(&purgeBefore, "older-than", 7*24*time.Hour, "Purge entries that failed longer ago than this")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqRemoveCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
