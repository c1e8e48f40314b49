package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gigwork/conveyor/queue"
	"github.com/gigwork/conveyor/task"
)

var statsQueues []string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-queue task counts by state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		names := statsQueues
		if len(names) == 0 {
			for _, q := range queue.Defaults() {
				names = append(names, q.Name)
			}
		}

		states := []task.State{
			task.StatePending,
			task.StateRunning,
			task.StateRetrying,
			task.StateCompleted,
			task.StateFailed,
		}

		fmt.Printf("%-16s %8s %8s %9s %10s %7s %5s\n",
			"QUEUE", "PENDING", "RUNNING", "RETRYING", "COMPLETED", "FAILED", "DLQ")
		for _, name := range names {
			counts := make([]int64, len(states))
			for i, state := range states {
				n, err := st.CountTasks(ctx, task.CountOpts{Queue: name, State: state})
				if err != nil {
					return err
				}
				counts[i] = n
			}
			dead, err := svc.DLQStore().CountDLQ(ctx, name)
			if err != nil {
				return err
			}
			fmt.Printf("%-16s %8d %8d %9d %10d %7d %5d\n",
				name, counts[0], counts[1], counts[2], counts[3], counts[4], dead)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().StringSliceVar(&statsQueues, "queue", nil, "Queues to report (default: the four standard queues)")
	rootCmd.AddCommand(statsCmd)
}
