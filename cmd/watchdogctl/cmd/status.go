package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/osquery-go/watchdog/pkg/statusmirror"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot table of every live watchdog snapshot",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	reader, err := statusmirror.NewReader(redisAddr, redisDB, redisPass)
	if err != nil {
		return fmt.Errorf("connecting to status mirror: %w", err)
	}
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshots, err := reader.List(ctx)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	if len(snapshots) == 0 {
		fmt.Println("no live watchdog hosts reporting")
		return nil
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Hostname < snapshots[j].Hostname })

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Hostname", "Worker", "Restarts", "Extensions", "Age")

	for _, snap := range snapshots {
		table.Append(
			snap.Hostname,
			workerColumn(snap),
			strconv.Itoa(int(snap.WorkerRestartCount)),
			strconv.Itoa(len(snap.Extensions)),
			time.Since(snap.Timestamp).Round(time.Second).String(),
		)
	}

	table.Render()
	return nil
}

func workerColumn(snap statusmirror.Snapshot) string {
	if snap.WorkerRunning {
		return "up"
	}
	return "down"
}
