package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// timeRound trims durations for display.
const timeRound = 10 * time.Millisecond

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the workspace and publish changes to the remote fileset",
	Long: `Walk the workspace, update per-file eligibility state, and run one publish
round against the remote ingest service. Only documents the server reports
missing are uploaded.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	stats, err := ws.index.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	fmt.Printf("Reconciled: %d added, %d changed, %d removed, %d unchanged\n",
		stats.Added, stats.Changed, stats.Removed, stats.Unchanged)

	pub, err := ws.publisher().Publish(ctx)
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	if pub.UpToDate {
		fmt.Printf("Fileset %s is up to date (%d candidates, %v)\n",
			ws.fileset, pub.Candidates, pub.Duration.Round(timeRound))
		return nil
	}
	fmt.Printf("Published to %s: %d candidates, %d uploaded, %d skipped (%v)\n",
		ws.fileset, pub.Candidates, pub.Uploaded, pub.Skipped, pub.Duration.Round(timeRound))
	return nil
}
