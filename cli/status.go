package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sembridge/sembridge/remote"
	"github.com/sembridge/sembridge/statestore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked-file state and the current local checkpoint",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	if _, err := ws.index.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}

	counts := ws.index.StateCounts()
	fmt.Printf("Workspace:  %s\n", ws.root)
	fmt.Printf("Fileset:    %s\n", ws.fileset)
	fmt.Printf("Endpoint:   %s\n", ws.cfg.Remote.Endpoint)
	fmt.Printf("Backend:    %s\n", ws.cfg.Store.Backend)
	fmt.Printf("Tracked:    %d files\n", ws.index.TrackedCount())
	fmt.Printf("  eligible:     %d\n", counts[statestore.StateEligible])
	fmt.Printf("  ineligible:   %d\n", counts[statestore.StateIneligible])
	fmt.Printf("  undetermined: %d\n", counts[statestore.StateUndetermined])

	candidates, err := ws.index.IngestCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect candidates: %w", err)
	}
	digests := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		digests = append(digests, cand.Digest)
	}
	fmt.Printf("Candidates: %d\n", len(candidates))
	fmt.Printf("Checkpoint: %s\n", remote.Checkpoint(digests))
	return nil
}
