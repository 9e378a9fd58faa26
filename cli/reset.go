package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sembridge/sembridge/config"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the remote fileset and the local state table",
	Long: `Remove the published fileset from the remote service and drop the local
per-file state. The next sync republishes the workspace from scratch.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip the confirmation prompt")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	if !resetForce {
		fmt.Printf("This deletes fileset %q from %s and all local state. Continue? [y/N]: ",
			ws.fileset, ws.cfg.Remote.Endpoint)
		reader := bufio.NewReader(os.Stdin)
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input != "y" && input != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := ws.client.DeleteFileset(ctx, ws.fileset); err != nil {
		return fmt.Errorf("failed to delete remote fileset: %w", err)
	}
	fmt.Printf("Deleted remote fileset %s\n", ws.fileset)

	if _, err := ws.store.DeletePrefix(ctx, ""); err != nil {
		return fmt.Errorf("failed to clear state table: %w", err)
	}
	if err := os.Remove(config.GetStatePath(ws.root)); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Warning: could not remove state file: %v\n", err)
	}
	fmt.Println("Cleared local state. Run 'sembridge sync' to republish.")
	return nil
}
