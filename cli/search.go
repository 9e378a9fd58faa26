package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sembridge/sembridge/fusion"
	"github.com/sembridge/sembridge/git"
)

var (
	searchLimit   int
	searchJSON    bool
	searchInclude []string
	searchExclude []string
	searchContent bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the workspace across remote, ingested, and modified sources",
	Long: `Run one semantic query and merge the answers from the server-built index,
the published local-ingest fileset, and the locally modified files. Files with
local edits are answered from the working tree, never from stale index copies.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum number of results (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output results as JSON")
	searchCmd.Flags().StringArrayVar(&searchInclude, "include", nil, "Glob patterns to include (repeatable)")
	searchCmd.Flags().StringArrayVar(&searchExclude, "exclude", nil, "Glob patterns to exclude (repeatable)")
	searchCmd.Flags().BoolVarP(&searchContent, "content", "c", false, "Print matched content under each result")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	query := strings.Join(args, " ")

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	// Search needs current eligibility state; a quick pass over an already
	// reconciled workspace is cheap.
	if _, err := ws.index.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}

	var diffSet []string
	if git.IsGitRepo(ws.root) {
		diffSet, err = git.DiffSet(ctx, ws.root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not compute diff set: %v\n", err)
			diffSet = nil
		}
	}

	limit := searchLimit
	if limit <= 0 {
		limit = ws.cfg.Search.Limit
	}

	result, err := ws.coordinator().Search(ctx, query, diffSet, ws.index.TrackedCount(), fusion.Options{
		Limit:   limit,
		Include: searchInclude,
		Exclude: searchExclude,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		return printJSON(result)
	}
	printResults(result)
	return nil
}

func printJSON(result *fusion.Result) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func printResults(result *fusion.Result) {
	if len(result.Chunks) == 0 {
		fmt.Println("No results found.")
		return
	}

	for i, chunk := range result.Chunks {
		fmt.Printf("%d. %s:%d-%d (score: %.3f, %s)\n",
			i+1, chunk.Path, chunk.StartLine, chunk.EndLine, chunk.Score, chunk.Source)
		if searchContent && chunk.Content != "" {
			for _, line := range strings.Split(chunk.Content, "\n") {
				fmt.Printf("   | %s\n", line)
			}
		}
	}

	if result.Stale {
		fmt.Println("\nNote: locally modified files could not be searched in time; results for them may be stale.")
	}
}
