package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sembridge/sembridge/config"
)

var (
	initEndpoint       string
	initBackend        string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize sembridge in the current directory",
	Long: `Initialize sembridge by creating a .sembridge directory with configuration.

This command will:
- Create .sembridge/config.yaml with default settings
- Prompt for the remote ingest endpoint and storage backend
- Add .sembridge/ to .gitignore if present`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initEndpoint, "endpoint", "e", "", "Remote ingest endpoint URL")
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "State store backend (gob or postgres)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	if config.Exists(cwd) {
		fmt.Println("sembridge is already initialized in this directory.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(cwd))
		return nil
	}

	cfg := config.DefaultConfig()

	if !initNonInteractive {
		reader := bufio.NewReader(os.Stdin)

		if initEndpoint == "" {
			fmt.Printf("Remote ingest endpoint [%s]: ", cfg.Remote.Endpoint)
			input, _ := reader.ReadString('\n')
			if input = strings.TrimSpace(input); input != "" {
				cfg.Remote.Endpoint = input
			}
		} else {
			cfg.Remote.Endpoint = initEndpoint
		}

		if initBackend == "" {
			fmt.Println("\nSelect state store backend:")
			fmt.Println("  1) gob (local file, recommended for most projects)")
			fmt.Println("  2) postgres (shared table, for CI or multi-machine setups)")
			fmt.Print("Choice [1]: ")

			input, _ := reader.ReadString('\n')
			switch strings.TrimSpace(input) {
			case "2", "postgres":
				cfg.Store.Backend = "postgres"
				fmt.Print("PostgreSQL DSN: ")
				dsn, _ := reader.ReadString('\n')
				cfg.Store.Postgres.DSN = strings.TrimSpace(dsn)
			default:
				cfg.Store.Backend = "gob"
			}
		} else {
			cfg.Store.Backend = initBackend
		}
	} else {
		if initEndpoint != "" {
			cfg.Remote.Endpoint = initEndpoint
		}
		if initBackend != "" {
			cfg.Store.Backend = initBackend
		}
	}

	if err := cfg.Save(cwd); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	fmt.Printf("\nCreated configuration at %s\n", config.GetConfigPath(cwd))

	gitignorePath := filepath.Join(cwd, ".gitignore")
	if _, err := os.Stat(gitignorePath); err == nil {
		if err := appendToGitignore(gitignorePath, config.ConfigDir+"/"); err != nil {
			fmt.Printf("Warning: could not update .gitignore: %v\n", err)
		} else {
			fmt.Println("Added .sembridge/ to .gitignore")
		}
	}

	fmt.Println("\nsembridge initialized successfully!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Publish your first snapshot: sembridge sync")
	fmt.Println("  2. Search your code: sembridge search \"your query\"")
	return nil
}

// appendToGitignore adds entry to the file unless an equivalent line exists.
func appendToGitignore(path, entry string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == entry || trimmed == strings.TrimSuffix(entry, "/") {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	prefix := ""
	if len(content) > 0 && content[len(content)-1] != '\n' {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + entry + "\n")
	return err
}
