package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/masquerade/internal/utils"
	"github.com/andresmejia3/masquerade/internal/video"
)

var (
	resetDB    bool
	resetFiles bool
	resetDir   string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Run ledger, partial outputs)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = DB != nil
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if err := requireDB(); err != nil {
				utils.ShowError("Cannot reset the ledger", err, nil)
				return err
			}
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetFiles {
			partials, err := video.FindPartials(resetDir)
			if err != nil {
				utils.ShowError("Failed to search for partial outputs", err, nil)
				return err
			}
			if len(partials) == 0 {
				fmt.Printf("No partial outputs in %s.\n", resetDir)
			} else if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete %d partial outputs in %s?", len(partials), resetDir)) {
				fmt.Println("🗑️  Clearing Partial Outputs...")
				for _, p := range partials {
					removeFile(p)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the PostgreSQL run ledger")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Delete partial outputs left by interrupted runs")
	resetCmd.Flags().StringVar(&resetDir, "dir", ".", "Directory to search for partial outputs")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
