package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/facefind/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetResults bool
	resetUploads bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (stored results, spooled uploads)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetResults && !resetUploads {
			resetResults = true
			resetUploads = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetResults {
			if confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete all stored results (%s backend)?", cfg.Store.Backend)) {
				fmt.Println("🗑️  Clearing Results...")
				st, err := openStore(cmd.Context(), cfg)
				if err != nil {
					utils.Die("Failed to open result store", err, nil)
				}
				if err := st.Reset(cmd.Context()); err != nil {
					st.Close()
					utils.Die("Failed to reset result store", err, nil)
				}
				st.Close()
			}
		}

		if resetUploads {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all spooled uploads?") {
				fmt.Println("🗑️  Clearing Uploads...")
				removeDir(uploadsDir(cfg))
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetResults, "results", false, "Clear stored task results and match frames")
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false, "Clear spooled upload files")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
