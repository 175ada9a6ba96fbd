package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent scans from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd.Context())
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 20, "Maximum number of scans to show")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		return fmt.Errorf("no database configured: set DATABASE_URL or pass --db")
	}
	defer db.Close(context.Background())

	scans, err := db.RecentScans(ctx, listLimit)
	if err != nil {
		return fmt.Errorf("failed to list scans: %w", err)
	}

	if len(scans) == 0 {
		fmt.Println("No scans recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tDETECTED\tTOLERANCE\tSKIP\tCREATED")
	fmt.Fprintln(w, "--\t-----\t--------\t---------\t----\t-------")

	for _, s := range scans {
		fmt.Fprintf(w, "%d\t%s\t%d/%d\t%.2f\t%d\t%s\n",
			s.ID, s.VideoPath, s.DetectedFrames, s.TotalFrames,
			s.Tolerance, s.FrameSkip, s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
