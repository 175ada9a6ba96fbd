package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"facefind/internal/scan"
	"facefind/internal/store"
	"facefind/internal/video"
)

var scanOpts struct {
	VideoPath  string
	PersonPath string
	OutputDir  string
	Tolerance  float64
	FrameSkip  int
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a video for a person and write an annotated copy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context())
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.VideoPath, "input", "i", "", "Path to the video to search")
	scanCmd.Flags().StringVarP(&scanOpts.PersonPath, "person", "p", "", "Path to a photo of the person to find")
	scanCmd.Flags().StringVarP(&scanOpts.OutputDir, "output", "o", "", "Output directory (default from FACEFIND_OUTPUT_DIR)")
	scanCmd.Flags().Float64VarP(&scanOpts.Tolerance, "tolerance", "t", scan.DefaultTolerance, "Face matching tolerance, 0.0-1.0 (lower is stricter)")
	scanCmd.Flags().IntVarP(&scanOpts.FrameSkip, "frame-skip", "n", scan.DefaultFrameSkip, "Run detection on every Nth frame, 1-20")

	scanCmd.MarkFlagRequired("input")
	scanCmd.MarkFlagRequired("person")
	rootCmd.AddCommand(scanCmd)
}

func runScan(ctx context.Context) error {
	outputDir := scanOpts.OutputDir
	if outputDir == "" {
		outputDir = cfg.Paths.OutputDir
	}

	detector, closeDetector, err := newDetector(ctx)
	if err != nil {
		return err
	}
	defer closeDetector()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close(context.Background())
	}

	var bar *progressbar.ProgressBar
	params := scan.Params{Tolerance: scanOpts.Tolerance, FrameSkip: scanOpts.FrameSkip}

	summary, err := scan.Process(ctx, scan.Options{
		PersonImagePath: scanOpts.PersonPath,
		VideoPath:       scanOpts.VideoPath,
		OutputDir:       outputDir,
		Params:          params,
		Detector:        detector,
		OnProps: func(props video.Properties) {
			bar = progressbar.NewOptions(props.TotalFrames,
				progressbar.OptionSetDescription("Scanning"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)
		},
		Progress: func(frame int) {
			if bar != nil {
				bar.Add(1)
			}
		},
	})
	if err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	if db != nil {
		rec := store.ScanRecord{
			VideoPath:      scanOpts.VideoPath,
			OutputPath:     summary.OutputPath,
			Tolerance:      params.Tolerance,
			FrameSkip:      params.FrameSkip,
			TotalFrames:    summary.TotalFrames,
			DetectedFrames: summary.DetectedFrames,
		}
		if _, err := db.SaveScan(ctx, rec, summary.Reference, summary.Timestamps); err != nil {
			log.Warnf("Failed to record scan: %v", err)
		}
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
