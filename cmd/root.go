package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"facefind/internal/config"
	"facefind/internal/face"
	"facefind/internal/store"
	"facefind/internal/worker"
)

// Version is the application version.
const Version = "0.1.0"

var (
	cfg     *config.Config
	dbURL   string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:     "facefind",
	Short:   "Find a person in crowd videos by face",
	Version: Version,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
	cfg = config.Load()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

// openStore connects to the scan history database when one is configured.
// Returns (nil, nil) when persistence is disabled.
func openStore(ctx context.Context) (*store.Store, error) {
	url := dbURL
	if url == "" {
		url = cfg.Database.URL
	}
	if url == "" {
		return nil, nil
	}
	s, err := store.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return s, nil
}

// newDetector launches the face engine sidecar.
func newDetector(ctx context.Context) (face.Detector, func(), error) {
	w, err := worker.New(ctx, worker.Config{
		Command:     cfg.Worker.Command,
		ReadTimeout: cfg.Worker.ReadTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start face engine: %w", err)
	}
	return w, w.Close, nil
}
