package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/systemshift/git2p/internal/config"
	"github.com/systemshift/git2p/internal/dag"
)

var (
	// Set by the release build
	version = "dev"

	// Global flags
	repoDir   string
	cfgFile   string
	logLevel  string
	logFormat string
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitNotFound  = 2
	exitIntegrity = 3
)

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(color.Error, color.RedString("git2p: %v", err))
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case dag.IsIntegrity(err):
		return exitIntegrity
	case errors.Is(err, dag.ErrNotFound):
		return exitNotFound
	}
	return exitFailure
}

var rootCmd = &cobra.Command{
	Use:   "git2p",
	Short: "Peer-to-peer file sync with a git-like journal",
	Long: `git2p tracks files in a directory, records snapshots of them as an
append-only chain of content-addressed commits, and synchronizes that chain
with peers on the network by fast-forwarding to a peer's head.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoDir, "repo", "C", ".", "run as if started in this directory")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .git2p/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}

// setupLogger builds the logger from the flags, falling back to cfg.
func setupLogger(cfg *config.Config) *slog.Logger {
	lvl, format := logLevel, logFormat
	if cfg != nil {
		if lvl == "" {
			lvl = cfg.Log.Level
		}
		if format == "" {
			format = cfg.Log.Format
		}
	}

	var level slog.Level
	switch lvl {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// openRepo finds the repository containing repoDir and opens it.
func openRepo() (*dag.Repository, *config.Config, error) {
	root, err := dag.Find(repoDir)
	if err != nil {
		return nil, nil, err
	}
	path := cfgFile
	if path == "" {
		path = dag.RepoPath(root, dag.ConfigFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	repo, err := dag.Open(root, dag.Options{MaxWalkDepth: cfg.Sync.MaxWalkDepth})
	if err != nil {
		return nil, nil, err
	}
	return repo, cfg, nil
}

// openLocked opens the repository and takes the process lock. The returned
// func releases it.
func openLocked() (*dag.Repository, *config.Config, func(), error) {
	repo, cfg, err := openRepo()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := repo.Lock(); err != nil {
		return nil, nil, nil, err
	}
	return repo, cfg, func() { repo.Unlock() }, nil
}

// argPath resolves a command line path against the -C directory.
func argPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	base, err := filepath.Abs(repoDir)
	if err != nil {
		return p
	}
	return filepath.Join(base, p)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
