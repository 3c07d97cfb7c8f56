package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/systemshift/git2p/internal/dag"
	"github.com/systemshift/git2p/internal/peer"
)

var (
	commitMessage string
	logLimit      int
	logOneline    bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create an empty repository",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var addCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Start tracking files or directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Stop tracking files (the files stay on disk)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked files",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show working tree changes relative to HEAD",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var commitCmd = &cobra.Command{
	Use:   "commit -m <message>",
	Short: "Record a snapshot of every tracked file",
	Args:  cobra.NoArgs,
	RunE:  runCommit,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the commit chain, newest first",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

var revertCmd = &cobra.Command{
	Use:   "revert <ref>",
	Short: "Restore the working tree to a commit's snapshot",
	Long: `Revert rewrites tracked files to match the given commit. HEAD does not
move: commit afterwards to record the restored state as a new commit.

A ref is HEAD, HEAD~N, a full commit id, or a unique prefix of a commit id
or of its hex digest.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevert,
}

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	commitCmd.MarkFlagRequired("message")
	logCmd.Flags().IntVarP(&logLimit, "max-count", "n", 0, "show at most n commits")
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "one line per commit")

	rootCmd.AddCommand(initCmd, addCmd, rmCmd, listCmd, statusCmd, commitCmd, logCmd, revertCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := repoDir
	if len(args) == 1 {
		dir = args[0]
	}
	repo, err := dag.Init(dir, dag.Options{})
	if err != nil {
		return err
	}
	id, err := peer.LoadIdentity(repo.Path(dag.IdentityFile))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized empty git2p repository in %s\n", repo.DataDir())
	fmt.Fprintf(out, "Peer id: %s (%s)\n", id.DID, peer.Petname(id.DID))
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	repo, _, unlock, err := openLocked()
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	for _, p := range args {
		added, err := repo.Tracker.Track(argPath(p))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rel := range added {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("tracking"), rel)
		}
	}
	return errors.Join(errs...)
}

func runRm(cmd *cobra.Command, args []string) error {
	repo, _, unlock, err := openLocked()
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	for _, p := range args {
		rel, err := repo.Tracker.Rel(argPath(p))
		if err == nil {
			err = repo.Tracker.Untrack(rel)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.RedString("untracked"), rel)
	}
	return errors.Join(errs...)
}

func runList(cmd *cobra.Command, args []string) error {
	repo, _, err := openRepo()
	if err != nil {
		return err
	}
	for _, p := range repo.Tracker.Tracked() {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func changeMark(k dag.ChangeKind) string {
	switch k {
	case dag.Added:
		return color.GreenString("A")
	case dag.Modified:
		return color.YellowString("M")
	case dag.Removed:
		return color.RedString("D")
	}
	return "?"
}

func runStatus(cmd *cobra.Command, args []string) error {
	repo, _, err := openRepo()
	if err != nil {
		return err
	}
	head, err := repo.Journal.Head()
	if err != nil {
		return err
	}
	changes, err := repo.Journal.Status()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "HEAD %s\n", color.YellowString(dag.ShortID(head)))
	if len(changes) == 0 {
		fmt.Fprintln(out, "nothing to commit, working tree matches HEAD")
		return nil
	}
	for _, c := range changes {
		fmt.Fprintf(out, "%s %s\n", changeMark(c.Kind), c.Path)
	}
	return nil
}

func runCommit(cmd *cobra.Command, args []string) error {
	repo, _, unlock, err := openLocked()
	if err != nil {
		return err
	}
	defer unlock()

	id, err := repo.Journal.Commit(commitMessage)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.YellowString(dag.CIDToFilename(id)), commitMessage)
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	repo, _, err := openRepo()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	n := 0
	for e, err := range repo.Journal.Log() {
		if err != nil {
			return err
		}
		if logLimit > 0 && n >= logLimit {
			break
		}
		printEntry(out, e)
		n++
	}
	return nil
}

func printEntry(out io.Writer, e dag.LogEntry) {
	if logOneline {
		fmt.Fprintf(out, "%s %s\n", color.YellowString(dag.ShortID(e.ID)), e.Commit.Message)
		return
	}
	fmt.Fprintf(out, "%s %s\n", color.YellowString("commit"), color.YellowString(dag.CIDToFilename(e.ID)))
	fmt.Fprintf(out, "Date:  %s\n", e.Commit.Timestamp.Local().Format("Mon Jan 2 15:04:05 2006 -0700"))
	fmt.Fprintf(out, "Files: %d\n\n", len(e.Commit.Tree))
	fmt.Fprintf(out, "    %s\n\n", e.Commit.Message)
}

func runRevert(cmd *cobra.Command, args []string) error {
	repo, _, unlock, err := openLocked()
	if err != nil {
		return err
	}
	defer unlock()

	id, err := repo.Journal.Revert(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Working tree restored to %s; commit to record it\n", color.YellowString(dag.ShortID(id)))
	return nil
}
