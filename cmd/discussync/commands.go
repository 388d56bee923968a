package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/discussync/internal/comments"
	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/oplog"
	"github.com/agentworkforce/discussync/internal/remote"
	"github.com/agentworkforce/discussync/internal/session"
)

// maxListPages bounds how far comment ls follows pagination.
const maxListPages = 50

func newUseCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use <project-id>",
		Short: "Select the project other commands and the daemon work on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// only the tracker; a running daemon may hold the operation log
			projects, err := session.NewProjectTracker(root.cfg.ProjectFile, root.logger(cmd))
			if err != nil {
				return err
			}
			if err := projects.Set(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "using project %s\n", projects.Current())
			return nil
		},
	}
}

func newCommentCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment",
		Short: "Add, edit, remove and list discussion comments",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <text>",
		Short: "Post a comment, queueing it when the API is unreachable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, projectID, err := openForProject(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()
			out, err := a.controller.Create(cmd.Context(), projectID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), "created", out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "edit <id> <text>",
		Short: "Edit a comment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCommentID(args[0])
			if err != nil {
				return err
			}
			a, projectID, err := openForProject(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()
			out, err := a.controller.Update(cmd.Context(), projectID, id, strings.Join(args[1:], " "))
			if err != nil && !errors.Is(err, comments.ErrQueued) {
				return err
			}
			printOutcome(cmd.OutOrStdout(), "updated", out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a comment",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCommentID(args[0])
			if err != nil {
				return err
			}
			a, projectID, err := openForProject(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()
			err = a.controller.Delete(cmd.Context(), projectID, id)
			var queued *comments.QueuedError
			switch {
			case errors.As(err, &queued):
				fmt.Fprintf(cmd.OutOrStdout(), "delete of %d queued: %v\n", id, queued.Err)
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List confirmed comments followed by the ones waiting to sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, projectID, err := openForProject(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()
			w := cmd.OutOrStdout()
			for page := 1; page <= maxListPages; page++ {
				listing, err := a.remote.ListComments(cmd.Context(), projectID, page)
				if err != nil {
					if !remote.IsTransient(err) {
						return err
					}
					fmt.Fprintf(w, "# remote listing unavailable: %v\n", err)
					break
				}
				for _, comment := range listing.Results {
					comment.State = discussion.StateConfirmed
					printComment(w, comment)
				}
				if listing.Next == nil {
					break
				}
			}
			pending, err := a.controller.Pending(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			for _, comment := range pending {
				printComment(w, comment)
			}
			return nil
		},
	})
	return cmd
}

func newQueueCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the operations waiting to sync",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, projectID, err := openForProject(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()
			w := cmd.OutOrStdout()
			for _, category := range oplog.DrainOrder {
				ops, err := a.log.Snapshot(cmd.Context(), projectID, category)
				if err != nil {
					return err
				}
				for _, op := range ops {
					target := op.CommentID
					if op.Action == discussion.ActionCreate {
						target = -op.TempID
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%q\n", category, op.ID, target, op.QueuedAt.Format(time.RFC3339), op.Text)
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop everything queued for the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, projectID, err := openForProject(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.controller.CloseSession(cmd.Context(), projectID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared queue for project %s\n", projectID)
			return nil
		},
	})
	return cmd
}

func newSyncCommand(root *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued operations against the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			var n int
			if all {
				n, err = a.drainAll(cmd.Context())
			} else {
				projectID, projectErr := a.project(root.Project)
				if projectErr != nil {
					return projectErr
				}
				n, err = a.engine.Drain(cmd.Context(), projectID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d operation(s)\n", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "sync every project with queued operations")
	return cmd
}

func openForProject(cmd *cobra.Command, root *rootOptions) (*app, string, error) {
	a, err := root.open(cmd, appOptions{})
	if err != nil {
		return nil, "", err
	}
	projectID, err := a.project(root.Project)
	if err != nil {
		_ = a.Close()
		return nil, "", err
	}
	return a, projectID, nil
}

func parseCommentID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: comment id %q", discussion.ErrInvalidInput, raw)
	}
	return id, nil
}

func printOutcome(w io.Writer, verb string, out comments.Outcome) {
	if out.Queued {
		fmt.Fprintf(w, "%s %d (queued: %v)\n", verb, out.Comment.ID, out.Cause)
		return
	}
	fmt.Fprintf(w, "%s %d\n", verb, out.Comment.ID)
}

func printComment(w io.Writer, c discussion.Comment) {
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, c.State, c.Username, c.Text)
}
