package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/orca/internal/transcript"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}
	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a task record and replay its events",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskShow,
	}
	show.Flags().BoolP("verbose", "v", false, "Print assistant text in full")
	cmd.AddCommand(show)
	return cmd
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	t, err := a.tasks.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("task %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "task:      %s\n", t.ID)
	fmt.Fprintf(out, "channel:   %s\n", t.ChannelID)
	fmt.Fprintf(out, "status:    %s\n", t.Status)
	if t.RepoRef != "" {
		fmt.Fprintf(out, "repo:      %s\n", t.RepoRef)
	}
	if t.ContainerID != "" {
		fmt.Fprintf(out, "container: %s\n", t.ContainerID)
	}
	fmt.Fprintf(out, "created:   %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.Error != nil {
		fmt.Fprintf(out, "error:     %s (%s)\n", t.Error.Message, t.Error.Kind)
	}

	events, err := a.tasks.Subscribe(ctx, t.ID)
	if err != nil {
		return err
	}
	formatter := &transcript.Formatter{Verbose: verbose}
	for evt := range events {
		fmt.Fprintln(out, formatter.FormatEvent(evt))
	}
	return nil
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "Print a channel's conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			maxTurns, _ := cmd.Flags().GetInt("max-turns")

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			turns, err := a.sessions.History(ctx, args[0], maxTurns)
			if err != nil {
				return err
			}
			formatter := transcript.NewFormatter()
			for _, turn := range turns {
				fmt.Fprintln(cmd.OutOrStdout(), formatter.FormatTurn(turn))
			}
			return nil
		},
	}
	cmd.Flags().Int("max-turns", 0, "Only print the most recent turns (0 prints all)")
	return cmd
}
