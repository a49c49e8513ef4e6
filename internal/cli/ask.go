package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/orca/internal/dispatch"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/transcript"
)

func newAskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [flags] <message>",
		Short: "Send one message through the dispatcher",
		Long: `Send one message as if it arrived on a channel. Quick questions print the
model's answer; tasks stream their events until the task finishes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runAsk,
	}
	cmd.Flags().String("channel", "cli", "Channel the message belongs to")
	cmd.Flags().BoolP("verbose", "v", false, "Print assistant text in full")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	channel, _ := cmd.Flags().GetString("channel")
	verbose, _ := cmd.Flags().GetBool("verbose")

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		_ = a.close(closeCtx)
	}()
	if err := a.start(ctx); err != nil {
		return err
	}

	reply, err := a.dispatcher.Handle(ctx, dispatch.Inbound{
		ChannelID: channel,
		Text:      strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch r := reply.(type) {
	case dispatch.QuickReply:
		fmt.Fprintln(out, r.Answer)
		return nil

	case dispatch.TaskReply:
		fmt.Fprintf(out, "task %s submitted\n", r.TaskID)
		formatter := &transcript.Formatter{Verbose: verbose}
		for evt := range r.Events {
			fmt.Fprintln(out, formatter.FormatEvent(evt))
		}
		if ctx.Err() != nil {
			// interrupted; don't leave the agent running
			_ = a.tasks.Cancel(context.WithoutCancel(ctx), r.TaskID)
		}

		a.dispatcher.Wait()
		t, err := a.tasks.Get(context.WithoutCancel(ctx), r.TaskID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, dispatch.Summary(t))
		if t.Status != protocol.TaskSucceeded {
			return fmt.Errorf("task %s %s", t.ID, t.Status)
		}
		return nil

	default:
		return fmt.Errorf("unexpected reply %T", reply)
	}
}
