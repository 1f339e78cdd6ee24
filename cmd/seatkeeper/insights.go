package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/seatkeeper/internal/insights"
	"github.com/MacJediWizard/seatkeeper/internal/sdk"
)

func newInsightsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Manage opt-in usage reports",
		Long:  insights.Explanation(),
	}

	cmd.AddCommand(
		newInsightsStatusCmd(g),
		newInsightsOptInCmd(g),
		newInsightsOptOutCmd(g),
		newInsightsSendCmd(g),
		newInsightsPreviewCmd(g),
		newInsightsUninstallCmd(g),
	)

	return cmd
}

func newInsightsStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether usage reports are enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				svc := c.Insights()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Opted in:     %t\n", svc.IsTrackingAllowed(ctx))
				fmt.Fprintf(out, "Notice:       %s\n", map[bool]string{true: "dismissed", false: "shown"}[svc.NoticeDismissed(ctx)])
				if last := svc.LastSend(ctx); !last.IsZero() {
					fmt.Fprintf(out, "Last report:  %s\n", last.UTC().Format(time.RFC3339))
				} else {
					fmt.Fprintln(out, "Last report:  never")
				}
				if svc.IsLocal() {
					fmt.Fprintln(out, "Local site:   yes")
				}
				return nil
			})
		},
	}
}

func newInsightsOptInCmd(g *globals) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "opt-in",
		Short: "Allow usage reports and send the first one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				if err := c.Insights().OptIn(ctx, force); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Usage reports enabled.")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "send a report even if one was sent recently")

	return cmd
}

func newInsightsOptOutCmd(g *globals) *cobra.Command {
	var hideNotice bool

	cmd := &cobra.Command{
		Use:   "opt-out",
		Short: "Stop sending usage reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				if err := c.Insights().OptOut(ctx, hideNotice); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Usage reports disabled.")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&hideNotice, "hide-notice", false, "do not ask again")

	return cmd
}

func newInsightsSendCmd(g *globals) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a usage report if one is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				sent, err := c.Insights().Send(ctx, force)
				if err != nil {
					return err
				}
				if sent {
					fmt.Fprintln(cmd.OutOrStdout(), "Usage report sent.")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "No usage report was due.")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "send even without consent or inside the interval")

	return cmd
}

func newInsightsPreviewCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Print the usage report that would be sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				data, err := c.Insights().Preview(ctx)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(data, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal report: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func newInsightsUninstallCmd(g *globals) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "uninstall-reason <reason>",
		Short: "Tell the vendor why the package is being removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				if err := c.Insights().SubmitUninstallReason(ctx, args[0], message); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Thank you for the feedback.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&message, "message", "", "additional details")

	return cmd
}
