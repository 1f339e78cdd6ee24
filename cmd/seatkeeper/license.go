package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/seatkeeper/internal/license"
	"github.com/MacJediWizard/seatkeeper/internal/sdk"
)

func newActivateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <license-key>",
		Short: "Activate a license key for this installation",
		Long: `Activate a license key for this installation.

A different key that is already active is deactivated first. If the
license server still reports it active afterwards, the new key is not
activated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				msg, err := c.Activate(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return printStatus(ctx, cmd.OutOrStdout(), c)
			})
		},
	}
}

func newDeactivateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Release the license of this installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				msg, err := c.Deactivate(ctx)
				if errors.Is(err, license.ErrKeyNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "No license is active.")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored license without contacting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				return printStatus(ctx, cmd.OutOrStdout(), c)
			})
		},
	}
}

func newCheckCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Refresh the license status from the server",
		Long: `Refresh the license status from the server, as the periodic check does.

A license the server no longer accepts is marked inactive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				if err := c.License().CheckStatus(ctx); err != nil {
					return err
				}
				return printStatus(ctx, cmd.OutOrStdout(), c)
			})
		},
	}
}

func newDeviceIDCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "device-id",
		Short: "Print the device ID of this installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				id, err := c.DeviceID(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func printStatus(ctx context.Context, out io.Writer, c *sdk.Client) error {
	rec, err := c.License().License(ctx)
	if err != nil {
		return err
	}
	cfg := c.Config()

	fmt.Fprintf(out, "Product:      %s (%d)\n", cfg.Slug, cfg.ProductID)
	if cfg.IsFree {
		fmt.Fprintln(out, "License:      not required (free product)")
		return nil
	}

	key := "none"
	if rec.LicenseKey != "" {
		key = license.MaskKey(rec.LicenseKey)
	}
	fmt.Fprintf(out, "License:      %s\n", key)
	fmt.Fprintf(out, "Status:       %s\n", rec.Status)
	fmt.Fprintf(out, "Valid:        %t\n", c.IsValid(ctx))
	if c.License().IsUpdating(ctx) {
		fmt.Fprintln(out, "Updating:     yes")
	}

	if rec.LicenseKey == "" {
		return nil
	}

	if rec.Unlimited {
		fmt.Fprintf(out, "Activations:  %d (unlimited)\n", rec.Activations)
	} else {
		fmt.Fprintf(out, "Activations:  %d of %d (%d remaining)\n", rec.Activations, rec.Limit, rec.Remaining)
	}
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		fmt.Fprintf(out, "Expires:      %s\n", exp.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Expires:      never")
	}
	if next, ok := c.Scheduler().Next(cfg.HookName(sdk.HookLicenseCheck)); ok {
		fmt.Fprintf(out, "Next check:   %s\n", next.UTC().Format(time.RFC3339))
	}
	return nil
}
