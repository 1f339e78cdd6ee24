package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/seatkeeper/internal/sdk"
)

func newUpdateCheckCmd(g *globals) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "update-check",
		Short: "Check the license server for a newer package version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				check := c.Updates().CheckForUpdate
				if force {
					check = c.Updates().ForceCheck
				}
				info, err := check(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if !info.UpdateAvailable {
					fmt.Fprintf(out, "You are running the latest version (%s)\n", info.CurrentVersion)
					return nil
				}
				fmt.Fprintf(out, "Update available: %s -> %s\n", info.CurrentVersion, info.LatestVersion)
				if info.Package != "" {
					fmt.Fprintf(out, "  Download: %s\n", info.Package)
				}
				if info.Requires != "" {
					fmt.Fprintf(out, "  Requires: %s\n", info.Requires)
				}
				if info.Tested != "" {
					fmt.Fprintf(out, "  Tested:   %s\n", info.Tested)
				}
				if info.UpgradeNotice != "" {
					fmt.Fprintf(out, "\n%s\n", info.UpgradeNotice)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "ignore the cached result")

	return cmd
}

func newPackageInfoCmd(g *globals) *cobra.Command {
	var section string

	cmd := &cobra.Command{
		Use:   "package-info",
		Short: "Show the product description served by the license server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *sdk.Client) error {
				pkg, err := c.Updates().PackageInfo(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if section != "" {
					text, ok := pkg.Sections[section]
					if !ok {
						return fmt.Errorf("section %q not found", section)
					}
					fmt.Fprintln(out, text)
					return nil
				}

				fmt.Fprintf(out, "Name:         %s\n", pkg.Name)
				fmt.Fprintf(out, "Slug:         %s\n", pkg.Slug)
				fmt.Fprintf(out, "Version:      %s\n", pkg.Version)
				if pkg.Author != "" {
					fmt.Fprintf(out, "Author:       %s\n", pkg.Author)
				}
				if pkg.Homepage != "" {
					fmt.Fprintf(out, "Homepage:     %s\n", pkg.Homepage)
				}
				if pkg.LastUpdated != "" {
					fmt.Fprintf(out, "Last updated: %s\n", pkg.LastUpdated)
				}
				if len(pkg.Sections) > 0 {
					names := make([]string, 0, len(pkg.Sections))
					for name := range pkg.Sections {
						names = append(names, name)
					}
					sort.Strings(names)
					fmt.Fprintf(out, "Sections:     %v\n", names)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&section, "section", "", "print one section, e.g. changelog")

	return cmd
}
