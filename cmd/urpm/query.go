package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urpmd/urpmd/pkg/types"
)

// Query-side subcommands: everything here is read-only against the
// store and the installed RPM database.

var searchCmd = &cobra.Command{
	Use:     "search <spec>",
	Aliases: []string{"s", "query", "q"},
	Short:   "Search packages by name or NEVRA across enabled media",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		pkgs, err := a.store.GetPackageSmart(context.Background(), args[0])
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			fmt.Printf("No package matches %q\n", args[0])
			return nil
		}
		for _, p := range pkgs {
			fmt.Printf("%-50s %-20s %s\n", p.NEVRA, p.MediaName, p.Summary)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <spec>",
	Aliases: []string{"info"},
	Short:   "Show detailed information for a package",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		pkgs, err := a.store.GetPackageSmart(context.Background(), args[0])
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			return fmt.Errorf("no package matches %q", args[0])
		}

		p := pkgs[0]
		fmt.Printf("Name      : %s\n", p.Name)
		fmt.Printf("Version   : %s\n", p.Version)
		fmt.Printf("Release   : %s\n", p.Release)
		fmt.Printf("Epoch     : %d\n", p.Epoch)
		fmt.Printf("Arch      : %s\n", p.Arch)
		fmt.Printf("Media     : %s\n", p.MediaName)
		fmt.Printf("Group     : %s\n", p.Group)
		fmt.Printf("Size      : %s (installed %s)\n", humanBytes(p.FileSize), humanBytes(p.InstalledSize))
		fmt.Printf("Summary   : %s\n", p.Summary)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		installed, err := a.engine.ListInstalled(context.Background())
		if err != nil {
			return err
		}
		for _, p := range installed {
			reason := ""
			if dep, err := a.resolver.IsDependencyReason(p.Name); err == nil && dep {
				reason = " (dependency)"
			}
			fmt.Printf("%s%s\n", p.NEVRA, reason)
		}
		return nil
	},
}

var providesCmd = &cobra.Command{
	Use:   "provides <spec>",
	Short: "List the capabilities a package provides",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		return printCapabilities(a, args[0], types.CapProvides)
	},
}

var dependsCmd = &cobra.Command{
	Use:     "depends <spec>",
	Aliases: []string{"d"},
	Short:   "List the capabilities a package requires",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		return printCapabilities(a, args[0], types.CapRequires)
	},
}

func printCapabilities(a *app, spec string, kind types.CapabilityKind) error {
	ctx := context.Background()
	pkgs, err := a.store.GetPackageSmart(ctx, spec)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		return fmt.Errorf("no package matches %q", spec)
	}
	caps, err := a.store.GetCapabilities(ctx, pkgs[0].ID, kind)
	if err != nil {
		return err
	}
	for _, c := range caps {
		if c.HasVer {
			fmt.Printf("%s %s %s\n", c.Name, c.Op, c.EVR)
			continue
		}
		fmt.Println(c.Name)
	}
	return nil
}

var whatprovidesCmd = &cobra.Command{
	Use:     "whatprovides <capability>",
	Aliases: []string{"wp"},
	Short:   "Find packages providing a capability",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		pkgs, err := a.store.WhatProvides(context.Background(), args[0])
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			fmt.Printf("Nothing provides %q\n", args[0])
			return nil
		}
		for _, p := range pkgs {
			fmt.Printf("%-50s %s\n", p.NEVRA, p.MediaName)
		}
		return nil
	},
}

var rdependsCmd = &cobra.Command{
	Use:     "rdepends <capability>",
	Aliases: []string{"rd"},
	Short:   "Find packages requiring a capability",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		pkgs, err := a.store.WhatRequires(context.Background(), args[0])
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			fmt.Printf("Nothing requires %q\n", args[0])
			return nil
		}
		for _, p := range pkgs {
			fmt.Printf("%-50s %s\n", p.NEVRA, p.MediaName)
		}
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:     "find <pattern>",
	Aliases: []string{"f"},
	Short:   "Find which packages own a file path",
	Long: `Searches the files index. A bare pattern matches the filename
exactly; use * and ? wildcards for substring matching across the full
path.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		files, err := a.store.SearchFiles(context.Background(), args[0], nil, limit)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Printf("No file matches %q\n", args[0])
			return nil
		}
		for _, f := range files {
			fmt.Printf("%s/%s: %s\n", f.DirPath, f.Filename, f.PkgNEVRA)
		}
		return nil
	},
}

func init() {
	findCmd.Flags().Int("limit", 100, "Maximum number of matches to print")
}
