package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/urpmd/urpmd/pkg/types"
)

// Media, cache, and peer management command groups.

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Manage repository media",
}

var mediaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured media",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		media, err := a.store.ListMedia(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("%-25s %-10s %-8s %-8s %-8s %s\n", "NAME", "VERSION", "ARCH", "PRIO", "ENABLED", "LAST SYNC")
		for _, m := range media {
			fmt.Printf("%-25s %-10s %-8s %-8d %-8v %s\n",
				m.Name, m.Version, m.Arch, m.Priority, m.Enabled, m.LastSync.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var mediaAddCmd = &cobra.Command{
	Use:   "add <name> <relative-path>",
	Short: "Add a media",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		version, _ := cmd.Flags().GetString("version")
		arch, _ := cmd.Flags().GetString("arch")
		priority, _ := cmd.Flags().GetInt("priority")
		official, _ := cmd.Flags().GetBool("official")
		update, _ := cmd.Flags().GetBool("update")

		m := &types.Media{
			Name: args[0], ShortName: args[0], Version: version, Arch: arch,
			RelativePath: args[1], IsOfficial: official, Enabled: true,
			UpdateMedia: update, Priority: priority, Replication: types.ReplicationNone,
		}
		if err := a.store.AddMedia(context.Background(), m); err != nil {
			return err
		}
		a.audit.MediaChange(a.auth, "add", m.Name)
		fmt.Printf("✓ Added media %s (id %d)\n", m.Name, m.ID)
		return nil
	},
}

func init() {
	mediaAddCmd.Flags().String("version", "", "Distribution version this media serves")
	mediaAddCmd.Flags().String("arch", "x86_64", "Architecture")
	mediaAddCmd.Flags().Int("priority", 0, "Media priority (higher = preferred)")
	mediaAddCmd.Flags().Bool("official", false, "Mark as an official media")
	mediaAddCmd.Flags().Bool("update", false, "Mark as an update media")

	mediaCmd.AddCommand(mediaListCmd)
	mediaCmd.AddCommand(mediaAddCmd)
	mediaCmd.AddCommand(mediaRemoveCmd)
	mediaCmd.AddCommand(mediaEnableCmd)
	mediaCmd.AddCommand(mediaDisableCmd)

	cacheCmd.AddCommand(cacheInfoCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheCleanCmd)
	cacheCmd.AddCommand(cacheRebuildCmd)

	peerCmd.AddCommand(peerListCmd)
	peerCmd.AddCommand(peerDownloadsCmd)
	peerCmd.AddCommand(peerBlacklistCmd)
	peerCmd.AddCommand(peerUnblacklistCmd)
	peerCmd.AddCommand(peerCleanCmd)
}

var mediaRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a media and everything it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.RemoveMedia(context.Background(), args[0]); err != nil {
			return err
		}
		a.audit.MediaChange(a.auth, "remove", args[0])
		fmt.Printf("✓ Removed media %s\n", args[0])
		return nil
	},
}

var mediaEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a media",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setMediaEnabled(cmd, args[0], true) },
}

var mediaDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a media",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setMediaEnabled(cmd, args[0], false) },
}

func setMediaEnabled(cmd *cobra.Command, name string, enabled bool) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.SetMediaEnabled(context.Background(), name, enabled); err != nil {
		return err
	}
	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	a.audit.MediaChange(a.auth, verb, name)
	fmt.Printf("✓ %s media %s\n", verb, name)
	return nil
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the RPM download cache",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "List cached files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		files, err := a.store.ListCacheFiles(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("%-55s %-10s %-10s %s\n", "FILENAME", "SIZE", "SOURCE", "REFERENCED")
		for _, f := range files {
			fmt.Printf("%-55s %-10s %-10s %v\n", f.Filename, humanBytes(f.FileSize), f.Source, f.IsReferenced)
		}
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		files, bytes, err := a.store.CacheStats(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Files: %d\nTotal: %s\n", files, humanBytes(bytes))
		return nil
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete unreferenced cached files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		evictable, err := a.store.ListEvictableCacheFiles(ctx)
		if err != nil {
			return err
		}

		var freed int64
		for _, f := range evictable {
			path := f.FilePath
			if path == "" {
				path = filepath.Join(a.cfg.Store.CacheDir, f.Filename)
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "warning: failed to remove %s: %v\n", path, err)
				continue
			}
			if err := a.store.RemoveCacheFile(ctx, f.Filename); err != nil {
				return err
			}
			freed += f.FileSize
		}
		fmt.Printf("✓ Removed %d file(s), freed %s\n", len(evictable), humanBytes(freed))
		return nil
	},
}

var cacheRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the files-index search mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		media, err := a.store.ListMedia(ctx)
		if err != nil {
			return err
		}
		for _, m := range media {
			fmt.Printf("Rebuilding search index for %s...\n", m.Name)
			err := a.store.RebuildFTSIndex(ctx, m.ID, func(done int) {
				fmt.Printf("\r  %d rows", done)
			})
			fmt.Println()
			if err != nil {
				return err
			}
		}
		fmt.Println("✓ Search index rebuilt")
		return nil
	},
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Inspect LAN peers and their download provenance",
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently discovered peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		peers := a.facade.PeerClient.Discover(ctx)
		if len(peers) == 0 {
			fmt.Println("No peers discovered")
			return nil
		}
		for _, p := range peers {
			fmt.Printf("%s:%d alive=%v media=%v\n", p.Host, p.Port, p.Alive, p.Media)
		}
		return nil
	},
}

var peerDownloadsCmd = &cobra.Command{
	Use:   "downloads <host>",
	Short: "Show provenance for files downloaded from a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		rows, err := a.store.ListPeerDownloadsByHost(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%-50s %-10s %-20s %s\n", "FILENAME", "SIZE", "DATE", "SHA256")
		for _, r := range rows {
			fmt.Printf("%-50s %-10s %-20s %s\n",
				r.Filename, humanBytes(r.Size), r.Timestamp.Format("2006-01-02 15:04:05"), r.SHA256)
		}
		return nil
	},
}

var peerBlacklistCmd = &cobra.Command{
	Use:   "blacklist [host [port]]",
	Short: "List blacklisted peers, or blacklist one",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		if len(args) == 0 {
			rows, err := a.store.ListBlacklistedPeers(ctx)
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Printf("%s:%d  %s  (%s)\n", r.Host, r.Port, r.Reason, r.Timestamp.Format("2006-01-02 15:04:05"))
			}
			return nil
		}

		port := 0
		if len(args) == 2 {
			port, err = strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
		}
		if err := a.store.BlacklistPeer(ctx, args[0], port, "blacklisted by operator"); err != nil {
			return err
		}
		fmt.Printf("✓ Blacklisted %s\n", args[0])
		return nil
	},
}

var peerUnblacklistCmd = &cobra.Command{
	Use:   "unblacklist <host> [port]",
	Short: "Remove a peer from the blacklist",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		port := 0
		if len(args) == 2 {
			port, err = strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
		}
		if err := a.store.UnblacklistPeer(context.Background(), args[0], port); err != nil {
			return err
		}
		fmt.Printf("✓ Unblacklisted %s\n", args[0])
		return nil
	},
}

var peerCleanCmd = &cobra.Command{
	Use:   "clean <host>",
	Short: "Delete cached files attributed to a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		rows, err := a.store.ListPeerDownloadsByHost(ctx, args[0])
		if err != nil {
			return err
		}
		for _, r := range rows {
			path := r.FilePath
			if path == "" {
				path = filepath.Join(a.cfg.Store.CacheDir, r.Filename)
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "warning: failed to remove %s: %v\n", path, err)
			}
			_ = a.store.RemoveCacheFile(ctx, r.Filename)
		}
		if err := a.store.DeletePeerDownloadsByHost(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cleaned %d file(s) attributed to %s\n", len(rows), args[0])
		return nil
	},
}
