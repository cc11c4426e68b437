// Command bktools-mount mounts an MK-DOS / Micro DOS (optionally
// AltPro-partitioned) disk image read-only as a POSIX filesystem.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/diaevd/bktools/internal/fusebridge"
	"github.com/diaevd/bktools/internal/vfs"
)

var (
	flagAutoUnmount bool
	flagAllowRoot   bool
	flagShowBad     bool
	flagShowDeleted bool
	flagInverted    bool
	flagOffset      int64
	flagSize        int64
	flagLogLevel    string
)

func main() {
	root := &cobra.Command{
		Use:   "bktools-mount IMAGE_PATH MOUNT_POINT",
		Short: "mount an MK-DOS / Micro DOS disk image read-only",
		Args:  cobra.ExactArgs(2),
		RunE:  runMount,
	}

	root.Flags().BoolVar(&flagAutoUnmount, "auto-unmount", false, "unmount automatically when the process exits")
	root.Flags().BoolVar(&flagAllowRoot, "allow-root", false, "allow root to access the mount (passed through as AllowOther)")
	root.Flags().BoolVar(&flagShowBad, "show-bad", false, "show entries flagged bad in directory listings")
	root.Flags().BoolVar(&flagShowDeleted, "show-deleted", false, "show deleted entries in directory listings")
	root.Flags().BoolVarP(&flagInverted, "use-inverted", "i", false, "the backing image is bit-inverted (XOR 0xFF)")
	root.Flags().Int64VarP(&flagOffset, "offset", "o", 0, "volume offset in blocks (requires --size)")
	root.Flags().Int64VarP(&flagSize, "size", "s", 0, "volume size in blocks (requires --offset)")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMount(cmd *cobra.Command, args []string) error {
	configureLogging()

	imagePath, mountPoint := args[0], args[1]

	if (flagOffset != 0) != (flagSize != 0) {
		return fmt.Errorf("--offset and --size must be given together")
	}

	vol, err := vfs.Open(imagePath, flagOffset, flagSize, vfs.Options{
		Inverted:    flagInverted,
		ShowDeleted: flagShowDeleted,
		ShowBad:     flagShowBad,
	})
	if err != nil {
		return fmt.Errorf("decode %s: %w", imagePath, err)
	}
	defer vol.Close()

	bridge := fusebridge.New(vol)

	mountOpts := &fuse.MountOptions{
		FsName:     "mkdosfs",
		Name:       "mkdosfs",
		AllowOther: flagAllowRoot,
	}
	if flagAutoUnmount {
		mountOpts.Options = append(mountOpts.Options, "auto_unmount")
	}

	server, err := fuse.NewServer(bridge, mountPoint, mountOpts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountPoint, err)
	}

	slog.Info("mounted", "image", imagePath, "mountpoint", mountPoint)
	server.Serve()
	return nil
}

func configureLogging() {
	level := flagLogLevel
	if envLevel := os.Getenv("BKTOOLS_LOG_LEVEL"); envLevel != "" {
		level = envLevel
	}

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
