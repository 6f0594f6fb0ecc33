// Command mkfs formats, creates, and checks wicosfs volume images. It is
// a one-shot operator tool since wicosfs is a library-shaped filesystem
// core rather than a long-running daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wicos64/wicosfs/internal/config"
	"github.com/wicos64/wicosfs/internal/filesys"
	"github.com/wicos64/wicosfs/internal/version"
	"github.com/wicos64/wicosfs/internal/volumelog"
)

// resolveTarget picks the image path and sector count to act on: if
// configPath is set, internal/config.Load supplies both (plus the log
// level) from a layered config file and environment; otherwise the
// positional image-path argument and --sectors flag are used directly, for
// quick one-off invocations that don't warrant a wicosfs.json.
func resolveTarget(configPath string, args []string, sectors uint32) (path string, n uint32, level slog.Level, err error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", 0, slog.LevelInfo, err
		}
		return cfg.DevicePath, cfg.SectorCount, levelFromString(cfg.LogLevel), nil
	}
	return args[0], sectors, slog.LevelInfo, nil
}

func levelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mkfs",
		Short: "Format, create, and check wicosfs volume images",
	}
	root.AddCommand(formatCmd(), checkCmd(), versionCmd())
	return root
}

func formatCmd() *cobra.Command {
	var sectors uint32
	var verbose bool
	var configPath string
	cmd := &cobra.Command{
		Use:   "format [image-path]",
		Short: "Create and format a brand-new volume image",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" && len(args) != 1 {
				return fmt.Errorf("format: either pass an image-path or --config")
			}
			path, n, level, err := resolveTarget(configPath, args, sectors)
			if err != nil {
				return err
			}
			log := volumelog.Discard()
			if verbose {
				log = volumelog.New(path, level)
			}
			if err := filesys.Format(path, n, log); err != nil {
				return fmt.Errorf("format: %w", err)
			}
			fmt.Printf("formatted %s: %d sectors\n", path, n)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&sectors, "sectors", 4096, "total sector count for the new volume")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log bcache/filesys events to stderr at the configured log level (info without --config)")
	cmd.Flags().StringVar(&configPath, "config", "", "wicosfs.json config file (overrides image-path/--sectors)")
	return cmd
}

func checkCmd() *cobra.Command {
	var sectors uint32
	var configPath string
	cmd := &cobra.Command{
		Use:   "check [image-path]",
		Short: "Walk a volume and report consistency (read-only diagnostic, no repair)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" && len(args) != 1 {
				return fmt.Errorf("check: either pass an image-path or --config")
			}
			path, n, _, err := resolveTarget(configPath, args, sectors)
			if err != nil {
				return err
			}
			v, err := filesys.Mount(path, n, volumelog.Discard())
			if err != nil {
				return fmt.Errorf("check: mount: %w", err)
			}
			defer v.Done()

			report, err := runCheck(v)
			printReport(report)
			if err != nil {
				return err
			}
			if len(report.Problems) > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&sectors, "sectors", 4096, "total sector count of the existing volume")
	cmd.Flags().StringVar(&configPath, "config", "", "wicosfs.json config file (overrides image-path/--sectors)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build-time version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Get().String())
			return nil
		},
	}
}
