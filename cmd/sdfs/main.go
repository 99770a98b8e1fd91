// Command sdfs drives an illuminated key grid from a directory tree.
// Every aspect of what the device shows and runs is encoded in file
// and directory names under <root>/<serial>.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sdfs/sdfs/internal/app"
	"github.com/sdfs/sdfs/internal/config"
	"github.com/sdfs/sdfs/internal/device"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "sdfs",
		Short:         "Drive a key-grid device from a directory tree",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(runCommand(), inspectCommand(), makeDirsCommand())
	rootCmd.AddCommand(brightnessCommands()...)
	rootCmd.AddCommand(currentPageCommands()...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	var (
		rows    int
		cols    int
		keySize int
	)
	cmd := &cobra.Command{
		Use:   "run <root> <serial>",
		Short: "Watch a deck directory and drive the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deckRoot, err := filepath.Abs(filepath.Join(args[0], args[1]))
			if err != nil {
				return err
			}
			if _, err := os.Stat(deckRoot); err != nil {
				return fmt.Errorf("deck directory: %w", err)
			}

			cfg, err := config.Load(deckRoot)
			if err != nil {
				return err
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.Level(),
			}))

			// The USB transport is an external collaborator; the built-in
			// device renders headlessly with the configured geometry.
			dev := device.NewFakeWithGeometry(args[1], device.Geometry{
				Rows: rows, Cols: cols, KeySize: keySize,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting", "root", deckRoot, "serial", args[1])
			return app.New(deckRoot, dev, cfg, log).Run(ctx)
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 3, "key rows on the device")
	cmd.Flags().IntVar(&cols, "cols", 5, "key columns on the device")
	cmd.Flags().IntVar(&keySize, "key-size", 72, "key bitmap size in pixels")
	return cmd
}
