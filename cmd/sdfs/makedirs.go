package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
)

func makeDirsCommand() *cobra.Command {
	var keys bool
	var rows, cols int
	cmd := &cobra.Command{
		Use:   "make-dirs <root> <serial> [pages]",
		Short: "Create the deck skeleton: serial directory and page directories",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pages := 1
			if len(args) == 3 {
				n, err := strconv.Atoi(args[2])
				if err != nil || n < 1 {
					return fmt.Errorf("pages must be a positive integer, got %q", args[2])
				}
				pages = n
			}

			deckRoot := filepath.Join(args[0], args[1])
			if err := os.MkdirAll(deckRoot, 0o755); err != nil {
				return err
			}
			for p := 1; p <= pages; p++ {
				pageDir := filepath.Join(deckRoot, fmt.Sprintf("PAGE_%d", p))
				if err := os.MkdirAll(pageDir, 0o755); err != nil {
					return err
				}
				if !keys {
					continue
				}
				for r := 1; r <= rows; r++ {
					for c := 1; c <= cols; c++ {
						keyDir := filepath.Join(pageDir, fmt.Sprintf("KEY_%d,%d", r, c))
						if err := os.MkdirAll(keyDir, 0o755); err != nil {
							return err
						}
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s with %d page(s)\n", deckRoot, pages)
			return nil
		},
	}
	cmd.Flags().BoolVar(&keys, "keys", false, "also create every key directory")
	cmd.Flags().IntVar(&rows, "rows", 3, "key rows when --keys is set")
	cmd.Flags().IntVar(&cols, "cols", 5, "key columns when --keys is set")
	return cmd
}
