package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sdfs/sdfs/internal/app"
)

// liveState mirrors the drop file a running instance maintains.
type liveState struct {
	Page       int `yaml:"page"`
	Brightness int `yaml:"brightness"`
}

func readState(root, serial string) (liveState, error) {
	var st liveState
	raw, err := os.ReadFile(filepath.Join(root, serial, app.StateFileName))
	if err != nil {
		return st, fmt.Errorf("no running instance state for %s: %w", serial, err)
	}
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("state file: %w", err)
	}
	return st, nil
}

// writeCommand drops a command file; the running instance consumes and
// deletes it through its watcher.
func writeCommand(root, serial string, body map[string]any) error {
	raw, err := yaml.Marshal(body)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, serial, app.CommandFileName), raw, 0o644)
}

func brightnessCommands() []*cobra.Command {
	get := &cobra.Command{
		Use:   "get-brightness <root> <serial>",
		Short: "Print the backlight level of a running instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := readState(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.Brightness)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set-brightness <root> <serial> <0..100>",
		Short: "Set the backlight level of a running instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var level int
			if _, err := fmt.Sscanf(args[2], "%d", &level); err != nil || level < 0 || level > 100 {
				return fmt.Errorf("brightness must be 0..100, got %q", args[2])
			}
			return writeCommand(args[0], args[1], map[string]any{"brightness": level})
		},
	}

	return []*cobra.Command{get, set}
}

func currentPageCommands() []*cobra.Command {
	get := &cobra.Command{
		Use:   "get-current-page <root> <serial>",
		Short: "Print the current page of a running instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := readState(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.Page)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set-current-page <root> <serial> <page>",
		Short: "Change the current page of a running instance",
		Long:  "The page argument is a number, a page name, or one of __first__, __next__, __previous__, __back__.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeCommand(args[0], args[1], map[string]any{"page": args[2]})
		},
	}

	return []*cobra.Command{get, set}
}
