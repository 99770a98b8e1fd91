package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdfs/sdfs/internal/entity"
	"github.com/sdfs/sdfs/internal/fsname"
)

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <root> <serial>",
		Short: "Print the parsed configuration tree of a deck",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deckRoot, err := filepath.Abs(filepath.Join(args[0], args[1]))
			if err != nil {
				return err
			}
			tree, problems, err := loadTree(deckRoot)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "deck %s\n", tree.Serial)
			printScope(out, tree.Deck, "  ")
			for _, page := range tree.Pages() {
				fmt.Fprintf(out, "  page %d%s\n", page.Name.Page, annotations(page))
				printScope(out, page, "    ")
				for _, key := range entity.Keys(page) {
					fmt.Fprintf(out, "    key %d,%d%s\n", key.Name.Row, key.Name.Col, annotations(key))
					for _, img := range entity.Images(key) {
						fmt.Fprintf(out, "      image %s\n", img.Base())
					}
					for _, txt := range entity.Texts(key) {
						fmt.Fprintf(out, "      text %s\n", txt.Base())
					}
					printScope(out, key, "      ")
				}
			}
			for _, p := range problems {
				fmt.Fprintf(out, "! %s\n", p)
			}
			return nil
		},
	}
}

// loadTree builds a static entity tree from disk, collecting paths the
// grammar rejects.
func loadTree(root string) (*entity.Tree, []string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, nil, err
	}
	tree := entity.NewTree(root)
	var problems []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return err
		}
		info, ierr := d.Info()
		mod := time.Time{}
		if ierr == nil {
			mod = info.ModTime()
		}
		if _, aerr := tree.Add(path, d.IsDir(), mod); aerr != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", path, aerr))
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(problems)
	return tree, problems, nil
}

func printScope(out io.Writer, scope *entity.Entity, indent string) {
	vars := entity.Variables(scope)
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(out, "%svar %s (%s)\n", indent, n, vars[n].Base())
	}
	kinds := make([]string, 0, len(fsname.EventKinds))
	events := entity.Events(scope)
	for _, k := range fsname.EventKinds {
		if _, ok := events[k]; ok {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) > 0 {
		fmt.Fprintf(out, "%sevents: %s\n", indent, strings.Join(kinds, ", "))
	}
}

func annotations(e *entity.Entity) string {
	var parts []string
	if n := e.DisplayName(); n != "" {
		parts = append(parts, "name="+n)
	}
	if v, _ := e.Name.Option("overlay"); v == "true" {
		parts = append(parts, "overlay")
	}
	if e.Disabled() {
		parts = append(parts, "disabled")
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
