package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdbenim/stash-empornium/internal/tags"
)

func newTagsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Inspect and move tag mappings",
	}
	cmd.AddCommand(newTagsListCommand(ctx))
	cmd.AddCommand(newTagsExportCommand(ctx))
	cmd.AddCommand(newTagsImportCommand(ctx))
	return cmd
}

// withEngine opens the mapping store for the duration of fn.
func withEngine(ctx *commandContext, fn func(*tags.Engine) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(tags.NewEngine(store))
}

func newTagsListCommand(ctx *commandContext) *cobra.Command {
	var tracker string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tag mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(ctx, func(engine *tags.Engine) error {
				mappings, err := engine.Mappings(cmd.Context(), tracker)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(mappings) == 0 {
					fmt.Fprintln(out, "No tag mappings")
					return nil
				}
				rows := make([][]string, 0, len(mappings))
				for _, m := range mappings {
					scope := m.Tracker
					if scope == tags.DefaultScope {
						scope = "default"
					}
					rows = append(rows, []string{m.Source, scope, m.Dest})
				}
				fmt.Fprintln(out, renderTable(out, []string{"Source", "Tracker", "Tag"}, rows))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tracker, "tracker", tags.DefaultScope, `Tracker scope ("*" for all)`)
	return cmd
}

func newTagsExportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write every tag and mapping to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(ctx, func(engine *tags.Engine) error {
				f, err := engine.Export(cmd.Context())
				if err != nil {
					return err
				}
				if err := tags.Save(args[0], f); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d tags to %s\n", len(f.Tags), args[0])
				return nil
			})
		},
	}
}

func newTagsImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge tags and mappings from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := tags.Load(args[0])
			if err != nil {
				return err
			}
			return withEngine(ctx, func(engine *tags.Engine) error {
				n, err := engine.Import(cmd.Context(), f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d tags from %s\n", n, args[0])
				return nil
			})
		},
	}
}
