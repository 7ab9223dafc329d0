package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdbenim/stash-empornium/internal/imagecache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the image cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Forget every uploaded image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rdb := connectRedis(cmd.Context(), cfg)
			if rdb == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Redis is not configured, nothing to flush")
				return nil
			}
			defer rdb.Close()
			if err := imagecache.New(rdb, nil, imagecache.Options{}).Flush(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Image cache flushed")
			return nil
		},
	})
	return cmd
}
