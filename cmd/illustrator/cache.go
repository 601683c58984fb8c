package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/illustrator/internal/artifact"
	"github.com/aristath/illustrator/internal/story"
)

func newCacheCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact stores",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "maintain",
			Short: "Delete expired cache files, then trim the cache to its size limit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArtifacts(g, func(cache *artifact.Cache, _ *artifact.Durable) error {
					writeMaintenance(cmd.OutOrStdout(), cache.PerformMaintenance())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "purge <story-id>",
			Short: "Delete every stored artifact of a story",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArtifacts(g, func(cache *artifact.Cache, durable *artifact.Durable) error {
					before := len(durable.Keys())
					durable.RemoveAllWithPrefix(story.Prefix(args[0]))
					cache.Remove(story.ReferenceKey(args[0]))
					durable.Flush()
					fmt.Fprintf(cmd.OutOrStdout(), "removed %d illustration(s) of %s\n", before-len(durable.Keys()), args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show memory and disk usage of both stores",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArtifacts(g, func(cache *artifact.Cache, durable *artifact.Durable) error {
					out := cmd.OutOrStdout()
					writeStats(out, "cache", cache.Stats())
					writeStats(out, "durable", durable.Stats())
					return nil
				})
			},
		},
	)
	return cmd
}

// withArtifacts opens both stores for fn and closes them afterwards.
func withArtifacts(g *globalOptions, fn func(*artifact.Cache, *artifact.Durable) error) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	stderr := g.stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	cache, durable, err := openArtifacts(cfg, g.logger(stderr), nil)
	if err != nil {
		return err
	}
	defer cache.Close()
	defer durable.Close()
	return fn(cache, durable)
}

func writeMaintenance(w io.Writer, r artifact.MaintenanceReport) {
	fmt.Fprintf(w, "expired: %d\ntrimmed: %d\nfreed:   %s\nremaining: %d file(s), %s\n",
		r.Expired, r.Trimmed, humanize.IBytes(uint64(max(r.BytesFreed, 0))),
		r.DiskFiles, humanize.IBytes(uint64(max(r.DiskBytes, 0))))
}

func writeStats(w io.Writer, name string, s artifact.Stats) {
	fmt.Fprintf(w, "%s: memory %d entries (%s), disk %d entries (%s)\n", name,
		s.MemoryEntries, humanize.IBytes(uint64(max(s.MemoryBytes, 0))),
		s.DiskEntries, humanize.IBytes(uint64(max(s.DiskBytes, 0))))
}
