package sivcli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/function61/sivusto/pkg/layerindex"
	"github.com/function61/sivusto/pkg/sivdb"
	"github.com/function61/sivusto/pkg/sivtypes"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
)

func layerEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layer",
		Short: "Layer set and build queue operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-create [source]",
		Short: "Create a layer set for a source (e.g. a git remote)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				layerSet, err := a.queue.CreateLayerSet(args[0])
				if err != nil {
					return err
				}

				fmt.Println(layerSet.ID)

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-ls",
		Short: "List layer sets",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				layerSets := []sivtypes.LayerSet{}

				if err := a.db.View(func(tx *bbolt.Tx) error {
					return sivdb.LayerSetRepository.Each(sivdb.LayerSetAppender(&layerSets), tx)
				}); err != nil {
					return err
				}

				table(
					[]string{"Id", "Source", "Last complete", "Next id"},
					lo.Map(layerSets, func(layerSet sivtypes.LayerSet, _ int) []string {
						return []string{
							layerSet.ID,
							layerSet.Source,
							strconv.FormatUint(layerSet.LastLayerID, 10),
							strconv.FormatUint(layerSet.NextLayerID+1, 10),
						}
					}))

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enqueue [layerSetId] [sourceCommit]",
		Short: "Queue a build of sourceCommit as the set's next layer",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				layer, err := a.queue.Enqueue(args[0], args[1])
				if err != nil {
					return err
				}

				fmt.Println(layer.ID)

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ls [layerSetId]",
		Short: "List a set's layers",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				layers, err := a.queue.ListLayers(args[0])
				if err != nil {
					return err
				}

				table(
					[]string{"Id", "Status", "Commit", "Worker", "Enqueued"},
					lo.Map(layers, func(layer sivtypes.Layer, _ int) []string {
						return []string{
							strconv.FormatUint(layer.ID, 10),
							string(layer.Status),
							layer.SourceCommit,
							layer.BuildWorker,
							layer.Enqueued.Format("2006-01-02 15:04:05"),
						}
					}))

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tree [layerSetId] [layerId]",
		Short: "List the file tree as visible at a layer (draft preview for non-complete layers)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				layerID, err := strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return err
				}

				return a.db.View(func(tx *bbolt.Tx) error {
					tree, err := layerindex.ListTree(args[0], layerID, tx)
					if err != nil {
						return err
					}

					table(
						[]string{"Path", "Layer", "File", "Content-Type"},
						lo.Map(tree, func(entry layerindex.TreeEntry, _ int) []string {
							return []string{
								entry.Path,
								strconv.FormatUint(entry.Layer, 10),
								entry.Member.File.AsHex(),
								entry.Member.Headers["Content-Type"],
							}
						}))

					return nil
				})
			})
		},
	})

	return cmd
}
