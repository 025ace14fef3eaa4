package sivcli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/sivusto/pkg/sivdb"
	"github.com/function61/sivusto/pkg/sivtypes"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
)

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		dbEntrypoint(),
		keyspaceEntrypoint(),
		fileEntrypoint(),
		layerEntrypoint(),
		siteEntrypoint(),
		deployEntrypoint(),
		workerEntrypoint(),
	}
}

func dbEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Metadata database operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "bootstrap",
		Short: "Initialize an empty metadata database",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logger := logex.StandardLogger()

			db, err := sivdb.Open(dbLocation())
			osutil.ExitIfError(err)
			defer db.Close()

			osutil.ExitIfError(sivdb.Bootstrap(db, logger))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show instance details",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			db, err := sivdb.Open(dbLocation())
			osutil.ExitIfError(err)
			defer db.Close()

			osutil.ExitIfError(db.View(func(tx *bbolt.Tx) error {
				instanceID, err := sivdb.CfgInstanceID.GetRequired(tx)
				if err != nil {
					return err
				}

				fmt.Printf("instanceId: %s\n", instanceID)

				return nil
			}))
		},
	})

	return cmd
}

func keyspaceEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyspace",
		Short: "File keyspace (tenant) operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create [name]",
		Short: "Create a keyspace with a fresh checksum salt",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				keyspace, err := a.files.CreateKeyspace(args[0])
				if err != nil {
					return err
				}

				fmt.Println(keyspace.ID)

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List keyspaces",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				keyspaces := []sivtypes.FileKeyspace{}

				if err := a.db.View(func(tx *bbolt.Tx) error {
					return sivdb.FileKeyspaceRepository.Each(sivdb.FileKeyspaceAppender(&keyspaces), tx)
				}); err != nil {
					return err
				}

				table(
					[]string{"Id", "Name", "Created"},
					lo.Map(keyspaces, func(keyspace sivtypes.FileKeyspace, _ int) []string {
						return []string{keyspace.ID, keyspace.Name, keyspace.Created.Format("2006-01-02")}
					}))

				return nil
			})
		},
	})

	return cmd
}

func fileEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "File store operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "store [keyspaceId] [localPath]",
		Short: `Store a file ("-" = stdin), prints its checksum`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				content := io.Reader(os.Stdin)

				if args[1] != "-" {
					file, err := os.Open(args[1])
					if err != nil {
						return err
					}
					defer file.Close()

					content = file
				}

				ref, err := a.files.StoreFile(ctx, args[0], content)
				if err != nil {
					return err
				}

				fmt.Println(hex.EncodeToString(ref.Checksum))

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cat [keyspaceId] [checksumHex]",
		Short: "Write a stored file's content to stdout",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				checksum, err := hex.DecodeString(args[1])
				if err != nil {
					return err
				}

				content, err := a.files.ReadFile(ctx, args[0], checksum)
				if err != nil {
					return err
				}

				_, err = os.Stdout.Write(content)

				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "gc-orphan-blobs",
		Short: "Delete blobs left behind by crashed stores (don't run while stores are in flight)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				collected, err := a.files.CollectOrphanBlobs(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("collected %d orphan blob(s)\n", collected)

				return nil
			})
		},
	})

	return cmd
}

// opens the app, runs fn, exits on error. commands don't need cancellation wiring
// beyond this (the long-running worker builds its own).
func withApp(fn func(ctx context.Context, a *app) error) {
	ctx := context.Background()

	a, err := openApp(ctx, logex.StandardLogger())
	osutil.ExitIfError(err)
	defer a.Close()

	osutil.ExitIfError(fn(ctx, a))
}

func table(headers []string, rows [][]string) {
	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader(headers)

	for _, row := range rows {
		tbl.Append(row)
	}

	tbl.Render()
}
