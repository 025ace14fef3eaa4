package sivcli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/function61/sivusto/pkg/sivdb"
	"github.com/function61/sivusto/pkg/sivtypes"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
)

func siteEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Site operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create [siteId]",
		Short: "Create a site (e.g. example.com)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				_, err := a.deployments.CreateSite(args[0])
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List sites",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				sites := []sivtypes.Site{}

				if err := a.db.View(func(tx *bbolt.Tx) error {
					return sivdb.SiteRepository.Each(sivdb.SiteAppender(&sites), tx)
				}); err != nil {
					return err
				}

				table(
					[]string{"Id", "Live deployment", "Created"},
					lo.Map(sites, func(site sivtypes.Site, _ int) []string {
						return []string{site.ID, site.CurrentDeployment, site.Created.Format("2006-01-02")}
					}))

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-current [siteId] [deploymentId]",
		Short: "Atomically swap which deployment the site serves",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				return a.deployments.SetCurrent(args[0], args[1])
			})
		},
	})

	return cmd
}

func deployEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deployment operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create [siteId] [mount=layerSet/layerId[=subPath]]...",
		Short: "Compose pinned layer subtrees into a new deployment",
		Long: `Each projection maps a mount path to a subtree of one complete layer, e.g.:

  deploy create example.com /=AbCdEf/4 /blog/=GhIjKl/7=/posts/`,
		Args: cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				projections := []sivtypes.DeploymentProjection{}

				for _, serialized := range args[1:] {
					projection, err := parseProjection(serialized)
					if err != nil {
						return err
					}

					projections = append(projections, *projection)
				}

				deployment, err := a.deployments.CreateDeployment(args[0], projections)
				if err != nil {
					return err
				}

				fmt.Println(deployment.ID)

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ls [siteId]",
		Short: "List a site's deployments",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				deployments, err := a.deployments.ListDeployments(args[0])
				if err != nil {
					return err
				}

				table(
					[]string{"Id", "Created", "Projections"},
					lo.Map(deployments, func(deployment sivtypes.Deployment, _ int) []string {
						mounts := lo.Map(deployment.Projections, func(projection sivtypes.DeploymentProjection, _ int) string {
							return fmt.Sprintf("%s=%s/%d=%s", projection.MountPath, projection.LayerSet, projection.LayerID, projection.SubPath)
						})

						return []string{
							deployment.ID,
							deployment.Created.Format("2006-01-02 15:04:05"),
							strings.Join(mounts, " "),
						}
					}))

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve [deploymentId] [path]",
		Short: "Show which file a request path maps to",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(func(ctx context.Context, a *app) error {
				resolved, err := a.deployments.ResolvePath(args[0], args[1])
				if err != nil {
					return err
				}

				fmt.Printf(
					"%s -> layer %s/%d path %s\nfile %s\n",
					args[1],
					resolved.LayerSet,
					resolved.LayerID,
					resolved.LayerPath,
					resolved.File.AsHex())

				return nil
			})
		},
	})

	return cmd
}

// "mount=layerSet/layerId" or "mount=layerSet/layerId=subPath"
func parseProjection(serialized string) (*sivtypes.DeploymentProjection, error) {
	parts := strings.Split(serialized, "=")
	if len(parts) != 2 && len(parts) != 3 {
		return nil, fmt.Errorf("projection not in format mount=layerSet/layerId[=subPath]: %s", serialized)
	}

	layerSet, layerIDSerialized, found := strings.Cut(parts[1], "/")
	if !found {
		return nil, fmt.Errorf("projection layer not in format layerSet/layerId: %s", parts[1])
	}

	layerID, err := strconv.ParseUint(layerIDSerialized, 10, 64)
	if err != nil {
		return nil, err
	}

	projection := &sivtypes.DeploymentProjection{
		MountPath: parts[0],
		LayerSet:  layerSet,
		LayerID:   layerID,
		SubPath:   "/",
	}

	if len(parts) == 3 {
		projection.SubPath = parts[2]
	}

	return projection, nil
}
