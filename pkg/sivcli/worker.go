package sivcli

import (
	"context"
	"log"
	"net/http"

	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/sivusto/pkg/buildworker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func workerEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Build worker operations",
	}

	metricsAddr := ""

	serveCmd := &cobra.Command{
		Use:   "serve [keyspaceId] [sourceDir]",
		Short: "Run a build worker that builds queued layers from a source directory",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			ctx, cancel := context.WithCancel(osutil.CancelOnInterruptOrTerminate(rootLogger))
			defer cancel()

			osutil.ExitIfError(serveWorker(ctx, args[0], args[1], metricsAddr, rootLogger))
		},
	}

	serveCmd.Flags().StringVarP(&metricsAddr, "metrics-addr", "", metricsAddr, "Serve Prometheus metrics at this address (e.g. :9094)")

	cmd.AddCommand(serveCmd)

	return cmd
}

func serveWorker(ctx context.Context, keyspaceID string, sourceDir string, metricsAddr string, logger *log.Logger) error {
	a, err := openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// each build re-walks the directory, so edits between enqueues show up in the
	// next layer. commit ids here are just labels.
	opener := func(ctx context.Context, layerSet string, sourceCommit string) (buildworker.Source, error) {
		return buildworker.NewDirSource(sourceDir, sourceCommit)
	}

	tasks := taskrunner.New(ctx, logger)

	controller := buildworker.New(
		a.queue,
		a.files,
		keyspaceID,
		opener,
		logex.Prefix("buildworker", logger),
		func(fn func(context.Context) error) {
			tasks.Start("buildworker", fn)
		})

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(a.blobs.Collectors()...)
		registry.MustRegister(controller.Collectors()...)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		srv := &http.Server{
			Addr:    metricsAddr,
			Handler: mux,
		}

		tasks.Start("metrics "+metricsAddr, func(_ context.Context) error {
			return httputils.RemoveGracefulServerClosedError(srv.ListenAndServe())
		})

		tasks.Start("metricsshutdowner", httputils.ServerShutdownTask(srv))
	}

	return tasks.Wait()
}
