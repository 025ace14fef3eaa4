// Build worker: polls the queue for claimed work, turns a source tree into layer
// members and drives the layer through finalization. crash-safe: a worker dying
// mid-build just means its claim expires and the sweep re-enqueues the commit.
package buildworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/buildqueue"
	"github.com/function61/sivusto/pkg/filestore"
	"github.com/function61/sivusto/pkg/sivtypes"
	"github.com/function61/sivusto/pkg/sivutils"
	"github.com/robfig/cron/v3"
)

const (
	pollInterval  = 5 * time.Second
	sweepSchedule = "@every 1m" // expired-claim sweep
)

// hands out one source tree snapshot per build. Next returns io.EOF after the last file.
type Source interface {
	Commit() string
	Next() (path string, content io.ReadCloser, err error)
}

// resolves a layer's source commit to a readable tree snapshot
type SourceOpener func(ctx context.Context, layerSet string, sourceCommit string) (Source, error)

type Controller struct {
	workerID   string
	queue      *buildqueue.Queue
	files      *filestore.Store
	keyspaceID string
	openSource SourceOpener
	metrics    *workerMetrics
	logl       *logex.Leveled
}

// returns controller API and registers the run loop with start (maybe in a separate goroutine)
func New(
	queue *buildqueue.Queue,
	files *filestore.Store,
	keyspaceID string,
	openSource SourceOpener,
	logger *log.Logger,
	start func(fn func(context.Context) error),
) *Controller {
	c := &Controller{
		workerID:   sivutils.NewWorkerID(),
		queue:      queue,
		files:      files,
		keyspaceID: keyspaceID,
		openSource: openSource,
		metrics:    newWorkerMetrics(),
		logl:       logex.Levels(logex.NonNil(logger)),
	}

	start(func(ctx context.Context) error { return c.run(ctx) })

	return c
}

func (c *Controller) WorkerID() string {
	return c.workerID
}

func (c *Controller) run(ctx context.Context) error {
	sweep, err := cron.ParseStandard(sweepSchedule)
	if err != nil {
		return fmt.Errorf("parsing sweep schedule: %v", err)
	}

	c.logl.Info.Printf("worker %s starting", c.workerID)

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	sweepTimer := time.NewTimer(time.Until(sweep.Next(time.Now())))
	defer sweepTimer.Stop()

	for {
		// give priority to stop signal
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if err := c.buildOne(ctx); err != nil {
				c.logl.Error.Printf("buildOne: %v", err)
				errorBackoff(ctx)
			}
		case <-sweepTimer.C:
			swept, err := c.queue.RequeueExpired()
			if err != nil {
				c.logl.Error.Printf("RequeueExpired: %v", err)
			} else if swept > 0 {
				c.logl.Info.Printf("swept %d expired claim(s)", swept)
			}

			sweepTimer.Reset(time.Until(sweep.Next(time.Now())))
		}
	}
}

// to not bombard with errors at full speed. returns early on stop signal so shutdown
// stays prompt
func errorBackoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}
}

// claims the next queued layer and builds it to completion. no queued work is not an
// error. a failed build fails the layer but not the worker.
func (c *Controller) buildOne(ctx context.Context) error {
	layer, err := c.queue.Claim(c.workerID)
	if err != nil {
		if errors.Is(err, sivtypes.ErrNotFound) {
			return nil
		}
		return err
	}

	c.metrics.buildsStarted.Inc()

	if err := c.build(ctx, layer); err != nil {
		c.metrics.buildsFailed.Inc()
		c.logl.Error.Printf("build %s/%d: %v", layer.LayerSet, layer.ID, err)

		if failErr := c.queue.Fail(layer.LayerSet, layer.ID, c.workerID); failErr != nil {
			return fmt.Errorf("failing %s/%d after %v: %v", layer.LayerSet, layer.ID, err, failErr)
		}

		return nil
	}

	c.metrics.buildsSucceeded.Inc()

	return nil
}

func (c *Controller) build(ctx context.Context, layer *sivtypes.Layer) error {
	source, err := c.openSource(ctx, layer.LayerSet, layer.SourceCommit)
	if err != nil {
		return fmt.Errorf("opening source: %v", err)
	}

	started := time.Now()
	fileCount := 0

	for {
		path, content, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("source: %v", err)
		}

		fileRef, err := c.storeOne(ctx, path, content)
		if err != nil {
			return err
		}

		if err := c.queue.AppendFile(layer.LayerSet, layer.ID, c.workerID, path, fileRef, headersFor(path)); err != nil {
			return err
		}

		c.metrics.filesStored.Inc()
		fileCount++
	}

	if err := c.queue.StartFinalize(layer.LayerSet, layer.ID, c.workerID); err != nil {
		return err
	}

	if err := c.queue.Finalize(layer.LayerSet, layer.ID, c.workerID); err != nil {
		return err
	}

	c.logl.Info.Printf(
		"built %s/%d: %d file(s) in %s",
		layer.LayerSet,
		layer.ID,
		fileCount,
		time.Since(started))

	return nil
}

func (c *Controller) storeOne(ctx context.Context, path string, content io.ReadCloser) (*sivtypes.FileRef, error) {
	defer content.Close()

	fileRef, err := c.files.StoreFile(ctx, c.keyspaceID, content)
	if err != nil {
		return nil, fmt.Errorf("storing %s: %v", path, err)
	}

	return fileRef, nil
}
