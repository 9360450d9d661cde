package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/queue"
	"github.com/tanq16/partdl/internal/session"
	"github.com/tanq16/partdl/internal/store"
	"github.com/tanq16/partdl/internal/transport"
	"github.com/tanq16/partdl/internal/utils"
)

var ErrFailedDownloads = errors.New("encountered failed download(s)")

type app struct {
	store   *store.Store
	queue   *queue.Manager
	display *output.Manager
}

func openApp() (*app, error) {
	st, err := store.Open(appConfig.StorePath)
	if err != nil {
		return nil, err
	}
	display := output.NewManager(os.Stdout)
	client := transport.NewClient(appConfig.Transport())
	q := queue.New(context.Background(), st, session.Config{Client: client, Listener: display.Observe})
	return &app{store: st, queue: q, display: display}, nil
}

func (a *app) Close() {
	a.queue.Close()
	a.store.Close()
}

// add registers each download and returns the keys that were accepted.
func (a *app) add(all []session.Options) ([]string, error) {
	var keys []string
	var errs []error
	for _, opts := range all {
		key, err := a.queue.Add(opts)
		if err != nil {
			output.PrintError(fmt.Sprintf("Cannot download %s: %v", opts.URL, err))
			errs = append(errs, err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, errors.Join(errs...)
}

// run downloads the sessions with at most `workers` in flight. An interrupt
// pauses whatever is still running so it can be resumed later.
func (a *app) run(keys []string, workers int) error {
	log := utils.GetLogger("runner")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, snap := range a.queue.Snapshots() {
		a.display.Update(snap)
	}
	a.display.StartDisplay()

	g := new(errgroup.Group)
	g.SetLimit(max(workers, 1))
	results := make([]error, len(keys))
	for i, key := range keys {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := a.queue.Start(key); err != nil {
				results[i] = err
				return nil
			}
			err := a.queue.Wait(ctx, key)
			if errors.Is(err, context.Canceled) {
				if err := a.queue.Pause(key); err != nil {
					log.Debug().Err(err).Str("session", key).Msg("Pause after interrupt")
				}
				return nil
			}
			results[i] = err
			return nil
		})
	}
	g.Wait()
	a.display.StopDisplay()

	var failed []error
	for _, err := range results {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if ctx.Err() != nil {
		output.PrintWarning("Interrupted, unfinished downloads were paused (use 'partdl resume')")
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", ErrFailedDownloads, errors.Join(failed...))
	}
	return nil
}

// optionsFor resolves an output path into a directory and optional filename.
func optionsFor(link, outputPath string, headers map[string]string) session.Options {
	dir, filename := ".", ""
	if outputPath != "" {
		if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
			dir = outputPath
		} else {
			dir, filename = filepath.Dir(outputPath), filepath.Base(outputPath)
		}
	}
	return appConfig.Options(link, dir, filename, headers)
}
