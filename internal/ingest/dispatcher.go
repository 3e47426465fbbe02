package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultFilePattern is the glob applied to arriving files when an entity's
// configuration does not name one.
const DefaultFilePattern = "*.csv"

// Dispatcher watches one directory tree for newly created files matching a
// glob and runs the entity processor for each arrival. Files are processed
// one at a time in arrival order; concurrency comes from running multiple
// dispatchers, one per watched directory.
type Dispatcher struct {
	root    string
	pattern string
	proc    *Processor
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher for root, filtering arrivals by pattern.
func NewDispatcher(root, pattern string, proc *Processor, log zerolog.Logger) *Dispatcher {
	if pattern == "" {
		pattern = DefaultFilePattern
	}
	return &Dispatcher{
		root:    root,
		pattern: pattern,
		proc:    proc,
		log: log.With().
			Str("entity", proc.Entity().Name).
			Str("watch_dir", root).
			Logger(),
	}
}

// Run watches the directory tree until ctx is cancelled. A file being
// processed when cancellation arrives runs to its terminal state before Run
// returns. Processing failures are logged and never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := d.watchTree(watcher, d.root); err != nil {
		return fmt.Errorf("watch %s: %w", d.root, err)
	}
	d.log.Info().Str("pattern", d.pattern).Msg("watching for new files")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				d.log.Warn().Err(err).Str("path", event.Name).Msg("stat created path")
				continue
			}
			if info.IsDir() {
				// fsnotify watches are not recursive; pick up new subtrees.
				if err := d.watchTree(watcher, event.Name); err != nil {
					d.log.Error().Err(err).Str("path", event.Name).Msg("watch new directory")
				}
				continue
			}
			if ok, _ := filepath.Match(d.pattern, filepath.Base(event.Name)); !ok {
				continue
			}
			d.handle(ctx, event.Name)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Error().Err(werr).Msg("watcher error")
		}
	}
}

func (d *Dispatcher) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (d *Dispatcher) handle(ctx context.Context, path string) {
	// A started file runs to a terminal state even during shutdown.
	res := d.proc.ProcessFile(context.WithoutCancel(ctx), path)
	switch res.Outcome {
	case OutcomeDone:
		d.log.Info().
			Str("file", path).
			Str("digest", res.Digest).
			Int64("rows", res.Rows).
			Msg("file ingested")
	case OutcomeSkipped:
		d.log.Info().
			Str("file", path).
			Str("digest", res.Digest).
			Msg("batch already processed")
	case OutcomeFailed:
		// The file is left in place for manual remediation or redelivery.
		d.log.Error().
			Err(res.Err).
			Str("file", path).
			Str("step", res.Step.String()).
			Msg("file processing failed")
	}
}
