// Package filewatch is the file-watcher plumbing the channel treats as an
// external collaborator: it watches a script root recursively and
// publishes a raw worker.FileEvent per change, doing no filtering or
// debouncing of its own.
package filewatch

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/faaskit/hostchannel/internal/eventbus"
	"github.com/faaskit/hostchannel/internal/worker"
	"github.com/faaskit/hostchannel/pkg/logging"
	"github.com/fsnotify/fsnotify"
)

// Watch recursively watches root and publishes worker.FileEvent{workerID,
// path} on bus for every write/create/rename under it, until ctx is
// canceled.
func Watch(ctx context.Context, workerID, root string, bus eventbus.Bus, logger *logging.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				bus.Publish(worker.FileEvent{WorkerID: workerID, Path: ev.Name})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("file watcher error")
			}
		}
	}()

	return nil
}
