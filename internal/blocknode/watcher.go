package blocknode

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/tendermint/blockstream/libs/log"
	bsos "github.com/tendermint/blockstream/libs/os"
)

const watchedOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

// nodesWatcher calls onChange whenever the block node list file is created,
// written, removed or renamed. The parent directory is watched so that the
// file may come and go.
type nodesWatcher struct {
	logger   log.Logger
	path     string
	watcher  *fsnotify.Watcher
	onChange func()
}

func newNodesWatcher(logger log.Logger, path string, onChange func()) (*nodesWatcher, error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := bsos.EnsureDir(dir, 0700); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &nodesWatcher{
		logger:   logger,
		path:     path,
		watcher:  watcher,
		onChange: onChange,
	}, nil
}

// run delivers change notifications until ctx is done or the watcher is
// closed.
func (w *nodesWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&watchedOps == 0 {
				continue
			}
			w.logger.Debug("block node list changed", "path", w.path, "op", event.Op.String())
			w.onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("error watching block node list", "path", w.path, "err", err)
		}
	}
}

func (w *nodesWatcher) close() error {
	return w.watcher.Close()
}
