package batch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const wakeDebounce = 500 * time.Millisecond

// dirWatcher turns filesystem events on the watch directory into wake-ups of
// the batch loop. Rapid events are coalesced so a copy in progress wakes the
// loop once it settles.
type dirWatcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	wake    chan struct{}
	doneCh  chan struct{}
}

func startWatcher(ctx context.Context, dir string, logger *zap.Logger) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	dw := &dirWatcher{
		watcher: w,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	go dw.run(ctx)
	logger.Debug("watching directory for new images", zap.String("dir", dir))
	return dw, nil
}

// C fires at most once per settled burst of image events. A nil watcher never fires.
func (dw *dirWatcher) C() <-chan struct{} {
	if dw == nil {
		return nil
	}
	return dw.wake
}

func (dw *dirWatcher) Close() {
	if dw == nil {
		return
	}
	if err := dw.watcher.Close(); err != nil {
		dw.logger.Warn("failed to close directory watcher", zap.Error(err))
	}
	<-dw.doneCh
}

func (dw *dirWatcher) run(ctx context.Context) {
	defer close(dw.doneCh)

	debounce := time.NewTimer(wakeDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if !IsImage(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(wakeDebounce)

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warn("directory watcher error", zap.Error(err))

		case <-debounce.C:
			select {
			case dw.wake <- struct{}{}:
			default:
			}
		}
	}
}
