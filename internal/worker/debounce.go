package worker

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faaskit/hostchannel/internal/eventbus"
)

// fileWatchDebouncer filters FileEvents to this channel's watched
// extensions and coalesces bursts into at most one HostRestartEvent per
// quiet period.
type fileWatchDebouncer struct {
	workerID   string
	extensions map[string]struct{}
	window     time.Duration
	bus        eventbus.Bus
	sub        eventbus.Subscription

	mu    sync.Mutex
	timer *time.Timer
}

func newFileWatchDebouncer(workerID string, extensions []string, window time.Duration, bus eventbus.Bus) *fileWatchDebouncer {
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	d := &fileWatchDebouncer{workerID: workerID, extensions: exts, window: window, bus: bus}
	d.sub = bus.Subscribe(func(e eventbus.Event) bool {
		fe, ok := e.(FileEvent)
		return ok && fe.WorkerID == workerID && d.matches(fe.Path)
	})
	go d.pump()
	return d
}

func (d *fileWatchDebouncer) matches(path string) bool {
	if len(d.extensions) == 0 {
		return false
	}
	_, ok := d.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (d *fileWatchDebouncer) pump() {
	for range d.sub.C() {
		d.mu.Lock()
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timer = time.AfterFunc(d.window, d.fire)
		d.mu.Unlock()
	}
}

func (d *fileWatchDebouncer) fire() {
	d.bus.Publish(HostRestartEvent{WorkerID: d.workerID})
}

func (d *fileWatchDebouncer) close() {
	d.sub.Unsubscribe()
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
}
