package position

import (
	"sync"
	"time"
)

// Watchdog fires onTimeout whenever timeout passes without a Kick. It keeps
// running after firing, the same way a geolocation watch keeps reporting
// timeouts until a fix arrives or the watch is cleared.
type Watchdog struct {
	mu        sync.Mutex
	timer     *time.Timer
	timeout   time.Duration
	onTimeout func()
	stopped   bool
}

func NewWatchdog(timeout time.Duration, onTimeout func()) *Watchdog {
	w := &Watchdog{timeout: timeout, onTimeout: onTimeout}
	if timeout <= 0 {
		return w
	}
	w.timer = time.AfterFunc(timeout, w.fire)
	return w
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer.Reset(w.timeout)
	w.mu.Unlock()
	w.onTimeout()
}

func (w *Watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil || w.stopped {
		return
	}
	w.timer.Stop()
	w.timer.Reset(w.timeout)
}

func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
