package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// healthMonitor writes periodic keepalive pings while the worker is ready.
// It is advisory: it expects a pong but does not time out a missing one;
// liveness failures surface as write errors (broken pipe) which are routed
// into the manager's error transition via onError.
type healthMonitor struct {
	log       *zap.SugaredLogger
	interval  time.Duration
	writePing func() error
	onError   func(error)

	done     chan struct{}
	stopOnce sync.Once
}

func startHealthMonitor(log *zap.SugaredLogger, interval time.Duration, writePing func() error, onError func(error)) *healthMonitor {
	h := &healthMonitor{
		log:       log,
		interval:  interval,
		writePing: writePing,
		onError:   onError,
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *healthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}

		// re-check after waking up so a ping never races teardown
		select {
		case <-h.done:
			return
		default:
		}

		if err := h.writePing(); err != nil {
			h.log.Debugf("keepalive write failed: %s", err)
			h.onError(err)
			return
		}
		h.log.Debug("sent keepalive ping")
	}
}

// stop cancels the keepalive loop. Safe to call more than once and from the
// manager's transition handlers; it does not block on the loop goroutine.
func (h *healthMonitor) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}
