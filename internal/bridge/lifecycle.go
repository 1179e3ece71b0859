package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Lifecycle arms an exit timer whenever the bridge goes idle in
// standalone mode. In pipe mode the process stays resident and the
// timer is never armed.
type Lifecycle struct {
	pipeMode bool
	idleExit time.Duration
	onExit   func()

	mu       sync.Mutex
	inflight int
	timer    *time.Timer
}

// NewLifecycle creates a controller. onExit runs on the timer goroutine
// once the idle delay elapses with no requests in flight.
func NewLifecycle(pipeMode bool, idleExit time.Duration, onExit func()) *Lifecycle {
	return &Lifecycle{pipeMode: pipeMode, idleExit: idleExit, onExit: onExit}
}

// RequestStarted registers an in-flight request and disarms any pending
// exit timer.
func (l *Lifecycle) RequestStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inflight++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// RequestFinished completes one request. When the last in-flight
// request finishes outside pipe mode, the exit timer is armed.
func (l *Lifecycle) RequestFinished() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inflight > 0 {
		l.inflight--
	}
	if l.inflight > 0 || l.pipeMode {
		return
	}

	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.idleExit, func() {
		log.Info().Dur("idle", l.idleExit).Msg("idle timeout reached, exiting")
		l.onExit()
	})
}

// Stop disarms any pending timer, used during shutdown.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
