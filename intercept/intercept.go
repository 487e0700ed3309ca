// Package intercept provides a single point for catching OS shutdown
// signals (SIGINT, SIGTERM) and fanning the resulting shutdown request out
// to every long-running goroutine in the daemon. It mirrors the shutdown
// interceptor pattern used throughout the lnd codebase: construct once at
// process start, hand the *Interceptor to everything that needs to know
// when to stop, and let repeated signals force an immediate os.Exit.
package intercept

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Interceptor listens for shutdown signals and exposes a channel that is
// closed exactly once, the first time a shutdown is requested either by an
// OS signal or by a call to RequestShutdown.
type Interceptor struct {
	started int32

	shutdownChannel chan struct{}
	shutdownRequestChannel chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup

	Logger *zerolog.Logger
}

// New creates an Interceptor and starts the goroutine that listens for
// os.Interrupt / SIGTERM. Calling New more than once is a programmer error.
func New() (*Interceptor, error) {
	i := &Interceptor{
		shutdownChannel:        make(chan struct{}),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
	}

	signalsChan := make(chan os.Signal, 1)
	signal.Notify(signalsChan, interruptSignals...)

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for {
			select {
			case <-signalsChan:
				i.shutdown()
			case <-i.shutdownRequestChannel:
				i.shutdown()
			case <-i.quit:
				return
			}
		}
	}()

	return i, nil
}

// shutdown closes the shutdown channel once. A second signal while a
// shutdown is already underway forces an immediate hard exit, matching the
// lnd interceptor's "ctrl-c twice to force quit" behavior.
func (i *Interceptor) shutdown() {
	if !atomic.CompareAndSwapInt32(&i.started, 0, 1) {
		if i.Logger != nil {
			i.Logger.Warn().Msg("received additional shutdown signal, exiting immediately")
		}
		os.Exit(1)
	}
	if i.Logger != nil {
		i.Logger.Info().Msg("shutting down")
	}
	close(i.shutdownChannel)
}

// RequestShutdown allows any internal component (not just an OS signal) to
// trigger the same shutdown sequence, e.g. an unrecoverable protocol error
// on the UI pipe.
func (i *Interceptor) RequestShutdown() {
	select {
	case i.shutdownRequestChannel <- struct{}{}:
	default:
	}
}

// ShutdownChannel returns a channel that is closed once shutdown has been
// requested, by signal or otherwise. Long-running goroutines should select
// on it alongside their normal work.
func (i *Interceptor) ShutdownChannel() <-chan struct{} {
	return i.shutdownChannel
}

// ShuttingDown reports whether shutdown has already been triggered.
func (i *Interceptor) ShuttingDown() bool {
	select {
	case <-i.shutdownChannel:
		return true
	default:
		return false
	}
}

// Stop releases the signal-listening goroutine. Call once during the final
// stages of process exit.
func (i *Interceptor) Stop() {
	close(i.quit)
	i.wg.Wait()
}
