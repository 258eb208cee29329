/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package capture

import (
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xerra-labs/dissect/pkg/dispatch"
)

// SignalPolicy wires the asynchronous signal handling spec.md §4.6
// describes. The teacher has no signal-handling code of its own (it is an
// HTTP client library); this is grounded directly on the spec's "volatile-
// equivalent atomics" design note (spec.md §9), expressed as sync/atomic
// flags checked at packet boundaries in Session.Run, plus a dedicated
// goroutine over os/signal.Notify for delivery.
type SignalPolicy struct {
	InfoSignal os.Signal // platform "info" signal, e.g. unix.SIGUSR1
	Verbose    bool      // enables the best-effort SIGALRM running counter
}

type signalState struct {
	breakRequested int32 // atomic bool
	log            *logrus.Entry
}

func newSignalState() *signalState {
	return &signalState{log: logrus.WithField("component", "capture.signals")}
}

func (s *signalState) requestBreak() { atomic.StoreInt32(&s.breakRequested, 1) }
func (s *signalState) breakIsRequested() bool { return atomic.LoadInt32(&s.breakRequested) == 1 }

// watchSignals installs the handlers for SIGINT/SIGTERM/SIGHUP/SIGPIPE
// (request a clean break), the configured info signal (deferred-aware
// statistics dump via Dispatcher.RequestInfo), SIGCHLD (reap rotation's
// post-rotate children), and, when verbose and writing to file, a running
// counter logged once a second from a ticker; in that mode SIGALRM is also
// caught, but a delivered SIGALRM does not itself trigger the counter. It
// returns a stop function that restores default signal handling.
func watchSignals(policy SignalPolicy, d *dispatch.Dispatcher, writingToFile bool) (*signalState, func()) {
	st := newSignalState()

	breakCh := make(chan os.Signal, 4)
	signal.Notify(breakCh, os.Interrupt, unix.SIGTERM, unix.SIGHUP, unix.SIGPIPE)

	var infoCh chan os.Signal
	if policy.InfoSignal != nil {
		infoCh = make(chan os.Signal, 1)
		signal.Notify(infoCh, policy.InfoSignal)
	}

	chldCh := make(chan os.Signal, 8)
	signal.Notify(chldCh, unix.SIGCHLD)

	var alarmCh chan os.Signal
	var ticker *time.Ticker
	if policy.Verbose && writingToFile {
		alarmCh = make(chan os.Signal, 1)
		signal.Notify(alarmCh, unix.SIGALRM)
		ticker = time.NewTicker(time.Second)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-breakCh:
				st.log.WithField("signal", sig).Info("requesting clean break from capture loop")
				st.requestBreak()
			case <-infoCh:
				d.RequestInfo()
			case <-chldCh:
				reapChildren(st.log)
			case <-alarmTick(ticker):
				stats := d.Stats()
				st.log.WithField("captured", stats.Captured).Info("running packet counter")
			}
		}
	}()

	return st, func() {
		close(done)
		signal.Stop(breakCh)
		if infoCh != nil {
			signal.Stop(infoCh)
		}
		signal.Stop(chldCh)
		if ticker != nil {
			ticker.Stop()
			signal.Stop(alarmCh)
		}
	}
}

// alarmTick adapts a possibly-nil ticker into a channel that blocks forever
// when ticking is disabled, so the select above doesn't need a nil check.
func alarmTick(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// reapChildren non-blockingly waits for any exited post-rotate children
// (spec.md §4.6: "the parent does not wait synchronously but must reap
// zombies via a SIGCHLD handler").
func reapChildren(log *logrus.Entry) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		log.WithField("pid", pid).Debug("reaped post-rotate child")
	}
}

// lowerChildPriority sets a post-rotate child to the lowest scheduling
// priority available, per spec.md §4.6 ("spawns a child process ... with
// reduced priority (lowest possible)").
func lowerChildPriority(pid int) {
	const lowestNiceness = 19
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, lowestNiceness); err != nil {
		logrus.WithError(err).WithField("pid", pid).Debug("failed to lower post-rotate child priority")
	}
}

