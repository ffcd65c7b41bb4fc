package round

import (
	"time"

	"go.dedis.ch/csbr/timer"
)

// fakeTimer never fires on its own: fakeTimerSource's caller decides when
// (or whether) to invoke the scheduled callback, so submission-window
// tests are deterministic instead of racing a real clock.
type fakeTimer struct {
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// scheduledCall is one AfterFunc registration a fakeTimerSource recorded.
type scheduledCall struct {
	delay time.Duration
	fire  func()
	timer *fakeTimer
}

// fakeTimerSource is a timer.Source that records every scheduled callback
// instead of running a real clock, so a test can fire a deadline (or leave
// it un-fired) exactly when it wants to.
type fakeTimerSource struct {
	calls []*scheduledCall
}

func (s *fakeTimerSource) AfterFunc(d time.Duration, f func()) timer.Timer {
	t := &fakeTimer{}
	s.calls = append(s.calls, &scheduledCall{delay: d, fire: f, timer: t})
	return t
}

// fireLast invokes the most recently scheduled, not-yet-stopped callback,
// mimicking whichever of the hard or flex deadlines a test wants to elapse.
func (s *fakeTimerSource) fireLast() {
	for i := len(s.calls) - 1; i >= 0; i-- {
		c := s.calls[i]
		if c.timer.stopped {
			continue
		}
		c.fire()
		return
	}
}
