package subscription

import "context"

// scheduleLocked arms the push timer for one interval. Each arming bumps
// the generation counter; a firing whose generation no longer matches
// belongs to a cancelled or superseded timer and does nothing.
func (s *Subscription) scheduleLocked() {
	s.timerGen++
	gen := s.timerGen
	s.timer = s.timers.Schedule(s.interval, func() { s.firePush(gen) })
}

// stopTimerLocked invalidates any pending firing. A firing already past
// its generation check finishes its cycle; Unsubscribe sequences after it
// via the subscription mutex.
func (s *Subscription) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// firePush runs one push-mode delivery: consume, hand rows to the
// callback, re-arm the timer. The callback runs outside the subscription
// mutex so it can acknowledge progress via AdvanceProgress.
func (s *Subscription) firePush(gen uint64) {
	ctx := context.Background()

	s.mu.Lock()
	if s.closed || gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	rows, err := s.consumeLocked(ctx)
	s.mu.Unlock()

	if err == nil && rows != nil {
		s.metrics.RecordPushDelivery(ctx, s.topic)
		s.callback(s, rows)
	}

	s.mu.Lock()
	if !s.closed && gen == s.timerGen {
		s.scheduleLocked()
	}
	s.mu.Unlock()
}
