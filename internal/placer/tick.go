package placer

import (
	"context"
	"fmt"
	"time"

	"blockplacer/internal/eventbus"
	logx "blockplacer/pkg/logx"
)

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	s.mu.Lock()
	interval := s.cfg.Interval
	s.mu.Unlock()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		case d := <-s.resetCh:
			t.Reset(d)
			s.log.Debug("tick interval changed", logx.Duration("interval", d))
		case now := <-t.C:
			if s.tick(ctx, now) {
				return nil
			}
		}
	}
}

// tick runs one drain pass and dispatches the drained entries. It reports
// whether the scheduler reached its terminal state.
func (s *Service) tick(ctx context.Context, now time.Time) bool {
	var fx effects
	batch := s.drain(now, &fx)
	s.flush(&fx)

	if len(batch) > 0 {
		s.dispatch(context.WithoutCancel(ctx), batch)
	}
	if fx.stopped {
		s.log.Info("placer reached terminal state after shutdown request")
	}
	return fx.stopped
}

// drain performs the locked part of a tick.
func (s *Service) drain(now time.Time, fx *effects) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	cfg := s.cfg

	ids := s.sortedUsersLocked()
	var std, pri []string
	for _, u := range ids {
		if s.policy.HasCapability(u, PriorityTier) {
			pri = append(pri, u)
		} else {
			std = append(std, u)
		}
	}

	active := make(map[string]bool, len(ids))
	for _, u := range ids {
		if s.users[u].depth() > 0 {
			active[u] = true
		}
	}

	drained := make(map[string]int, len(active))
	batch := make([]Entry, 0, min(s.queued, min(s.queued, cfg.BlockCount)+min(s.queued, cfg.PriorityBlockCount)))
	batch = s.fetch(std, cfg.BlockCount, &s.cursorStd, drained, batch)
	batch = s.fetch(pri, cfg.PriorityBlockCount, &s.cursorPri, drained, batch)
	s.queued -= len(batch)

	elapsed := cfg.Interval.Seconds()
	if !s.lastTick.IsZero() {
		elapsed = now.Sub(s.lastTick).Seconds()
	}
	s.lastTick = now
	for u := range active {
		s.users[u].updateSpeed(drained[u], elapsed)
	}

	for _, u := range ids {
		st := s.users[u]
		if st.locked && (cfg.HardLimit <= 0 || st.depth() < cfg.SoftLimit) {
			st.locked = false
			st.informed = false
			delete(s.locked, u)
			fx.notify(u, msgUnlocked)
			fx.publish(eventbus.QueueUnlocked, u, map[string]any{"depth": st.depth(), "soft_limit": cfg.SoftLimit})
			s.log.Debug("queue unlocked", logx.String("user", u), logx.Int("depth", st.depth()))
		}
		if st.depth() == 0 && len(st.jobs) == 0 {
			s.forgetLocked(u)
		}
	}

	s.ticks++
	if cfg.TalkInterval > 0 && s.ticks%uint64(cfg.TalkInterval) == 0 {
		for _, u := range s.sortedUsersLocked() {
			if !s.policy.HasCapability(u, VerboseQueueStatus) {
				continue
			}
			st := s.users[u]
			bypass := s.policy.HasCapability(u, BypassQueueLimit)
			fx.notify(u, "You have "+StatusMessage(st.depth(), cfg.HardLimit, st.speed, bypass))
		}
	}

	if s.shutdown && len(batch) == 0 {
		s.stopped = true
		fx.stopped = true
		fx.publish(eventbus.PlacerStopped, "", map[string]any{"ticks": s.ticks})
	}
	return batch
}

// fetch drains up to budget entries round-robin across ids. The cursor is
// kept per tier between ticks. An empty queue at its turn yields nothing and
// the pass ends after a full lap without progress.
func (s *Service) fetch(ids []string, budget int, cursor *int, drained map[string]int, batch []Entry) []Entry {
	n := len(ids)
	if budget <= 0 || n == 0 {
		return batch
	}
	pos := *cursor % n
	idle := 0
	for budget > 0 && idle < n {
		u := ids[pos]
		pos = (pos + 1) % n
		e, ok := s.users[u].pop()
		if !ok {
			idle++
			continue
		}
		idle = 0
		budget--
		drained[u]++
		batch = append(batch, e)
	}
	*cursor = pos
	return batch
}

// dispatch hands entries to the executor in drain order. Failures and
// panics are logged and skipped.
func (s *Service) dispatch(ctx context.Context, batch []Entry) {
	for _, e := range batch {
		if done, ok := e.(JobDoneEntry); ok {
			s.finishJob(done)
			continue
		}
		if err := s.apply(ctx, e); err != nil {
			s.dispatchFailed.Add(1)
			s.lastDispatchErr.Store(err.Error())
			s.warnDispatch(e, err)
			continue
		}
		s.dispatched.Add(1)
	}
}

// finishJob releases a job whose queued entries have all been dispatched.
// It does nothing if the job was removed or its id now names another job.
func (s *Service) finishJob(e JobDoneEntry) {
	if e.Job == nil {
		return
	}
	if j, ok := e.Job.(interface{ SetStatus(string) }); ok {
		j.SetStatus("done")
	}
	s.removeJob(e.User, e.Job.ID(), e.Job)
}

func (s *Service) apply(ctx context.Context, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("placer: dispatch panic: %v", r)
		}
	}()
	switch v := e.(type) {
	case MutationEntry:
		return s.exec.ApplyValue(ctx, v.Session, v.Location, v.Value)
	case MaskEntry:
		return s.exec.ApplyMask(ctx, v.Session, v.Mask)
	default:
		return fmt.Errorf("placer: unknown entry %T", e)
	}
}

func (s *Service) warnDispatch(e Entry, err error) {
	now := time.Now().UnixNano()
	last := s.lastFailWarnAt.Load()
	if last != 0 && now-last < int64(warnThrottleEvery) {
		return
	}
	if !s.lastFailWarnAt.CompareAndSwap(last, now) {
		return
	}
	s.log.Warn("dispatch failed", logx.String("session", e.SessionID()), logx.Uint64("failed_total", s.dispatchFailed.Load()), logx.Err(err))
	eventbus.Publish(s.bus, eventbus.DispatchFailed, "", map[string]any{"session": e.SessionID(), "err": err.Error()})
}
