package flowrun

import (
	"context"
	"time"

	"github.com/randalmurphal/flowrun/pkg/flowrun/event"
	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
)

// Subscribe streams the events of one run.
//
// The stream starts with the run's current status, replays every recorded
// step, then follows live events. Live steps already replayed are skipped by
// sequence, and steps lost to a slow consumer are backfilled from the store.
// A keep-alive event is sent whenever the stream has been idle for the
// keep-alive interval. The channel is closed after the terminal status
// event, or when ctx is done.
func (e *Engine) Subscribe(ctx context.Context, runID string) (<-chan event.Event, error) {
	// Subscribe before reading the record so no event falls in between.
	sub := e.cfg.broadcaster.Subscribe(runID)

	run, err := e.currentRun(ctx, runID)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	out := make(chan event.Event)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		s := &stream{e: e, ctx: ctx, runID: runID, out: out, last: -1}
		s.run(run, sub.Events())
	}()
	return out, nil
}

// stream delivers one subscription.
type stream struct {
	e     *Engine
	ctx   context.Context
	runID string
	out   chan<- event.Event
	last  int // highest step sequence delivered
}

func (s *stream) run(initial *model.RunState, live <-chan event.Event) {
	if !s.send(event.Status(initial)) || !s.backfill(-1) {
		return
	}
	if initial.Status.IsTerminal() {
		return
	}

	keepAlive := time.NewTicker(s.e.cfg.keepAlive)
	defer keepAlive.Stop()
	idle := true

	for {
		select {
		case <-s.ctx.Done():
			return

		case evt, ok := <-live:
			if !ok {
				// Broadcaster closed; finish from the record.
				s.drain()
				return
			}
			idle = false
			if seq, isLog := evt.Sequence(); isLog {
				if seq <= s.last {
					continue
				}
				if seq > s.last+1 && !s.backfill(seq) {
					return
				}
				s.last = seq
			}
			if evt.IsTerminal() {
				if s.backfill(-1) {
					s.send(evt)
				}
				return
			}
			if !s.send(evt) {
				return
			}

		case <-keepAlive.C:
			if !idle {
				idle = true
				continue
			}
			// A terminal status may have been dropped; check the record.
			if run, err := s.e.currentRun(s.ctx, s.runID); err == nil && run.Status.IsTerminal() {
				if s.backfill(-1) {
					s.send(event.Status(run))
				}
				return
			}
			if !s.send(event.KeepAlive(s.runID)) {
				return
			}
		}
	}
}

// backfill sends stored steps after s.last and before upTo. A negative upTo
// means every stored step.
func (s *stream) backfill(upTo int) bool {
	steps, err := s.e.store.LoadSteps(s.ctx, s.runID)
	if err != nil {
		s.e.cfg.logger.Warn("subscription backfill failed", "run_id", s.runID, "error", err)
		return true
	}
	for _, step := range steps {
		if step.Sequence <= s.last {
			continue
		}
		if upTo >= 0 && step.Sequence >= upTo {
			break
		}
		if !s.send(event.Log(step)) {
			return false
		}
		s.last = step.Sequence
	}
	return true
}

// drain sends whatever the record holds once live delivery has stopped.
func (s *stream) drain() {
	run, err := s.e.currentRun(s.ctx, s.runID)
	if err != nil || !s.backfill(-1) {
		return
	}
	if run.Status.IsTerminal() {
		s.send(event.Status(run))
	}
}

// send delivers evt unless the subscriber has gone away.
func (s *stream) send(evt event.Event) bool {
	select {
	case s.out <- evt:
		return true
	case <-s.ctx.Done():
		return false
	}
}
