// Implements the debounced, skip-coalescing save scheduler.

package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"
)

// Scheduler states.
const (
	stateIdle         = "idle"
	stateDebouncing   = "debouncing"
	stateSaving       = "saving"
	stateSavingQueued = "saving_queued"
)

// Scheduler events.
const (
	eventRequest = "request"
	eventSave    = "save"
	eventQueue   = "queue"
	eventDone    = "done"
)

// scheduler coalesces save requests into periodic saves.
//
// It runs as a single goroutine that owns every field below; other
// goroutines only talk to it through channels.
//
//	idle          --request--> debouncing  (ticker starts)
//	debouncing    --save-----> saving      (on tick, unless skipped)
//	saving        --queue----> saving_queued
//	saving        --done-----> idle        (ticker stops)
//	saving_queued --done-----> debouncing
//
// A request while debouncing postpones the next tick's save, at most
// maxSkips ticks in a row.
type scheduler struct {
	interval time.Duration
	maxSkips int
	save     func() error
	onError  func(error)
	logger   *slog.Logger
	metrics  *metrics

	requests chan struct{}
	done     chan error
	stop     chan struct{}
	exited   chan struct{}

	machine  *fsm.FSM
	ticker   *time.Ticker
	skipNext bool
	skips    int
}

func newScheduler(interval time.Duration, maxSkips int, save func() error, onError func(error), logger *slog.Logger, m *metrics) *scheduler {
	s := &scheduler{
		interval: interval,
		maxSkips: maxSkips,
		save:     save,
		onError:  onError,
		logger:   logger,
		metrics:  m,
		requests: make(chan struct{}, 1),
		done:     make(chan error, 1),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	s.machine = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventRequest, Src: []string{stateIdle}, Dst: stateDebouncing},
			{Name: eventSave, Src: []string{stateDebouncing}, Dst: stateSaving},
			{Name: eventQueue, Src: []string{stateSaving}, Dst: stateSavingQueued},
			{Name: eventDone, Src: []string{stateSaving}, Dst: stateIdle},
			{Name: eventDone, Src: []string{stateSavingQueued}, Dst: stateDebouncing},
		},
		fsm.Callbacks{
			"enter_" + stateDebouncing: func(_ context.Context, _ *fsm.Event) {
				if s.ticker == nil {
					s.ticker = time.NewTicker(s.interval)
				}
			},
			"enter_" + stateIdle: func(_ context.Context, _ *fsm.Event) {
				if s.ticker != nil {
					s.ticker.Stop()
					s.ticker = nil
				}
				s.skipNext = false
				s.skips = 0
			},
			"enter_" + stateSaving: func(_ context.Context, _ *fsm.Event) {
				go func() {
					s.done <- s.save()
				}()
			},
		},
	)
	return s
}

// request asks for a save. It never blocks.
func (s *scheduler) request() {
	select {
	case s.requests <- struct{}{}:
	default:
		// A request is already pending; it has the same effect.
	}
}

// run processes events until Stop. It waits for an in-flight save before
// returning.
func (s *scheduler) run() {
	defer close(s.exited)
	ctx := context.Background()
	for {
		var tick <-chan time.Time
		if s.ticker != nil {
			tick = s.ticker.C
		}
		select {
		case <-s.stop:
			if s.machine.Is(stateSaving) || s.machine.Is(stateSavingQueued) {
				s.finish(ctx, <-s.done)
			}
			if s.ticker != nil {
				s.ticker.Stop()
				s.ticker = nil
			}
			return
		case <-s.requests:
			s.onRequest(ctx)
		case <-tick:
			s.onTick(ctx)
		case err := <-s.done:
			s.finish(ctx, err)
		}
	}
}

func (s *scheduler) onRequest(ctx context.Context) {
	switch s.machine.Current() {
	case stateIdle:
		s.fire(ctx, eventRequest)
	case stateDebouncing:
		s.skipNext = true
	case stateSaving:
		s.fire(ctx, eventQueue)
	case stateSavingQueued:
	}
}

func (s *scheduler) onTick(ctx context.Context) {
	if !s.machine.Is(stateDebouncing) {
		s.logger.Debug("save tick while saving")
		return
	}
	if s.skipNext {
		s.skipNext = false
		if s.skips < s.maxSkips {
			s.skips++
			s.metrics.skips.Inc()
			s.logger.Debug("save skipped", "skips", s.skips)
			return
		}
		s.skips = 0
	}
	s.fire(ctx, eventSave)
}

func (s *scheduler) finish(ctx context.Context, err error) {
	if err != nil {
		s.logger.Error("scheduled save failed", "err", err)
		s.onError(err)
	}
	s.fire(ctx, eventDone)
}

func (s *scheduler) fire(ctx context.Context, event string) {
	if err := s.machine.Event(ctx, event); err != nil {
		s.logger.Error("scheduler transition failed", "event", event, "state", s.machine.Current(), "err", err)
	}
}

// Stop ends the scheduler goroutine and waits for it. Pending requests are
// dropped; the caller flushes.
func (s *scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.exited
}

// State returns the current state name.
func (s *scheduler) State() string {
	return s.machine.Current()
}
