package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/eventbus"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/pkg/config"
)

// Backoff computes reconnection delays: Initial * Multiplier^(n-1) for the
// n-th attempt, capped at Max. MaxAttempts 0 retries forever.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// BackoffFromConfig converts the reconnect configuration.
func BackoffFromConfig(r config.Reconnect) Backoff {
	return Backoff{
		Initial:     r.Initial,
		Max:         r.Max,
		Multiplier:  r.Multiplier,
		MaxAttempts: r.MaxAttempts,
	}
}

// Delay returns the wait before attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type watch struct {
	opts     device.ConnectOptions
	attempts int
	timer    *time.Timer
}

// Supervisor reconnects watched devices after a failed attempt or an
// unsolicited link loss. Disconnects the caller asked for are not retried.
type Supervisor struct {
	session *Session
	backoff Backoff
	logger  *logrus.Logger
	sub     *eventbus.Subscription

	mu      sync.Mutex
	watched map[device.ID]*watch

	cancel   context.CancelFunc
	routines groutine.Group
	stopOnce sync.Once
}

// NewSupervisor starts a supervisor on s. It runs until Stop or until the
// session is closed.
func NewSupervisor(s *Session, b Backoff, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = s.logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	sv := &Supervisor{
		session: s,
		backoff: b,
		logger:  logger,
		sub:     s.Subscribe(event.OfKind(event.KindStateChanged, event.KindConnectionFailed, event.KindOverflow)),
		watched: make(map[device.ID]*watch),
		cancel:  cancel,
	}
	sv.routines.Go(ctx, "reconnect-supervisor", sv.run)
	return sv
}

// Supervise starts a supervisor using the session's reconnect configuration.
func (s *Session) Supervise() *Supervisor {
	return NewSupervisor(s, BackoffFromConfig(s.cfg.Reconnect), s.logger)
}

// Watch puts id under supervision; opts are used for every reconnect.
func (sv *Supervisor) Watch(id device.ID, opts device.ConnectOptions) {
	id = normalizeID(id)
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if w, ok := sv.watched[id]; ok {
		w.opts = opts
		return
	}
	sv.watched[id] = &watch{opts: opts}
}

// Unwatch stops supervising id and cancels a pending reconnect.
func (sv *Supervisor) Unwatch(id device.ID) {
	id = normalizeID(id)
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if w, ok := sv.watched[id]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(sv.watched, id)
	}
}

// Attempts returns the reconnects made for id since it was last ready.
func (sv *Supervisor) Attempts(id device.ID) int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if w, ok := sv.watched[normalizeID(id)]; ok {
		return w.attempts
	}
	return 0
}

// Stop ends supervision of every device.
func (sv *Supervisor) Stop() {
	sv.stopOnce.Do(func() {
		sv.cancel()
		sv.sub.Cancel()
		sv.routines.Wait()

		sv.mu.Lock()
		for _, w := range sv.watched {
			if w.timer != nil {
				w.timer.Stop()
			}
		}
		sv.watched = make(map[device.ID]*watch)
		sv.mu.Unlock()
	})
}

func (sv *Supervisor) run(ctx context.Context) {
	for {
		e, err := sv.sub.Recv(ctx)
		if err != nil {
			return
		}
		switch ev := e.(type) {
		case event.StateChanged:
			switch {
			case ev.To == device.StateReady:
				sv.reset(ev.ID)
			case ev.To == device.StateDisconnected && !ev.Requested:
				sv.schedule(ev.ID, ev.Cause)
			}
		case event.ConnectionFailed:
			sv.schedule(ev.ID, ev.Cause)
		case event.Overflow:
			sv.logger.WithField("dropped", ev.Dropped).Warn("Supervisor missed connection events")
		}
	}
}

func (sv *Supervisor) reset(id device.ID) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if w, ok := sv.watched[id]; ok {
		w.attempts = 0
	}
}

func (sv *Supervisor) schedule(id device.ID, cause error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	w, ok := sv.watched[id]
	if !ok || w.timer != nil {
		return
	}

	if sv.backoff.MaxAttempts > 0 && w.attempts >= sv.backoff.MaxAttempts {
		sv.logger.WithFields(logrus.Fields{
			"device_id": id,
			"attempts":  w.attempts,
			"error":     cause,
		}).Error("Giving up reconnecting")
		return
	}

	w.attempts++
	delay := sv.backoff.Delay(w.attempts)
	sv.logger.WithFields(logrus.Fields{
		"device_id": id,
		"attempt":   w.attempts,
		"delay":     delay,
		"error":     cause,
	}).Info("Scheduling reconnect")

	w.timer = time.AfterFunc(delay, func() { sv.reconnect(id, w) })
}

func (sv *Supervisor) reconnect(id device.ID, w *watch) {
	sv.mu.Lock()
	if sv.watched[id] != w {
		sv.mu.Unlock()
		return
	}
	w.timer = nil
	opts := w.opts
	sv.mu.Unlock()

	// a failed attempt is reported as ConnectionFailed and rescheduled from there
	if _, err := sv.session.Connect(id, opts); err != nil {
		fields := logrus.Fields{"device_id": id, "error": err}
		switch {
		case errors.Is(err, device.ErrClosed):
			sv.logger.WithFields(fields).Debug("Session closed, reconnect abandoned")
		case errors.Is(err, device.ErrInvalidState):
			sv.logger.WithFields(fields).Debug("Device already connecting")
		default:
			sv.logger.WithFields(fields).Warn("Reconnect attempt failed")
		}
	}
}
