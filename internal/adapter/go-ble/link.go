package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
)

// link is one dialed or dialing peripheral. All client calls for a link run
// on its worker goroutine, one at a time, in submission order.
type link struct {
	id     device.ID
	logger *logrus.Entry

	mu        sync.Mutex
	client    Client
	profile   *ble.Profile
	requested bool
	jobs      []func(Client)
	stopped   bool

	cancelDial context.CancelFunc
	wake       chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	endOnce    sync.Once
}

func newLink(id device.ID, logger *logrus.Logger) *link {
	return &link{
		id:     id,
		logger: logger.WithField("device", id),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// submit queues job for the worker. It never blocks.
func (l *link) submit(job func(Client)) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return device.AdapterError(0, ErrNotConnected)
	}
	if l.client == nil {
		l.mu.Unlock()
		return device.AdapterError(0, ErrNotInitialized)
	}
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// run is the worker loop. It exits once the link is shut down.
func (l *link) run(ctx context.Context) {
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.jobs) == 0 || l.stopped {
				l.mu.Unlock()
				break
			}
			job := l.jobs[0]
			l.jobs[0] = nil
			l.jobs = l.jobs[1:]
			client := l.client
			l.mu.Unlock()

			job(client)
		}
	}
}

// start launches the worker goroutine.
func (l *link) start(ctx context.Context, g *groutine.Group) {
	g.Go(ctx, "ble-link-"+string(l.id), l.run)
}

// shutdown stops the worker and drops queued jobs.
func (l *link) shutdown() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		dropped := len(l.jobs)
		l.jobs = nil
		l.mu.Unlock()
		close(l.stop)
		if dropped > 0 {
			l.logger.WithField("dropped", dropped).Debug("Link closed with queued operations")
		}
	})
}

func (l *link) setProfile(p *ble.Profile) {
	l.mu.Lock()
	l.profile = p
	l.mu.Unlock()
}

func (l *link) characteristic(ref device.CharRef) (*ble.Characteristic, error) {
	l.mu.Lock()
	p := l.profile
	l.mu.Unlock()
	return findCharacteristic(p, ref)
}
