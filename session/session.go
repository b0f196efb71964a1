// Package session ties the BLE core together: one Session owns an adapter, the
// device registry, the scan controller, the connection manager and the event
// bus, and runs the pump that feeds adapter events through them.
//
// Adapter events are applied to internal state first and published on the bus
// afterwards, so subscribers never observe an event before the state it
// describes, and slow subscribers never hold up the core.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/adapter"
	"github.com/srg/blecore/internal/advertiser"
	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/eventbus"
	"github.com/srg/blecore/internal/gatt"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/internal/registry"
	"github.com/srg/blecore/pkg/config"
	"github.com/srg/blecore/scanner"
)

// Session is safe for concurrent use.
type Session struct {
	adapter adapter.Adapter
	cfg     config.Config
	logger  *logrus.Logger

	bus      *eventbus.Bus
	registry *registry.Registry
	seq      gatt.Sequence
	scanner  *scanner.Controller
	conns    *connection.Manager
	adv      *advertiser.Advertiser

	cancel    context.CancelFunc
	routines  groutine.Group
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open starts a session on a. A nil cfg selects config.DefaultConfig(); a nil
// logger is built from cfg. The session owns a from now on and closes it in
// Close.
func Open(ctx context.Context, a adapter.Adapter, cfg *config.Config, logger *logrus.Logger) (*Session, error) {
	if a == nil {
		return nil, errors.New("session requires an adapter")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		adapter:  a,
		cfg:      *cfg,
		logger:   logger,
		bus:      eventbus.New(cfg.EventBufferSize, logger),
		registry: registry.New(logger),
		cancel:   cancel,
	}
	s.scanner = scanner.NewController(a, s.registry, s.bus, cfg.ReplaceActiveScan, logger)
	s.conns = connection.NewManager(a, s.registry, s.bus, &s.seq, connection.Options{
		ConnectTimeout:    cfg.ConnectTimeout,
		OperationTimeout:  cfg.OperationTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
		PreferredMTU:      cfg.PreferredMTU,
	}, logger)
	if adv, ok := adapter.AsAdvertiser(a); ok {
		s.adv = advertiser.New(ctx, adv, logger)
	}

	s.routines.Go(ctx, "session-pump", s.pump)

	logger.WithFields(logrus.Fields{
		"advertiser": s.adv != nil,
		"dedup":      cfg.Dedup,
	}).Debug("Session opened")
	return s, nil
}

// pump runs until the adapter closes its event stream.
func (s *Session) pump(ctx context.Context) {
	logger := s.logger.WithField("goroutine", groutine.Name(ctx))
	logger.Debug("Event pump started")
	defer logger.Debug("Event pump stopped")

	for e := range s.adapter.Events() {
		s.dispatch(e)
	}
}

func (s *Session) dispatch(e event.Event) {
	switch {
	case s.conns.HandleEvent(e):
	case s.scanner.HandleEvent(e):
	case s.adv != nil && s.adv.HandleEvent(e):
	default:
		s.logger.WithField("event", e.Kind()).Debug("Unhandled adapter event")
	}
	s.bus.Publish(e)
}

func normalizeID(id device.ID) device.ID {
	return device.ID(strings.ToLower(strings.TrimSpace(string(id))))
}

func (s *Session) checkOpen() error {
	if s.closed.Load() {
		return device.NewError(device.KindClosed, "session closed")
	}
	return nil
}

// Config returns the configuration the session was opened with.
func (s *Session) Config() config.Config {
	return s.cfg
}

// Logger returns the session logger.
func (s *Session) Logger() *logrus.Logger {
	return s.logger
}

// ----------------------------------------------------------------------------
// Scanning
// ----------------------------------------------------------------------------

// ScanOptions returns scan options filled from the session configuration.
func (s *Session) ScanOptions() scanner.Options {
	return scanner.Options{
		Dedup:      scanner.DedupPolicy(s.cfg.Dedup),
		RSSIBucket: s.cfg.RSSIBucket,
		Timeout:    s.cfg.ScanTimeout,
	}
}

// Scan starts a scan session and returns its ID. See scanner.Controller.Start.
func (s *Session) Scan(ctx context.Context, opts scanner.Options) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.scanner.Start(ctx, opts)
}

// StopScan ends the active scan session; it is a no-op without one.
func (s *Session) StopScan() error {
	return s.scanner.Stop()
}

// Scanning reports the active scan session, if any.
func (s *Session) Scanning() (uint64, bool) {
	return s.scanner.Active()
}

// ----------------------------------------------------------------------------
// Devices and connections
// ----------------------------------------------------------------------------

// Device returns the last-known record of id.
func (s *Session) Device(id device.ID) (device.Record, bool) {
	return s.registry.Get(normalizeID(id))
}

// Devices yields a snapshot of the registry; a nil filter yields every record.
// See registry.WithState, registry.WithService and registry.SeenSince.
func (s *Session) Devices(filter func(device.Record) bool) iter.Seq[device.Record] {
	return s.registry.List(filter)
}

// Connect starts connecting to id and returns the connection in the
// Connecting state. Zero opts fields fall back to the session configuration.
func (s *Session) Connect(id device.ID, opts device.ConnectOptions) (*connection.Connection, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.conns.Connect(normalizeID(id), opts)
}

// Connection returns the tracked connection to id.
func (s *Session) Connection(id device.ID) (*connection.Connection, bool) {
	return s.conns.Get(normalizeID(id))
}

// Connections returns every tracked connection.
func (s *Session) Connections() []*connection.Connection {
	return s.conns.Connections()
}

// RetryCount returns the consecutive failed connection attempts to id.
func (s *Session) RetryCount(id device.ID) int {
	return s.conns.RetryCount(normalizeID(id))
}

// ----------------------------------------------------------------------------
// Events and advertising
// ----------------------------------------------------------------------------

// Subscribe returns a subscription to session events matching filter (nil for
// all). Cancel it when done.
func (s *Session) Subscribe(filter event.Filter) *eventbus.Subscription {
	return s.bus.Subscribe(filter)
}

// Stats returns event bus delivery counters.
func (s *Session) Stats() eventbus.Stats {
	return s.bus.Stats()
}

// Advertiser returns the peripheral advertiser. It fails with
// device.ErrUnsupported when the adapter cannot advertise.
func (s *Session) Advertiser() (*advertiser.Advertiser, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.adv == nil {
		return nil, device.NewError(device.KindUnsupported, "adapter cannot advertise")
	}
	return s.adv, nil
}

// Close stops scanning and advertising, tears down every connection, closes
// the adapter and ends all subscriptions. Pending operations complete with
// device.ErrClosed. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		var errs []error
		if err := s.scanner.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop scan: %w", err))
		}
		if s.adv != nil {
			if err := s.adv.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop advertising: %w", err))
			}
		}
		s.conns.Close()
		s.cancel()
		if err := s.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adapter: %w", err))
		}
		s.routines.Wait()
		s.bus.Close()

		s.closeErr = errors.Join(errs...)
		s.logger.Debug("Session closed")
	})
	return s.closeErr
}
