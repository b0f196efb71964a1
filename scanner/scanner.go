// Package scanner runs BLE discovery sessions: one active session per adapter,
// local filtering, duplicate suppression and an optional timeout.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/adapter"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/eventbus"
	"github.com/srg/blecore/internal/registry"
)

// Options configures one scan session.
type Options struct {
	Filter Filter
	Dedup  DedupPolicy
	// RSSIBucket is the bucket width in dBm for DedupByDeviceIDAndRSSIBucket.
	RSSIBucket int
	// Timeout stops the session and emits ScanTimedOut once; 0 scans until stopped.
	Timeout time.Duration
}

// DefaultOptions returns options scanning for 10 seconds, reporting each device once.
func DefaultOptions() Options {
	return Options{
		Dedup:      DedupByDeviceID,
		RSSIBucket: DefaultRSSIBucket,
		Timeout:    10 * time.Second,
	}
}

// session is the active ScanSession.
type session struct {
	id      uint64
	opts    Options
	filter  Filter
	dedup   *deduper
	timer   *time.Timer
	started time.Time
	found   int
}

// Controller owns the scan sessions of one adapter.
type Controller struct {
	adapter  adapter.Adapter
	registry *registry.Registry
	bus      *eventbus.Bus
	replace  bool
	logger   *logrus.Logger

	mu      sync.Mutex
	current *session
	nextID  uint64
}

// NewController creates a controller. With replace set, starting a scan while
// one is active stops the old session instead of failing with AlreadyScanning.
func NewController(a adapter.Adapter, reg *registry.Registry, bus *eventbus.Bus, replace bool, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		adapter:  a,
		registry: reg,
		bus:      bus,
		replace:  replace,
		logger:   logger,
	}
}

// Start opens a scan session and returns its ID, which DeviceDiscovered and
// ScanTimedOut events carry.
func (c *Controller) Start(ctx context.Context, opts Options) (uint64, error) {
	if opts.Dedup == "" {
		opts.Dedup = DedupByDeviceID
	}
	if _, err := ParseDedupPolicy(string(opts.Dedup)); err != nil {
		return 0, device.NewError(device.KindInvalidState, "%v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.current; prev != nil {
		if !c.replace {
			return 0, device.NewError(device.KindAlreadyScanning, "scan %d in progress", prev.id)
		}
		c.logger.WithField("scan_id", prev.id).Info("Replacing active scan")
		c.stopLocked()
	}

	c.nextID++
	s := &session{
		id:      c.nextID,
		opts:    opts,
		filter:  opts.Filter.normalized(),
		dedup:   newDeduper(opts.Dedup, opts.RSSIBucket),
		started: time.Now(),
	}

	err := c.adapter.StartScan(ctx, adapter.ScanFilter{
		Services:        s.filter.Services,
		AllowDuplicates: opts.Dedup != DedupByDeviceID,
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"scan_id": s.id,
			"error":   err,
		}).Error("Failed to start BLE scan")
		return 0, device.AdapterError(0, err)
	}

	if opts.Timeout > 0 {
		id := s.id
		s.timer = time.AfterFunc(opts.Timeout, func() { c.expire(id) })
	}
	c.current = s

	c.logger.WithFields(logrus.Fields{
		"scan_id":  s.id,
		"dedup":    opts.Dedup,
		"timeout":  opts.Timeout,
		"services": s.filter.Services,
	}).Info("Starting BLE scan...")
	return s.id, nil
}

// Stop ends the active session. It is a no-op when none is active.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	s := c.current
	c.current = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	c.logger.WithFields(logrus.Fields{
		"scan_id":      s.id,
		"device_count": s.found,
		"elapsed":      time.Since(s.started).Round(time.Millisecond),
	}).Info("BLE scan completed")

	if err := c.adapter.StopScan(); err != nil {
		c.logger.WithField("error", err).Warn("Adapter failed to stop scan")
		return device.AdapterError(0, err)
	}
	return nil
}

// expire ends session id on timeout and publishes ScanTimedOut, at most once.
func (c *Controller) expire(id uint64) {
	c.mu.Lock()
	if c.current == nil || c.current.id != id {
		c.mu.Unlock()
		return
	}
	c.logger.WithField("scan_id", id).Debug("Scan timeout elapsed")
	_ = c.stopLocked()
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(event.ScanTimedOut{ScanID: id})
	}
}

// Active reports whether a session is running, and its ID.
func (c *Controller) Active() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0, false
	}
	return c.current.id, true
}

// HandleEvent applies a scan-related adapter event. It reports whether the
// event concerned scanning.
func (c *Controller) HandleEvent(e event.Event) bool {
	switch ev := e.(type) {
	case event.ScanResult:
		c.onResult(ev)
	case event.ScanStopped:
		c.onStopped(ev)
	default:
		return false
	}
	return true
}

func (c *Controller) onResult(res event.ScanResult) {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return
	}

	obs := res.Record()
	if obs.UpdatedAt.IsZero() {
		obs.UpdatedAt = time.Now()
	}
	view := obs
	if known, ok := c.registry.Get(res.ID); ok {
		view = known.Merge(obs)
	}
	if !s.filter.match(view) {
		c.mu.Unlock()
		return
	}

	rec := c.registry.Upsert(obs)
	admitted := s.dedup.admit(res.ID, res.RSSI)
	if admitted {
		s.found++
	}
	id := s.id
	c.mu.Unlock()

	if !admitted {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"scan_id":   id,
		"device_id": rec.ID,
		"name":      rec.DisplayName(),
		"rssi":      rec.RSSI,
	}).Debug("Device discovered")
	if c.bus != nil {
		c.bus.Publish(event.DeviceDiscovered{ScanID: id, Record: rec})
	}
}

func (c *Controller) onStopped(ev event.ScanStopped) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil {
		return
	}
	c.current = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	fields := logrus.Fields{"scan_id": s.id}
	if ev.Err != nil {
		fields["error"] = ev.Err
	}
	c.logger.WithFields(fields).Warn("Adapter ended scan")
}
