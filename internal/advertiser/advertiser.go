// Package advertiser broadcasts manufacturer data through an adapter with the
// peripheral advertising capability.
package advertiser

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/adapter"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
)

// Advertiser is safe for concurrent use. Start and Stop return once the
// adapter accepted the command; IsAdvertising follows the adapter's
// AdvertisingStateChanged reports, delivered through HandleEvent.
type Advertiser struct {
	adv    adapter.Advertiser
	ctx    context.Context
	logger *logrus.Logger

	mu     sync.Mutex
	data   *adapter.AdvertisingData
	name   string
	wanted bool
	active bool
}

// New creates an advertiser. ctx bounds every broadcast it starts.
func New(ctx context.Context, adv adapter.Advertiser, logger *logrus.Logger) *Advertiser {
	if logger == nil {
		logger = logrus.New()
	}
	return &Advertiser{adv: adv, ctx: ctx, logger: logger}
}

// SetAdvertisingData sets the payload: the first two bytes are the big-endian
// company identifier and the rest the manufacturer data. A running broadcast
// is restarted with the new payload.
func (a *Advertiser) SetAdvertisingData(raw []byte) error {
	if len(raw) < 2 {
		return device.NewError(device.KindInvalidState, "advertise data needs a 2-byte company identifier, got %d bytes", len(raw))
	}
	data := adapter.AdvertisingData{
		CompanyID:        binary.BigEndian.Uint16(raw[:2]),
		ManufacturerData: append([]byte(nil), raw[2:]...),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	data.LocalName = a.name
	a.data = &data

	a.logger.WithFields(logrus.Fields{
		"company_id": data.CompanyID,
		"data":       hex.EncodeToString(data.ManufacturerData),
	}).Debug("Advertising data set")

	if !a.wanted {
		return nil
	}
	a.logger.Info("Restarting advertising with new data")
	return a.startLocked()
}

// SetLocalName sets the name included in the next broadcast.
func (a *Advertiser) SetLocalName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
	if a.data != nil {
		a.data.LocalName = name
	}
}

// Start begins broadcasting the data set with SetAdvertisingData.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		return device.NewError(device.KindInvalidState, "advertise data is not set")
	}
	if a.wanted {
		return nil
	}
	return a.startLocked()
}

func (a *Advertiser) startLocked() error {
	if err := a.adv.StartAdvertising(a.ctx, *a.data); err != nil {
		a.wanted = false
		a.active = false
		a.logger.WithField("error", err).Error("Failed to start advertising")
		return device.AdapterError(0, err)
	}
	a.wanted = true
	return nil
}

// Stop ends the broadcast. It is a no-op when not advertising.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.wanted && !a.active {
		return nil
	}
	a.wanted = false
	a.active = false
	if err := a.adv.StopAdvertising(); err != nil {
		return device.AdapterError(0, err)
	}
	a.logger.Info("Advertising stopped")
	return nil
}

// IsAdvertising reports the last state confirmed by the adapter.
func (a *Advertiser) IsAdvertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// HandleEvent applies an AdvertisingStateChanged report and says whether e was one.
func (a *Advertiser) HandleEvent(e event.Event) bool {
	ev, ok := e.(event.AdvertisingStateChanged)
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case ev.Active && a.wanted:
		a.active = true
		a.logger.Info("Advertising started")
	case ev.Active:
		// stale confirmation of a broadcast already stopped
	default:
		a.active = false
		a.wanted = false
		if ev.Err != nil {
			a.logger.WithField("error", ev.Err).Warn("Advertising ended by adapter")
		}
	}
	return true
}
