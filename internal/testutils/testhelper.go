package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/eventbus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}

func CreateMockPeripheral(id string) *PeripheralBuilder {
	return NewPeripheralBuilder(id)
}

func CreateMockPeripheralFromJSON(id, jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	return NewPeripheralBuilder(id).FromJSON(jsonStrFmt, args...)
}

// Context returns a context cancelled after timeout or at the end of the test.
func (h *TestHelper) Context(timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	h.T.Cleanup(cancel)
	return ctx
}

// WaitEvent receives from sub until an event of kind arrives, failing the
// test after timeout.
func (h *TestHelper) WaitEvent(sub *eventbus.Subscription, kind event.Kind, timeout time.Duration) event.Event {
	h.T.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		e, err := sub.Recv(ctx)
		if err != nil {
			h.T.Fatalf("waiting for %s: %v", kind, err)
			return nil
		}
		if e.Kind() == kind {
			return e
		}
	}
}
