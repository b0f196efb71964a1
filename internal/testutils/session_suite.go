package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/eventbus"
	"github.com/srg/blecore/pkg/config"
	"github.com/srg/blecore/session"
)

// DefaultPeripheralID is the peripheral SessionSuite simulates when a test
// configures none.
const DefaultPeripheralID = "aa:bb:cc:dd:ee:01"

// SessionSuite provides a session running on a FakeAdapter.
//
// Basic usage (one heart rate monitor with a battery service):
//
//	type ReadSuite struct {
//	    testutils.SessionSuite
//	}
//
//	func TestReadSuite(t *testing.T) {
//	    suite.Run(t, new(ReadSuite))
//	}
//
// Custom peripherals are configured before the parent SetupTest runs:
//
//	func (s *InspectSuite) SetupTest() {
//	    s.WithPeripheral("11:22:33:44:55:66").
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{0, 80})
//
//	    s.SessionSuite.SetupTest() // Call parent last to apply configuration
//	}
type SessionSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	// TestTimeout bounds waits on the session.
	TestTimeout time.Duration

	// Config is used by the next SetupTest; nil selects fast test defaults.
	Config *config.Config

	Peripherals []*PeripheralBuilder

	Adapter *FakeAdapter
	Session *session.Session
}

// SetupSuite creates the suite logger.
func (s *SessionSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

// WithPeripheral adds a simulated peripheral for the next SetupTest.
func (s *SessionSuite) WithPeripheral(id string) *PeripheralBuilder {
	b := NewPeripheralBuilder(id)
	s.Peripherals = append(s.Peripherals, b)
	return b
}

// TestConfig returns defaults with timeouts short enough for tests.
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.ScanTimeout = 0
	cfg.ConnectTimeout = time.Second
	cfg.OperationTimeout = time.Second
	cfg.DisconnectTimeout = 200 * time.Millisecond
	cfg.EventBufferSize = 256
	cfg.Reconnect.Initial = 10 * time.Millisecond
	cfg.Reconnect.Max = 50 * time.Millisecond
	return cfg
}

// DefaultPeripheral is a heart rate monitor with a battery service, advertised
// as "Polar H10".
func DefaultPeripheral() *PeripheralBuilder {
	return NewPeripheralBuilder(DefaultPeripheralID).
		WithService("180D").
		WithCharacteristic("2A37", "read,notify", []byte{0x00, 0x48}).
		WithCharacteristic("2A39", "write,write-without-response", nil).
		WithService("180F").
		WithCharacteristic("2A19", "read", []byte{0x64}).
		WithAdvertisement(NewAdvertisementBuilder().
			WithName("Polar H10").
			WithRSSI(-52).
			WithServices("180D", "180F"))
}

// SetupTest opens a session on a fresh fake adapter.
func (s *SessionSuite) SetupTest() {
	if len(s.Peripherals) == 0 {
		s.Peripherals = []*PeripheralBuilder{DefaultPeripheral()}
	}
	if s.Config == nil {
		s.Config = TestConfig()
	}

	var peripherals []*FakePeripheral
	for _, b := range s.Peripherals {
		peripherals = append(peripherals, b.Build())
	}
	s.Adapter = NewFakeAdapter(peripherals...)

	sess, err := session.Open(context.Background(), s.Adapter, s.Config, s.Logger)
	s.Require().NoError(err)
	s.Session = sess
}

// TearDownTest closes the session and resets the configuration.
func (s *SessionSuite) TearDownTest() {
	if s.Session != nil {
		s.NoError(s.Session.Close())
	}
	s.Session = nil
	s.Adapter = nil
	s.Peripherals = nil
	s.Config = nil
}

// Ctx returns a context bounded by TestTimeout.
func (s *SessionSuite) Ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}

// WaitEvent receives from sub until an event of kind arrives.
func (s *SessionSuite) WaitEvent(sub *eventbus.Subscription, kind event.Kind) event.Event {
	return NewTestHelper(s.T()).WaitEvent(sub, kind, s.TestTimeout)
}

// ConnectReady connects to id and waits until the connection is Ready.
func (s *SessionSuite) ConnectReady(id device.ID) *connection.Connection {
	conn, err := s.Session.Connect(id, device.ConnectOptions{})
	s.Require().NoError(err)
	s.Require().NoError(conn.WaitReady(s.Ctx()))
	return conn
}
