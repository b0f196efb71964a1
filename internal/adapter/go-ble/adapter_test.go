package goble_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/adapter"
	goble "github.com/srg/blecore/internal/adapter/go-ble"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/testutils/mocks"
)

const peripheralAddr = "aa:bb:cc:dd:ee:01"

type AdapterTestSuite struct {
	suite.Suite

	host    *mocks.MockHost
	client  *mocks.MockClient
	adapter *goble.Adapter
	hr      *ble.Characteristic
	profile *ble.Profile
}

func (s *AdapterTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.host = &mocks.MockHost{}
	s.client = &mocks.MockClient{}
	s.host.On("Stop").Return(nil).Maybe()

	s.hr = &ble.Characteristic{UUID: ble.MustParse("2a37"), Property: ble.CharRead | ble.CharNotify}
	s.profile = &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse("180d"),
		Characteristics: []*ble.Characteristic{s.hr},
	}}}

	s.adapter = goble.New(s.host, logger)
}

func (s *AdapterTestSuite) TearDownTest() {
	s.client.On("CancelConnection").Return(nil).Maybe()
	s.NoError(s.adapter.Close())
}

func (s *AdapterTestSuite) next() event.Event {
	select {
	case e, ok := <-s.adapter.Events():
		s.Require().True(ok, "events channel closed")
		return e
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for adapter event")
		return nil
	}
}

func (s *AdapterTestSuite) none() {
	select {
	case e := <-s.adapter.Events():
		s.Failf("unexpected event", "%#v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *AdapterTestSuite) connect() {
	s.host.On("Connect", mock.Anything, ble.NewAddr(peripheralAddr)).Return(s.client, nil).Once()
	s.Require().NoError(s.adapter.Connect(peripheralAddr, adapter.ConnectOptions{Timeout: time.Second}))
	s.Equal(event.ConnectionStateChanged{ID: peripheralAddr, State: device.StateConnected}, s.next())

	s.client.On("DiscoverProfile", true).Return(s.profile, nil).Once()
	s.Require().NoError(s.adapter.DiscoverServices(peripheralAddr))
	discovered, ok := s.next().(event.ServicesDiscovered)
	s.Require().True(ok)
	s.Require().NoError(discovered.Err)
}

func advertisement(addr string) *mocks.MockAdvertisement {
	adv := &mocks.MockAdvertisement{}
	adv.On("Addr").Return(ble.NewAddr(addr)).Maybe()
	adv.On("LocalName").Return("").Maybe()
	adv.On("RSSI").Return(-60).Maybe()
	adv.On("Connectable").Return(true).Maybe()
	adv.On("TxPowerLevel").Return(127).Maybe()
	adv.On("Services").Return([]ble.UUID{ble.MustParse("180d")}).Maybe()
	adv.On("OverflowService").Return([]ble.UUID(nil)).Maybe()
	adv.On("ManufacturerData").Return([]byte{0x59, 0x00, 'P', 'o', 'l', 'a', 'r'}).Maybe()
	adv.On("ServiceData").Return([]ble.ServiceData{{UUID: ble.MustParse("180f"), Data: []byte{0x64}}}).Maybe()
	return adv
}

func (s *AdapterTestSuite) TestScanReportsAdvertisements() {
	s.host.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		h := args.Get(2).(ble.AdvHandler)
		h(advertisement("AA:BB:CC:DD:EE:02"))
		h(advertisement("aa:bb:cc:dd:ee:03"))
		<-ctx.Done()
	}).Return(context.Canceled).Once()

	s.Require().NoError(s.adapter.StartScan(context.Background(), adapter.ScanFilter{Services: []string{"0000180D-0000-1000-8000-00805F9B34FB"}}))

	res, ok := s.next().(event.ScanResult)
	s.Require().True(ok)
	s.Equal(device.ID("aa:bb:cc:dd:ee:02"), res.ID)
	s.Equal("Polar", res.Name)
	s.Equal(-60, res.RSSI)
	s.Nil(res.TxPower)
	s.True(res.Connectable)
	s.Equal([]string{"180d"}, res.Services)
	s.Equal(map[uint16][]byte{0x0059: []byte("Polar")}, res.ManufacturerData)
	s.Equal(map[string][]byte{"180f": {0x64}}, res.ServiceData)

	res, ok = s.next().(event.ScanResult)
	s.Require().True(ok)
	s.Equal(device.ID("aa:bb:cc:dd:ee:03"), res.ID)

	err := s.adapter.StartScan(context.Background(), adapter.ScanFilter{})
	s.ErrorIs(err, device.ErrAlreadyScanning)

	s.NoError(s.adapter.StopScan())
	s.NoError(s.adapter.StopScan())
	s.none()
}

func (s *AdapterTestSuite) TestScanFilterDropsOtherServices() {
	s.host.On("Scan", mock.Anything, true, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		args.Get(2).(ble.AdvHandler)(advertisement("aa:bb:cc:dd:ee:02"))
		<-ctx.Done()
	}).Return(context.Canceled).Once()

	s.Require().NoError(s.adapter.StartScan(context.Background(), adapter.ScanFilter{Services: []string{"180f"}, AllowDuplicates: true}))
	s.none()
	s.NoError(s.adapter.StopScan())
}

func (s *AdapterTestSuite) TestScanEndedByPlatformReportsScanStopped() {
	s.host.On("Scan", mock.Anything, false, mock.Anything).
		Return(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")).Once()

	s.Require().NoError(s.adapter.StartScan(context.Background(), adapter.ScanFilter{}))

	stopped, ok := s.next().(event.ScanStopped)
	s.Require().True(ok)
	s.ErrorIs(stopped.Err, goble.ErrBluetoothOff)
	s.ErrorIs(stopped.Err, device.ErrAdapter)

	// a new scan may start once the platform ended the previous one
	s.host.On("Scan", mock.Anything, false, mock.Anything).Return(nil).Once()
	s.NoError(s.adapter.StartScan(context.Background(), adapter.ScanFilter{}))
	stopped, ok = s.next().(event.ScanStopped)
	s.Require().True(ok)
	s.NoError(stopped.Err)
}

// platformScan behaves like go-ble's HCI scan: the radio is switched off only
// after the context ends and the controller acknowledges.
func platformScan(radio *atomic.Bool, late ble.Advertisement) func(args mock.Arguments) {
	return func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		h := args.Get(2).(ble.AdvHandler)
		radio.Store(true)
		<-ctx.Done()
		if late != nil {
			h(late)
		}
		time.Sleep(20 * time.Millisecond)
		radio.Store(false)
	}
}

func (s *AdapterTestSuite) TestReplacementScanSurvivesPreviousTeardown() {
	var radio atomic.Bool
	s.host.On("Scan", mock.Anything, false, mock.Anything).
		Run(platformScan(&radio, advertisement("aa:bb:cc:dd:ee:09"))).
		Return(context.Canceled).Twice()

	s.Require().NoError(s.adapter.StartScan(context.Background(), adapter.ScanFilter{}))
	s.Eventually(radio.Load, time.Second, 5*time.Millisecond)

	s.Require().NoError(s.adapter.StopScan())
	s.False(radio.Load(), "StopScan returns after the platform scan wound down")

	s.Require().NoError(s.adapter.StartScan(context.Background(), adapter.ScanFilter{}))
	s.Eventually(radio.Load, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	s.True(radio.Load(), "replacement scan is still running")

	// the advertisement reported during the old scan's teardown is dropped
	s.none()
	s.NoError(s.adapter.StopScan())
}

func (s *AdapterTestSuite) TestStartScanWhilePreviousStillStopping() {
	saved := goble.ScanStopTimeout
	goble.ScanStopTimeout = 30 * time.Millisecond
	defer func() { goble.ScanStopTimeout = saved }()

	release := make(chan struct{})
	s.host.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
		<-release
	}).Return(context.Canceled).Once()

	s.Require().NoError(s.adapter.StartScan(context.Background(), adapter.ScanFilter{}))
	s.Require().NoError(s.adapter.StopScan())

	err := s.adapter.StartScan(context.Background(), adapter.ScanFilter{})
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrAdapter)
	s.Contains(err.Error(), "previous scan is still stopping")

	close(release)
	s.host.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled).Once()
	s.Require().NoError(s.adapter.StartScan(context.Background(), adapter.ScanFilter{}))
	s.NoError(s.adapter.StopScan())
	s.host.AssertNumberOfCalls(s.T(), "Scan", 2)
}

func (s *AdapterTestSuite) TestGattOperations() {
	s.connect()
	ref := device.NewCharRef("180d", "2a37")

	s.client.On("ReadCharacteristic", s.hr).Return([]byte{0x00, 0x48}, nil).Once()
	s.Require().NoError(s.adapter.ReadCharacteristic(peripheralAddr, 1, ref))
	s.Equal(event.OperationCompleted{ID: peripheralAddr, Seq: 1, Value: []byte{0x00, 0x48}}, s.next())

	s.client.On("WriteCharacteristic", s.hr, []byte{0x01}, false).Return(nil).Once()
	s.Require().NoError(s.adapter.WriteCharacteristic(peripheralAddr, 2, ref, []byte{0x01}, true))
	s.Equal(event.OperationCompleted{ID: peripheralAddr, Seq: 2}, s.next())

	s.client.On("WriteCharacteristic", s.hr, []byte{0x02}, true).Return(nil).Once()
	s.Require().NoError(s.adapter.WriteCharacteristic(peripheralAddr, 3, ref, []byte{0x02}, false))

	var handler ble.NotificationHandler
	s.client.On("Subscribe", s.hr, false, mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(ble.NotificationHandler)
	}).Return(nil).Once()
	s.Require().NoError(s.adapter.SetNotify(peripheralAddr, 4, ref, true))
	s.Equal(event.OperationCompleted{ID: peripheralAddr, Seq: 4}, s.next())

	s.Require().NotNil(handler)
	handler([]byte{0x00, 0x50})
	s.Equal(event.CharacteristicValueUpdated{ID: peripheralAddr, Char: ref, Value: []byte{0x00, 0x50}}, s.next())

	s.client.On("Unsubscribe", s.hr, false).Return(nil).Once()
	s.Require().NoError(s.adapter.SetNotify(peripheralAddr, 5, ref, false))
	s.Equal(event.OperationCompleted{ID: peripheralAddr, Seq: 5}, s.next())

	s.client.On("ExchangeMTU", 247).Return(185, nil).Once()
	s.Require().NoError(s.adapter.RequestMTU(peripheralAddr, 6, 247))
	s.Equal(event.OperationCompleted{ID: peripheralAddr, Seq: 6, MTU: 185}, s.next())

	s.client.AssertExpectations(s.T())
}

func (s *AdapterTestSuite) TestOperationErrors() {
	s.connect()

	s.Require().NoError(s.adapter.ReadCharacteristic(peripheralAddr, 1, device.NewCharRef("180d", "2a38")))
	done, ok := s.next().(event.OperationCompleted)
	s.Require().True(ok)
	s.Equal(uint64(1), done.Seq)
	var nf *device.NotFoundError
	s.ErrorAs(done.Err, &nf)
	s.Equal(0x0a, device.CodeOf(done.Err))

	s.client.On("ReadCharacteristic", s.hr).Return(nil, ble.ErrReadNotPerm).Once()
	s.Require().NoError(s.adapter.ReadCharacteristic(peripheralAddr, 2, device.NewCharRef("", "2a37")))
	done, ok = s.next().(event.OperationCompleted)
	s.Require().True(ok)
	s.ErrorIs(done.Err, device.ErrAdapter)
	s.Equal(int(ble.ErrReadNotPerm), device.CodeOf(done.Err))

	err := s.adapter.ReadCharacteristic("aa:bb:cc:dd:ee:99", 3, device.NewCharRef("180d", "2a37"))
	s.ErrorIs(err, goble.ErrNotConnected)
}

func (s *AdapterTestSuite) TestRequestedDisconnect() {
	s.connect()

	s.client.On("CancelConnection").Return(nil).Once()
	s.Require().NoError(s.adapter.Disconnect(peripheralAddr))
	s.Equal(event.ConnectionStateChanged{ID: peripheralAddr, State: device.StateDisconnected}, s.next())

	err := s.adapter.Disconnect(peripheralAddr)
	s.ErrorIs(err, goble.ErrNotConnected)
}

func (s *AdapterTestSuite) TestLinkLoss() {
	s.connect()

	s.client.Drop()
	changed, ok := s.next().(event.ConnectionStateChanged)
	s.Require().True(ok)
	s.Equal(device.StateDisconnected, changed.State)
	s.ErrorIs(changed.Err, goble.ErrNotConnected)

	// the link is gone, a new connection may be made
	s.client = &mocks.MockClient{}
	s.connect()
}

func (s *AdapterTestSuite) TestConnectFailure() {
	s.host.On("Connect", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()
	s.Require().NoError(s.adapter.Connect(peripheralAddr, adapter.ConnectOptions{}))

	changed, ok := s.next().(event.ConnectionStateChanged)
	s.Require().True(ok)
	s.Equal(device.StateDisconnected, changed.State)
	s.ErrorIs(changed.Err, device.ErrAdapter)
	s.ErrorContains(changed.Err, "connection refused")
}

func (s *AdapterTestSuite) TestDisconnectWhileDialing() {
	s.host.On("Connect", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled).Once()

	s.Require().NoError(s.adapter.Connect(peripheralAddr, adapter.ConnectOptions{}))
	err := s.adapter.Connect(peripheralAddr, adapter.ConnectOptions{})
	s.ErrorIs(err, goble.ErrAlreadyConnected)

	s.Require().NoError(s.adapter.Disconnect(peripheralAddr))
	s.Equal(event.ConnectionStateChanged{ID: peripheralAddr, State: device.StateDisconnected}, s.next())
}

func (s *AdapterTestSuite) TestAdvertising() {
	s.host.On("AdvertiseMfgData", mock.Anything, uint16(0x0059), []byte{0x01, 0x02}).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled).Once()

	s.Require().NoError(s.adapter.StartAdvertising(context.Background(), adapter.AdvertisingData{
		CompanyID:        0x0059,
		ManufacturerData: []byte{0x01, 0x02},
	}))
	s.Equal(event.AdvertisingStateChanged{Active: true}, s.next())

	s.Require().NoError(s.adapter.StopAdvertising())
	s.Equal(event.AdvertisingStateChanged{Active: false}, s.next())
	s.NoError(s.adapter.StopAdvertising())
}

func (s *AdapterTestSuite) TestCloseEndsEventStream() {
	s.connect()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().NoError(s.adapter.Close())
	for range s.adapter.Events() {
	}

	s.ErrorIs(s.adapter.Connect(peripheralAddr, adapter.ConnectOptions{}), device.ErrClosed)
	s.ErrorIs(s.adapter.StartScan(context.Background(), adapter.ScanFilter{}), device.ErrClosed)
	s.NoError(s.adapter.Close())
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}
