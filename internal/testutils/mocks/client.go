package mocks

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"

	goble "github.com/srg/blecore/internal/adapter/go-ble"
)

// MockClient mocks goble.Client. The disconnected channel is real so tests can
// simulate link loss with Drop.
type MockClient struct {
	mock.Mock

	once         sync.Once
	disconnected chan struct{}
	dropOnce     sync.Once
}

func (m *MockClient) ch() chan struct{} {
	m.once.Do(func() { m.disconnected = make(chan struct{}) })
	return m.disconnected
}

// Drop closes the Disconnected channel.
func (m *MockClient) Drop() {
	m.dropOnce.Do(func() { close(m.ch()) })
}

func (m *MockClient) Addr() ble.Addr {
	args := m.Called()
	a, _ := args.Get(0).(ble.Addr)
	return a
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	m.Drop()
	return args.Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.ch()
}

var _ goble.Client = (*MockClient)(nil)
