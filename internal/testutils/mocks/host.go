package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"

	goble "github.com/srg/blecore/internal/adapter/go-ble"
)

// MockHost mocks goble.Host.
type MockHost struct {
	mock.Mock
}

func (m *MockHost) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockHost) Connect(ctx context.Context, addr ble.Addr) (goble.Client, error) {
	args := m.Called(ctx, addr)
	c, _ := args.Get(0).(goble.Client)
	return c, args.Error(1)
}

func (m *MockHost) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error {
	args := m.Called(ctx, id, b)
	return args.Error(0)
}

func (m *MockHost) Stop() error {
	args := m.Called()
	return args.Error(0)
}

var _ goble.Host = (*MockHost)(nil)
