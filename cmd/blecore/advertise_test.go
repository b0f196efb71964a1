package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/adapter"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/testutils"
)

// centralOnly hides the advertising capability of the wrapped adapter.
type centralOnly struct {
	adapter.Adapter
}

type AdvertiseTestSuite struct {
	CommandTestSuite
}

func TestAdvertiseTestSuite(t *testing.T) {
	suite.Run(t, new(AdvertiseTestSuite))
}

func (s *AdvertiseTestSuite) TestBroadcastForDuration() {
	out, _, err := s.ExecuteCommand("advertise", "00590102", "--name", "beacon", "-d", "100ms")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
Advertising company 0x0059 (Nordic Semiconductor ASA) payload 0102
Advertising stopped
`)

	fake := s.Adapter()
	starts := fake.Calls("StartAdvertising")
	s.Require().Len(starts, 1)
	s.Equal(adapter.AdvertisingData{
		CompanyID:        0x0059,
		ManufacturerData: []byte{0x01, 0x02},
		LocalName:        "beacon",
	}, starts[0].Adv)
	s.Len(fake.Calls("StopAdvertising"), 1)
	s.False(fake.Advertising())
}

func (s *AdvertiseTestSuite) TestUnknownCompanyWithoutPayload() {
	out, _, err := s.ExecuteCommand("advertise", "1234", "-d", "50ms")
	s.Require().NoError(err)
	s.Contains(out, "Advertising company 0x1234 payload (empty)")
}

func (s *AdvertiseTestSuite) TestAdapterRefusesToStart() {
	s.OnAdapter = func(f *testutils.FakeAdapter) {
		f.Update(func(f *testutils.FakeAdapter) { f.Refuse["StartAdvertising"] = errors.New("advertising busy") })
	}

	out, _, err := s.ExecuteCommand("advertise", "00590102", "-d", "100ms")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrAdapter)
	s.Contains(err.Error(), "advertising busy")
	s.Empty(out)
}

func (s *AdvertiseTestSuite) TestAdapterEndsBroadcast() {
	s.OnAdapter = func(f *testutils.FakeAdapter) {
		go func() {
			for len(f.Calls("StartAdvertising")) == 0 {
				time.Sleep(time.Millisecond)
			}
			f.Emit(event.AdvertisingStateChanged{Active: false, Err: errors.New("controller reset")})
		}()
	}

	_, _, err := s.ExecuteCommand("advertise", "00590102", "-d", "2s")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrAdapter)
	s.Contains(err.Error(), "controller reset")
}

func (s *AdvertiseTestSuite) TestUnsupportedAdapter() {
	s.WrapAdapter = func(f *testutils.FakeAdapter) adapter.Adapter {
		return centralOnly{f}
	}

	_, _, err := s.ExecuteCommand("advertise", "00590102", "-d", "50ms")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrUnsupported)
}

func (s *AdvertiseTestSuite) TestInvalidData() {
	tests := []struct {
		name string
		data string
		err  string
	}{
		{name: "too short", data: "59", err: "at least the 2-byte company identifier"},
		{name: "not hex", data: "zz00", err: "invalid hex data"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := s.ExecuteCommand("advertise", tt.data)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.err)
		})
	}
}
