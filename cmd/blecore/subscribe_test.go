package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/testutils"
)

type SubscribeTestSuite struct {
	CommandTestSuite
}

func TestSubscribeTestSuite(t *testing.T) {
	suite.Run(t, new(SubscribeTestSuite))
}

func (s *SubscribeTestSuite) TestStopsAfterCount() {
	s.OnAdapter = func(f *testutils.FakeAdapter) {
		NotifyAfterSubscribe(f, []byte{0x00, 0x48}, []byte{0x00, 0x50}, []byte{0x00, 0x52}, []byte{0x00, 0x54})
	}

	out, errOut, err := s.ExecuteCommand("subscribe", TestDeviceAddress1, "2a37", "--hex", "--count", "3")
	s.Require().NoError(err)
	s.Contains(errOut, "Subscribed to 180d/2a37")

	testutils.NewTextAsserter(s.T()).Assert(out, `
0048
0050
0052
`)

	fake := s.Adapter()
	enable := fake.Calls("SetNotify")
	s.Require().Len(enable, 2, "notifications are enabled, then disabled on exit")
	s.True(enable[0].Enable)
	s.False(enable[1].Enable)
	s.NotEmpty(fake.Calls("Disconnect"))
}

func (s *SubscribeTestSuite) TestTimestamps() {
	s.OnAdapter = func(f *testutils.FakeAdapter) {
		NotifyAfterSubscribe(f, []byte{0x01})
	}

	out, _, err := s.ExecuteCommand("subscribe", TestDeviceAddress1, "2a37", "--hex", "-n", "1", "--timestamps")
	s.Require().NoError(err)
	s.Regexp(`^\d{2}:\d{2}:\d{2}\.\d{3} 01\n$`, out)
}

func (s *SubscribeTestSuite) TestDurationEndsStream() {
	s.OnAdapter = func(f *testutils.FakeAdapter) {
		NotifyAfterSubscribe(f, []byte{0x01}, []byte{0x02})
	}

	start := time.Now()
	out, _, err := s.ExecuteCommand("subscribe", TestDeviceAddress1, "2a37", "--hex", "-d", "150ms")
	s.Require().NoError(err)
	s.Equal([]string{"01", "02"}, strings.Fields(out))
	s.GreaterOrEqual(time.Since(start), 150*time.Millisecond)
}

func (s *SubscribeTestSuite) TestLinkLoss() {
	s.OnAdapter = func(f *testutils.FakeAdapter) {
		DropAfterNotify(f, []byte{0x07})
	}

	out, _, err := s.ExecuteCommand("subscribe", TestDeviceAddress1, "2a37", "--hex")
	s.Require().ErrorIs(err, ErrConnectionLost)
	s.Equal("07\n", out, "values received before the link dropped are printed")
}

func (s *SubscribeTestSuite) TestCharacteristicWithoutNotify() {
	_, _, err := s.ExecuteCommand("subscribe", TestDeviceAddress1, "2a19")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrUnsupported)
	s.Empty(s.Adapter().Calls("SetNotify"))
}

func (s *SubscribeTestSuite) TestInvalidCount() {
	_, _, err := s.ExecuteCommand("subscribe", TestDeviceAddress1, "2a37", "--count", "-2")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid count")
}
