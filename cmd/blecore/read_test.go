package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/testutils"
)

type ReadTestSuite struct {
	CommandTestSuite
}

func TestReadTestSuite(t *testing.T) {
	suite.Run(t, new(ReadTestSuite))
}

func (s *ReadTestSuite) TestReadHex() {
	out, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19", "--hex")
	s.Require().NoError(err)
	s.Equal("64\n", out)
}

func (s *ReadTestSuite) TestReadRaw() {
	out, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2A19")
	s.Require().NoError(err)
	s.Equal("d\n", out)
}

func (s *ReadTestSuite) TestAddressIsCaseInsensitive() {
	out, _, err := s.ExecuteCommand("read", strings.ToUpper(TestDeviceAddress1), "2a19", "--hex")
	s.Require().NoError(err)
	s.Equal("64\n", out)
}

func (s *ReadTestSuite) TestReadWithService() {
	out, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19", "--service", "0000180f-0000-1000-8000-00805f9b34fb", "--hex")
	s.Require().NoError(err)
	s.Equal("64\n", out)

	_, _, err = s.ExecuteCommand("read", TestDeviceAddress1, "2a19", "--service", "180d", "--hex")
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)
}

func (s *ReadTestSuite) TestMultiRead() {
	out, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a37,2a19", "--hex")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
2a37: 0048
2a19: 64
`)
}

func (s *ReadTestSuite) TestMultiReadReportsFailuresAndContinues() {
	out, errOut, err := s.ExecuteCommand("read", TestDeviceAddress1, "ffff,2a19", "--hex")
	s.Require().NoError(err)
	s.Equal("2a19: 64\n", out)
	s.Contains(errOut, `ffff: error: characteristic "ffff" not found`)
}

func (s *ReadTestSuite) TestWatchPollsUntilInterrupted() {
	out, errOut, err := s.RunFor(300*time.Millisecond, "read", TestDeviceAddress1, "2a19", "--hex", "--watch", "20ms")
	s.Require().NoError(err)
	s.Contains(errOut, "Watching (reading every 20ms)")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.GreaterOrEqual(len(lines), 2)
	for _, line := range lines {
		s.Equal("64", line)
	}

	// The link is released on exit
	s.NotEmpty(s.Adapter().Calls("Disconnect"))
}

func (s *ReadTestSuite) TestPeripheralError() {
	s.Peripherals = []*testutils.PeripheralBuilder{
		testutils.DefaultPeripheral().WithError("2a19", device.AdapterError(0x02, errors.New("read not permitted"))),
	}

	_, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrAdapter)
	s.Equal(0x02, device.CodeOf(err))
	s.Equal("bluetooth adapter error (code 0x02): read not permitted", FormatUserError(err))
}

func (s *ReadTestSuite) TestUnknownDevice() {
	_, _, err := s.ExecuteCommand("read", "de:ad:be:ef:00:00", "2a19")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrAdapter)
	s.Contains(err.Error(), "not found")
}

func (s *ReadTestSuite) TestInvalidArguments() {
	tests := []struct {
		name string
		args []string
		err  string
	}{
		{name: "missing uuid", args: []string{"read", TestDeviceAddress1}, err: "accepts 2 arg(s)"},
		{name: "bad uuid", args: []string{"read", TestDeviceAddress1, "2a19,zz"}, err: "invalid UUID format at index 1"},
		{name: "empty list", args: []string{"read", TestDeviceAddress1, ","}, err: "no valid UUIDs provided"},
		{name: "watch with many", args: []string{"read", TestDeviceAddress1, "2a19,2a37", "--watch", "1s"}, err: "watch mode requires a single characteristic"},
		{name: "watch interval", args: []string{"read", TestDeviceAddress1, "2a19", "--watch", "soon"}, err: "invalid watch interval"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.err)
		})
	}
}
