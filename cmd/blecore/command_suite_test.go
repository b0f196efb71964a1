package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/adapter"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/testutils"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = testutils.DefaultPeripheralID
	TestDeviceAddress2 = "11:22:33:44:55:66"
)

// CommandTestSuite runs commands against fake adapters. Every command run
// opens its own adapter, built from Peripherals.
//
// Custom peripherals are configured before the parent SetupTest runs:
//
//	func (s *ScanTestSuite) SetupTest() {
//	    s.WithPeripheral(TestDeviceAddress2).WithService("180D")
//	    s.CommandTestSuite.SetupTest() // Call parent last to apply configuration
//	}
type CommandTestSuite struct {
	suite.Suite

	Peripherals []*testutils.PeripheralBuilder

	// OnAdapter is called with every adapter a command opens, before use.
	OnAdapter func(f *testutils.FakeAdapter)
	// WrapAdapter replaces the adapter handed to the command.
	WrapAdapter func(f *testutils.FakeAdapter) adapter.Adapter

	mu       sync.Mutex
	adapters []*testutils.FakeAdapter
	restore  func()
}

// WithPeripheral adds a simulated peripheral for the next SetupTest.
func (s *CommandTestSuite) WithPeripheral(id string) *testutils.PeripheralBuilder {
	b := testutils.NewPeripheralBuilder(id)
	s.Peripherals = append(s.Peripherals, b)
	return b
}

func (s *CommandTestSuite) SetupTest() {
	color.NoColor = true
	if len(s.Peripherals) == 0 {
		s.Peripherals = []*testutils.PeripheralBuilder{testutils.DefaultPeripheral()}
	}

	prev := newAdapter
	s.restore = func() { newAdapter = prev }
	newAdapter = func(*logrus.Logger) (adapter.Adapter, error) {
		var peripherals []*testutils.FakePeripheral
		for _, b := range s.Peripherals {
			peripherals = append(peripherals, b.Build())
		}
		f := testutils.NewFakeAdapter(peripherals...)

		s.mu.Lock()
		s.adapters = append(s.adapters, f)
		s.mu.Unlock()

		if s.OnAdapter != nil {
			s.OnAdapter(f)
		}
		if s.WrapAdapter != nil {
			return s.WrapAdapter(f), nil
		}
		return f, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	if s.restore != nil {
		s.restore()
	}
	s.Peripherals = nil
	s.OnAdapter = nil
	s.WrapAdapter = nil
	s.adapters = nil
}

// Adapter returns the adapter opened by the last command run.
func (s *CommandTestSuite) Adapter() *testutils.FakeAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().NotEmpty(s.adapters, "no command opened an adapter")
	return s.adapters[len(s.adapters)-1]
}

// ExecuteCommand runs the CLI with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandContext is ExecuteCommand with a caller context, which stands
// in for Ctrl+C.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd := newRootCmd()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// RunFor runs the CLI until it exits on its own or d elapses.
func (s *CommandTestSuite) RunFor(d time.Duration, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.ExecuteCommandContext(ctx, args...)
}

// WriteConfig writes a YAML session configuration and returns its path.
func (s *CommandTestSuite) WriteConfig(yamlDoc string) string {
	path := filepath.Join(s.T().TempDir(), "blecore.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(yamlDoc), 0o600))
	return path
}

// NotifyAfterSubscribe delivers values on the first characteristic a command
// enables notifications on.
func NotifyAfterSubscribe(f *testutils.FakeAdapter, values ...[]byte) {
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if calls := f.Calls("SetNotify"); len(calls) > 0 {
				c := calls[0]
				for _, v := range values {
					f.Notify(c.ID, c.Char, v)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

// DropAfterNotify notifies value once notifications are enabled, then drops the link.
func DropAfterNotify(f *testutils.FakeAdapter, value []byte) {
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if calls := f.Calls("SetNotify"); len(calls) > 0 {
				c := calls[0]
				f.Notify(c.ID, c.Char, value)
				f.DropLink(c.ID, device.AdapterError(0x08, os.ErrDeadlineExceeded))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}
