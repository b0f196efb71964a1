package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/adapter"
	goble "github.com/srg/blecore/internal/adapter/go-ble"
	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/pkg/config"
	"github.com/srg/blecore/session"
)

// newAdapter opens the platform adapter. Tests replace it with a fake.
var newAdapter = func(logger *logrus.Logger) (adapter.Adapter, error) {
	return goble.Open(logger)
}

// cmdSession bundles what a command needs for one run.
type cmdSession struct {
	cfg    *config.Config
	logger *logrus.Logger
	sess   *session.Session
}

// openSession loads the configuration, configures logging and opens a session
// on a fresh adapter.
func openSession(cmd *cobra.Command) (*cmdSession, error) {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	a, err := newAdapter(logger)
	if err != nil {
		return nil, err
	}
	sess, err := session.Open(cmd.Context(), a, cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return &cmdSession{cfg: cfg, logger: logger, sess: sess}, nil
}

func (c *cmdSession) Close() error {
	return c.sess.Close()
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func deviceID(address string) device.ID {
	return device.ID(strings.ToLower(strings.TrimSpace(address)))
}

// connect opens a connection to address and waits until its services are
// discovered, showing the connection state as progress.
func (c *cmdSession) connect(ctx context.Context, cmd *cobra.Command, address string) (*connection.Connection, error) {
	id := deviceID(address)
	states := c.sess.Subscribe(event.And(event.OfKind(event.KindStateChanged), event.ForDevice(id)))
	defer states.Cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+address, string(device.StateConnecting))
	progress.Start()
	defer progress.Stop()

	go func() {
		for e := range states.Events(ctx) {
			progress.SetPhase(string(e.(event.StateChanged).To))
		}
	}()

	conn, err := c.sess.Connect(id, device.ConnectOptions{})
	if err != nil {
		return nil, err
	}
	if err := conn.WaitReady(ctx); err != nil {
		disconnect(conn, c.logger)
		return nil, err
	}
	return conn, nil
}

// disconnect tears conn down unless the link is already gone.
func disconnect(conn *connection.Connection, logger *logrus.Logger) {
	if conn.State().IsTerminal() {
		return
	}
	if err := conn.Disconnect(context.Background()); err != nil && !errors.Is(err, device.ErrInvalidState) {
		logger.WithField("error", err).Warn("Disconnect failed")
	}
}
