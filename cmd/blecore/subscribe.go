package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/device"
)

type subscribeFlags struct {
	service    string
	hex        bool
	count      int
	duration   time.Duration
	timestamps bool
}

func newSubscribeCmd() *cobra.Command {
	f := &subscribeFlags{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> <uuid>",
		Short: "Stream characteristic notifications",
		Long: `Enables notifications or indications on a characteristic and prints
every value received until Ctrl+C, --count values or --duration.

Examples:
  # Heart rate measurements as hex
  blecore subscribe aa:bb:cc:dd:ee:01 2a37 --hex

  # First 10 values, with timestamps
  blecore subscribe aa:bb:cc:dd:ee:01 2a37 --hex --count 10 --timestamps`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, args[0], args[1], f)
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string; raw bytes by default")
	cmd.Flags().IntVarP(&f.count, "count", "n", 0, "Stop after N values (0 for unlimited)")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Stop after this long (0 for unlimited)")
	cmd.Flags().BoolVar(&f.timestamps, "timestamps", false, "Prefix every value with its arrival time")
	return cmd
}

func runSubscribe(cmd *cobra.Command, address, uuid string, f *subscribeFlags) error {
	uuids, err := device.ValidateUUID(uuid)
	if err != nil {
		return err
	}
	if f.count < 0 {
		return fmt.Errorf("invalid count: %d", f.count)
	}

	cs, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer cs.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	conn, err := cs.connect(ctx, cmd, address)
	if err != nil {
		return err
	}
	defer disconnect(conn, cs.logger)

	stream, err := conn.Subscribe(ctx, charPath(f.service, uuids[0]))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer stream.Close()

	status := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintln(cmd.ErrOrStderr(), status(fmt.Sprintf("Subscribed to %s. Press Ctrl+C to stop...", stream.Char())))

	if f.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, f.duration)
		defer stop()
	}

	var received int
	for {
		value, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, device.ErrCancelledByDisconnect) {
				return ErrConnectionLost
			}
			return err
		}

		prefix := ""
		if f.timestamps {
			prefix = time.Now().Format("15:04:05.000") + " "
		}
		if err := outputData(cmd.OutOrStdout(), prefix, value, f.hex); err != nil {
			return err
		}
		received++
		if f.count > 0 && received >= f.count {
			break
		}
	}

	if dropped := stream.Dropped(); dropped > 0 {
		cs.logger.WithField("dropped", dropped).Warn("Values were dropped because output was too slow")
	}
	return nil
}
