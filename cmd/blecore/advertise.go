package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/bledb"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
)

type advertiseFlags struct {
	name     string
	duration time.Duration
}

func newAdvertiseCmd() *cobra.Command {
	f := &advertiseFlags{}
	cmd := &cobra.Command{
		Use:   "advertise <hex-data>",
		Short: "Broadcast manufacturer data",
		Long: `Broadcasts manufacturer-specific advertising data. The first two bytes
of <hex-data> are the company identifier (big-endian), the rest is the payload.

Examples:
  # Nordic Semiconductor (0x0059) with payload 0102 for 30 seconds
  blecore advertise 00590102 --name beacon -d 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdvertise(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "Local name included in the advertisement")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Stop after this long (0 until Ctrl+C)")
	return cmd
}

func runAdvertise(cmd *cobra.Command, dataStr string, f *advertiseFlags) error {
	raw, err := parseWriteData(dataStr, true)
	if err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("advertising data needs at least the 2-byte company identifier, got %d bytes", len(raw))
	}
	companyID, payload := binary.BigEndian.Uint16(raw[:2]), raw[2:]

	cs, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer cs.Close()

	adv, err := cs.sess.Advertiser()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()
	if f.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, f.duration)
		defer stop()
	}

	sub := cs.sess.Subscribe(event.OfKind(event.KindAdvertisingStateChanged))
	defer sub.Cancel()

	adv.SetLocalName(f.name)
	if err := adv.SetAdvertisingData(raw); err != nil {
		return err
	}
	if err := adv.Start(); err != nil {
		return err
	}
	defer func() {
		if err := adv.Stop(); err != nil {
			cs.logger.WithField("error", err).Warn("Failed to stop advertising")
		}
	}()

	// Wait for the adapter to confirm the broadcast
	for !adv.IsAdvertising() {
		e, err := sub.Recv(ctx)
		if err != nil {
			return nil
		}
		if ev := e.(event.AdvertisingStateChanged); !ev.Active {
			if ev.Err != nil {
				return device.AdapterError(0, ev.Err)
			}
			return fmt.Errorf("adapter did not start advertising")
		}
	}

	company := fmt.Sprintf("0x%04x", companyID)
	if name := bledb.LookupCompany(companyID); name != "" {
		company += " (" + name + ")"
	}
	status := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintln(cmd.OutOrStdout(), status(fmt.Sprintf("Advertising company %s payload %s", company, formatValue(payload, 0))))

	for {
		e, err := sub.Recv(ctx)
		if err != nil {
			break
		}
		if ev := e.(event.AdvertisingStateChanged); !ev.Active && !adv.IsAdvertising() {
			if ev.Err != nil {
				return device.AdapterError(0, ev.Err)
			}
			return fmt.Errorf("advertising ended by the adapter")
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Advertising stopped")
	return nil
}
