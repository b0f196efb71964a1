package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
)

type inspectFlags struct {
	json      bool
	readLimit int
	mtu       int
}

// inspectReport is the JSON document printed by inspect --json.
type inspectReport struct {
	ID       device.ID        `json:"id"`
	Name     string           `json:"name,omitempty"`
	MTU      int              `json:"mtu"`
	Services []device.Service `json:"services"`
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Inspect services and characteristics of a BLE device",
		Long: `Connects to a BLE device by address and lists its services and
characteristics. Readable characteristics are read unless --read-limit is 0.

Examples:
  blecore inspect aa:bb:cc:dd:ee:01
  blecore inspect aa:bb:cc:dd:ee:01 --json --mtu 247`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], f)
		},
	}
	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&f.readLimit, "read-limit", 64, "Max bytes shown per characteristic value (0 to skip reads)")
	cmd.Flags().IntVar(&f.mtu, "mtu", 0, "Negotiate this ATT MTU before reading")
	return cmd
}

func runInspect(cmd *cobra.Command, address string, f *inspectFlags) error {
	if f.readLimit < 0 {
		return fmt.Errorf("invalid read limit: %d", f.readLimit)
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

	if f.mtu > 0 {
		mtu, err := conn.RequestMTU(ctx, f.mtu)
		if err != nil {
			return err
		}
		cs.logger.WithField("mtu", mtu).Debug("MTU negotiated")
	}

	services, err := conn.DiscoverServices(ctx)
	if err != nil {
		return err
	}
	readErrs := make(map[device.CharRef]error)
	if f.readLimit > 0 {
		readValues(ctx, conn, services, readErrs, cs.logger)
	}

	report := inspectReport{ID: conn.ID(), MTU: conn.MTU(), Services: services}
	if rec, ok := cs.sess.Device(conn.ID()); ok {
		report.Name = rec.Name
	}

	if f.json {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	printInspectReport(cmd.OutOrStdout(), report, readErrs, f.readLimit)
	return nil
}

// readValues fills Value of every readable characteristic. Failed reads are
// recorded in errs and do not stop the walk.
func readValues(ctx context.Context, conn *connection.Connection, services []device.Service, errs map[device.CharRef]error, logger *logrus.Logger) {
	for i := range services {
		for j := range services[i].Characteristics {
			ch := &services[i].Characteristics[j]
			if !ch.Properties.Has(device.PropRead) {
				continue
			}
			value, err := conn.Read(ctx, ch.Ref().String())
			if err != nil {
				logger.WithFields(logrus.Fields{
					"char_uuid": ch.UUID,
					"error":     err,
				}).Debug("Characteristic read failed")
				errs[ch.Ref()] = err
				continue
			}
			ch.Value = value
		}
	}
}

func printInspectReport(out io.Writer, r inspectReport, readErrs map[device.CharRef]error, limit int) {
	bold := color.New(color.Bold).SprintFunc()
	svcColor := color.New(color.FgCyan, color.Bold).SprintFunc()
	errColor := color.New(color.FgRed).SprintFunc()

	title := string(r.ID)
	if r.Name != "" {
		title += " (" + r.Name + ")"
	}
	fmt.Fprintf(out, "%s %s\n", bold("Device"), title)
	fmt.Fprintf(out, "  MTU: %d\n", r.MTU)
	fmt.Fprintf(out, "  Services: %d\n", len(r.Services))

	for _, svc := range r.Services {
		fmt.Fprintln(out)
		header := "Service " + svc.UUID
		if name := svc.KnownName(); name != "" {
			header += " (" + name + ")"
		}
		fmt.Fprintln(out, svcColor(header))

		for _, ch := range svc.Characteristics {
			var b strings.Builder
			b.WriteString("  - " + ch.UUID)
			if name := ch.KnownName(); name != "" {
				b.WriteString(" " + name)
			}
			b.WriteString(" [" + ch.Properties.String() + "]")
			if err, failed := readErrs[ch.Ref()]; failed {
				b.WriteString(" " + errColor("read failed: "+FormatUserError(err)))
			} else if ch.Value != nil {
				b.WriteString(" = " + formatValue(ch.Value, limit))
			}
			fmt.Fprintln(out, b.String())
		}
	}
}

// formatValue renders value as hex, truncated to limit bytes.
func formatValue(value []byte, limit int) string {
	if len(value) == 0 {
		return "(empty)"
	}
	if limit > 0 && len(value) > limit {
		return hex.EncodeToString(value[:limit]) + "..."
	}
	return hex.EncodeToString(value)
}
