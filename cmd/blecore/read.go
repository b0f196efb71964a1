package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
)

type readFlags struct {
	service string
	hex     bool
	watch   string
}

func newReadCmd() *cobra.Command {
	f := &readFlags{}
	cmd := &cobra.Command{
		Use:   "read <device-address> <uuid>[,<uuid>...]",
		Short: "Read characteristic values",
		Long: `Reads one or more characteristics of a BLE device.

Examples:
  # Read Battery Level
  blecore read aa:bb:cc:dd:ee:01 2a19 --hex

  # Several characteristics at once
  blecore read aa:bb:cc:dd:ee:01 2a37,2a19 --hex

  # Disambiguate by service
  blecore read aa:bb:cc:dd:ee:01 2a19 --service 180f

  # Poll every 500ms until Ctrl+C
  blecore read aa:bb:cc:dd:ee:01 2a37 --hex --watch 500ms`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args[0], args[1], f)
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	cmd.Flags().StringVar(&f.watch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	cmd.Flags().Lookup("watch").NoOptDefVal = "1s"
	return cmd
}

// parseCSVUUIDs splits a comma-separated UUID list and validates every entry.
func parseCSVUUIDs(csv string) ([]string, error) {
	var uuids []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			uuids = append(uuids, part)
		}
	}
	if len(uuids) == 0 {
		return nil, fmt.Errorf("no valid UUIDs provided")
	}
	return device.ValidateUUID(uuids...)
}

// charPath addresses uuid within service when one is given.
func charPath(service, uuid string) string {
	if service == "" {
		return uuid
	}
	return device.NormalizeUUID(service) + "/" + uuid
}

func runRead(cmd *cobra.Command, address, csv string, f *readFlags) error {
	uuids, err := parseCSVUUIDs(csv)
	if err != nil {
		return err
	}

	var interval time.Duration
	if f.watch != "" {
		if len(uuids) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(uuids))
		}
		if interval, err = time.ParseDuration(f.watch); err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if interval <= 0 {
			return fmt.Errorf("invalid watch interval: %s", f.watch)
		}
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

	out := cmd.OutOrStdout()
	if interval > 0 {
		return watchChar(ctx, cmd, conn, charPath(f.service, uuids[0]), interval, f.hex, cs.logger)
	}

	if len(uuids) == 1 {
		data, err := conn.Read(ctx, charPath(f.service, uuids[0]))
		if err != nil {
			return fmt.Errorf("failed to read characteristic: %w", err)
		}
		return outputData(out, "", data, f.hex)
	}

	// Multi-read: report failures and keep going
	var failed int
	for _, uuid := range uuids {
		data, err := conn.Read(ctx, charPath(f.service, uuid))
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %s\n", device.ShortenUUID(uuid), FormatUserError(err))
			continue
		}
		if err := outputData(out, device.ShortenUUID(uuid)+": ", data, f.hex); err != nil {
			return err
		}
	}
	if failed == len(uuids) {
		return fmt.Errorf("all %d reads failed", failed)
	}
	return nil
}

// watchChar reads char every interval until ctx ends or the link drops.
func watchChar(ctx context.Context, cmd *cobra.Command, conn *connection.Connection, char string, interval time.Duration, asHex bool, logger *logrus.Logger) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		data, err := conn.Read(ctx, char)
		switch {
		case err == nil:
			if err := outputData(cmd.OutOrStdout(), "", data, asHex); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, device.ErrCancelledByDisconnect) || conn.State().IsTerminal():
			return ErrConnectionLost
		default:
			logger.WithError(err).Warn("Failed to read characteristic, continuing...")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// outputData writes data as hex or raw bytes, one value per line.
func outputData(w io.Writer, prefix string, data []byte, asHex bool) error {
	if asHex {
		_, err := fmt.Fprintf(w, "%s%s\n", prefix, hex.EncodeToString(data))
		return err
	}
	if _, err := io.WriteString(w, prefix); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}
