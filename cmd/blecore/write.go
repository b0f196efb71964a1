package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/device"
)

// attHeaderSize is the ATT write request overhead subtracted from the MTU.
const attHeaderSize = 3

type writeFlags struct {
	service    string
	hex        bool
	noResponse bool
	chunk      int
}

func newWriteCmd() *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <uuid> <data>",
		Short: "Write to a characteristic",
		Long: `Writes data to a BLE characteristic. Payloads larger than one ATT
packet are split into MTU-sized chunks and written in order.

Examples:
  # Write a UTF-8 string
  blecore write aa:bb:cc:dd:ee:01 2a39 "hello"

  # Write hex bytes without waiting for an acknowledgement
  blecore write aa:bb:cc:dd:ee:01 2a39 01ff --hex --without-response`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, args[0], args[1], args[2], f)
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	cmd.Flags().BoolVar(&f.noResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	cmd.Flags().IntVar(&f.chunk, "chunk", 0, "Force writes into N-byte chunks; default 0, auto-detect from MTU")
	return cmd
}

// parseWriteData converts the data argument to bytes.
func parseWriteData(s string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(s), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(s)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// chunks splits data into pieces of at most size bytes.
func chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func runWrite(cmd *cobra.Command, address, uuid, dataStr string, f *writeFlags) error {
	uuids, err := device.ValidateUUID(uuid)
	if err != nil {
		return err
	}
	data, err := parseWriteData(dataStr, f.hex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if f.chunk < 0 {
		return fmt.Errorf("invalid chunk size: %d", f.chunk)
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

	path := charPath(f.service, uuids[0])
	char, err := conn.Characteristic(path)
	if err != nil {
		return err
	}
	canWrite := char.Properties.Has(device.PropWrite)
	canWriteNoResponse := char.Properties.Has(device.PropWriteNoResponse)
	if !canWrite && !canWriteNoResponse {
		return fmt.Errorf("characteristic %s does not support write operations", char.UUID)
	}
	// Defaults to with-response when supported
	withResponse := canWrite && !f.noResponse

	size := f.chunk
	if size == 0 {
		size = conn.MTU() - attHeaderSize
	}
	parts := chunks(data, size)
	for i, part := range parts {
		if err := conn.Write(ctx, path, part, withResponse); err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
		cs.logger.WithFields(logrus.Fields{
			"char_uuid": char.UUID,
			"chunk":     i + 1,
			"chunks":    len(parts),
			"bytes":     len(part),
		}).Debug("Chunk written")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), device.ShortenUUID(char.UUID))
	return nil
}
