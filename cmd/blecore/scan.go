package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/scanner"
)

type scanFlags struct {
	duration   time.Duration
	format     string
	sortBy     string
	services   []string
	allow      []string
	block      []string
	namePrefix string
	minRSSI    int
	dedup      string
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

The scan runs for --duration (0 scans until Ctrl+C) and then lists the
discovered devices with their names, addresses, RSSI values and advertised
services.

Examples:
  # Scan for 5 seconds
  blecore scan -d 5s

  # Heart rate monitors only, as JSON
  blecore scan --services 180d --format json

  # Strong signals from devices named "Polar..."
  blecore scan --name-prefix polar --min-rssi -70`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, f)
		},
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringVar(&f.sortBy, "sort", "rssi", "Sort order (rssi, name, seen)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only report these device addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Never report these device addresses")
	cmd.Flags().StringVar(&f.namePrefix, "name-prefix", "", "Only report devices whose name starts with this prefix")
	cmd.Flags().IntVar(&f.minRSSI, "min-rssi", 0, "Drop advertisements weaker than this RSSI (dBm)")
	cmd.Flags().StringVar(&f.dedup, "dedup", "", "Duplicate policy (none, by-device-id, by-device-id-and-rssi-bucket)")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	if len(f.services) > 0 {
		if _, err := device.ValidateUUID(f.services...); err != nil {
			return err
		}
	}
	switch f.sortBy {
	case "rssi", "name", "seen":
	default:
		return fmt.Errorf("invalid sort order: %s (must be rssi, name, or seen)", f.sortBy)
	}

	cs, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer cs.Close()

	opts := cs.sess.ScanOptions()
	if cmd.Flags().Changed("duration") {
		opts.Timeout = f.duration
	}
	if cmd.Flags().Changed("dedup") {
		if opts.Dedup, err = scanner.ParseDedupPolicy(f.dedup); err != nil {
			return err
		}
	}
	opts.Filter = scanner.Filter{
		Services:   f.services,
		AllowList:  f.allow,
		BlockList:  f.block,
		NamePrefix: f.namePrefix,
		MinRSSI:    f.minRSSI,
	}

	format := cs.cfg.OutputFormat
	if cmd.Flags().Changed("format") || format == "" {
		format = f.format
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid output format: %s (must be table or json)", format)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	sub := cs.sess.Subscribe(event.OfKind(event.KindDeviceDiscovered, event.KindScanTimedOut, event.KindScanStopped))
	defer sub.Cancel()

	scanID, err := cs.sess.Scan(ctx, opts)
	if err != nil {
		return err
	}

	var progress *ProgressPrinter
	if opts.Timeout > 0 {
		progress = NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning", "0 devices", opts.Timeout)
	} else {
		progress = NewProgressPrinter(cmd.ErrOrStderr(), "Scanning (Ctrl+C to stop)", "0 devices")
	}
	progress.Start()

	found := orderedmap.New[device.ID, device.Record]()
	var stopErr error
loop:
	for {
		e, err := sub.Recv(ctx)
		if err != nil {
			// Interrupted: report what was found so far
			break
		}
		switch ev := e.(type) {
		case event.DeviceDiscovered:
			if ev.ScanID != scanID {
				continue
			}
			found.Set(ev.Record.ID, ev.Record)
			progress.SetPhase(fmt.Sprintf("%d devices", found.Len()))
		case event.ScanTimedOut:
			if ev.ScanID == scanID {
				break loop
			}
		case event.ScanStopped:
			if ev.Err != nil {
				stopErr = device.AdapterError(0, ev.Err)
			}
			break loop
		}
	}
	progress.Stop()

	if err := cs.sess.StopScan(); err != nil {
		cs.logger.WithField("error", err).Warn("Failed to stop scan")
	}
	cs.logger.WithFields(logrus.Fields{
		"scan_id":      scanID,
		"device_count": found.Len(),
	}).Info("Scan finished")

	records := sortRecords(found, f.sortBy)
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		err = displayDevicesJSON(out, records)
	default:
		err = displayDevicesTable(out, records)
	}
	if err != nil {
		return err
	}
	return stopErr
}

// sortRecords returns the discovered records; "seen" keeps discovery order.
func sortRecords(found *orderedmap.OrderedMap[device.ID, device.Record], by string) []device.Record {
	records := make([]device.Record, 0, found.Len())
	for pair := found.Oldest(); pair != nil; pair = pair.Next() {
		records = append(records, pair.Value)
	}
	switch by {
	case "rssi":
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].RSSI != records[j].RSSI {
				return records[i].RSSI > records[j].RSSI
			}
			return records[i].ID < records[j].ID
		})
	case "name":
		sort.SliceStable(records, func(i, j int) bool {
			a, b := strings.ToLower(records[i].DisplayName()), strings.ToLower(records[j].DisplayName())
			if a != b {
				return a < b
			}
			return records[i].ID < records[j].ID
		})
	}
	return records
}

func displayDevicesTable(out io.Writer, records []device.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")

	for _, r := range records {
		name := r.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(r.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, r.ID, r.RSSI, services)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d device(s) discovered\n", len(records))
	return nil
}

func displayDevicesJSON(out io.Writer, records []device.Record) error {
	if records == nil {
		records = []device.Record{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}
