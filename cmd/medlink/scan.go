package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/curastack/medlink/internal/reading"
	"github.com/curastack/medlink/internal/session"
	"github.com/curastack/medlink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby meters",
	Long: `Scan for advertising devices and display their names, addresses, RSSI
values, and advertised services.

By default every advertising device is shown. With --meters-only, the list is
restricted to devices advertising a known health service.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanServices    []string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanWatch       bool
	scanMetersOnly  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
	scanCmd.Flags().BoolVar(&scanMetersOnly, "meters-only", false, "Only show devices advertising a known health service")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	serviceFilter := scanServices
	if scanMetersOnly && len(serviceFilter) == 0 {
		profiles := session.NewProfileRegistry()
		serviceFilter = append(profiles.AllServiceUUIDs(reading.DeviceBloodPressure),
			profiles.AllServiceUUIDs(reading.DeviceGlucose)...)
	}

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	duration := scanDuration
	if scanWatch && duration == 0 {
		duration = 24 * time.Hour // effectively indefinite
	}
	if duration == 0 {
		duration = 10 * time.Second
	}

	scanOpts := &scanner.ScanOptions{
		Duration:        duration,
		DuplicateFilter: scanNoDuplicate,
		ServiceUUIDs:    serviceFilter,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}

	if scanWatch {
		return runWatchMode(s, scanOpts, logger)
	}
	return runSingleScan(s, scanOpts, logger)
}

func runSingleScan(s *scanner.Scanner, opts *scanner.ScanOptions, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := NewCountdownProgressPrinter("Scanning for meters", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}
	return displayDevices(devices)
}

func runWatchMode(s *scanner.Scanner, opts *scanner.ScanOptions, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	seen := make(map[string]scanner.DeviceInfo)

	scanErrCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil)
		scanErrCh <- err
	}()

	redraw := time.NewTicker(time.Second)
	defer redraw.Stop()

	for {
		select {
		case <-ctx.Done():
			clearScreen()
			return displayDevices(seen)

		case err := <-scanErrCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			clearScreen()
			return displayDevices(seen)

		case <-redraw.C:
			clearScreen()
			_ = displayDevices(seen)

		case ev := <-s.Events():
			seen[ev.Device.ID] = ev.Device
		}
	}
}

func displayDevices(devices map[string]scanner.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	list := make([]scanner.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name > list[j].Name
		}
		return list[i].ID < list[j].ID
	})

	if scanFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		type jsonDevice struct {
			ID       string   `json:"id"`
			Name     string   `json:"name,omitempty"`
			RSSI     int      `json:"rssi"`
			Services []string `json:"services,omitempty"`
		}
		out := make([]jsonDevice, 0, len(list))
		for _, d := range list {
			out = append(out, jsonDevice{ID: d.ID, Name: d.Name, RSSI: d.RSSI, Services: d.ServiceUUIDs})
		}
		return encoder.Encode(out)
	}

	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, d := range list {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(d.ServiceUUIDs, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, d.ID, d.RSSI, services, lastSeen)
	}
	return w.Flush()
}

func clearScreen() {
	fmt.Fprint(os.Stdout, "\033[2J\033[H")
}
