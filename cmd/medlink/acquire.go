package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/curastack/medlink/internal/acquire"
	"github.com/curastack/medlink/internal/config"
	"github.com/curastack/medlink/internal/reading"
	"github.com/curastack/medlink/internal/registry"
	"github.com/curastack/medlink/telemetry"
)

// acquireCmd represents the acquire command
var acquireCmd = &cobra.Command{
	Use:   "acquire <device-address>",
	Short: "Acquire one reading from a meter",
	Long: `Connect to a meter, wait for it to transmit a measurement, and print the
decoded reading.

The device is looked up in the configured roster; an unknown address can be
acquired ad hoc by passing --type. When no decodable reading arrives before
the deadline the command reports that manual entry is required.`,
	Args: cobra.ExactArgs(1),
	RunE: runAcquire,
}

var (
	acquireType    string
	acquirePublish bool
	acquireProfile string
	acquireTimeout time.Duration
)

func init() {
	acquireCmd.Flags().StringVarP(&acquireType, "type", "t", "", "Device type for ad-hoc acquisition (bp, glucose)")
	acquireCmd.Flags().BoolVarP(&acquirePublish, "publish", "p", false, "Publish the reading to the configured MQTT broker")
	acquireCmd.Flags().StringVar(&acquireProfile, "profile", "", "Force a specific service profile")
	acquireCmd.Flags().DurationVar(&acquireTimeout, "timeout", 0, "Abort the whole attempt after this long (0 uses the profile deadline)")
}

func runAcquire(cmd *cobra.Command, args []string) error {
	deviceID := args[0]

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}
	if !acquirePublish {
		cfg.MQTT.Broker = ""
	}

	cmd.SilenceUsage = true

	svc, err := telemetry.NewService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := ensureRegistered(svc, deviceID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if acquireTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, aborting acquisition...")
		cancel()
	}()

	progress := NewProgressPrinter(fmt.Sprintf("Acquiring from %s", deviceID), "Connecting", "Done")
	progress.Start()
	defer progress.Stop()

	result, err := svc.AcquireReading(ctx, deviceID)
	progress.Stop()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("acquisition failed: %w", err)
	}

	printResult(result)
	return nil
}

// ensureRegistered registers an ad-hoc device when the address is not in the
// configured roster. --type is required in that case.
func ensureRegistered(svc *telemetry.Service, deviceID string) error {
	for _, d := range svc.ListDevices() {
		if d.ID == deviceID {
			return nil
		}
	}
	if acquireType == "" {
		return fmt.Errorf("device %q is not registered: pass --type bp|glucose to acquire ad hoc", deviceID)
	}
	devType, err := reading.ParseDeviceType(acquireType)
	if err != nil {
		return err
	}
	return svc.RegisterDevice(registry.DeviceIdentity{
		ID:      deviceID,
		Type:    devType,
		Profile: acquireProfile,
	})
}

func printResult(result *acquire.Result) {
	switch result.Outcome {
	case acquire.OutcomeReading:
		confidence := color.GreenString(string(result.Reading.Confidence))
		if result.Reading.Confidence == reading.ConfidenceHeuristicAccepted {
			confidence = color.YellowString(string(result.Reading.Confidence))
		}
		fmt.Printf("%s %s\n", color.GreenString("READING:"), result.Reading.String())
		fmt.Printf("  strategy:   %s\n", result.Reading.Strategy)
		fmt.Printf("  confidence: %s\n", confidence)
		fmt.Printf("  elapsed:    %s (%d bytes, %d notifications)\n",
			result.Elapsed.Truncate(10 * time.Millisecond), result.BytesReceived, result.Notifications)

	case acquire.OutcomeManualEntry:
		fmt.Printf("%s no decodable reading from %s\n",
			color.RedString("MANUAL ENTRY REQUIRED:"), result.DeviceID)
		fmt.Printf("  received %d bytes across %d notifications in %s\n",
			result.BytesReceived, result.Notifications, result.Elapsed.Truncate(10 * time.Millisecond))
		fmt.Println("  read the value from the meter display and record it by hand")

	default:
		fmt.Printf("%s %s\n", color.RedString("FAILED:"), FormatUserError(result.Err))
	}
}
