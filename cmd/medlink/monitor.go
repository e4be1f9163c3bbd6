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

	"github.com/curastack/medlink/internal/config"
	"github.com/curastack/medlink/telemetry"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [device-address]",
	Short: "Repeatedly acquire readings from one or all configured meters",
	Long: `Run acquisition attempts in a loop, printing each result.

With a device address the loop targets that one meter. Without arguments it
cycles through every device in the configured roster, which is the mode a
ward station runs in. The loop runs until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorInterval time.Duration
	monitorPublish  bool
	monitorType     string
)

func init() {
	monitorCmd.Flags().DurationVarP(&monitorInterval, "interval", "i", 5*time.Second, "Pause between acquisition attempts")
	monitorCmd.Flags().BoolVarP(&monitorPublish, "publish", "p", false, "Publish readings to the configured MQTT broker")
	monitorCmd.Flags().StringVarP(&monitorType, "type", "t", "", "Device type for ad-hoc monitoring (bp, glucose)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}
	if !monitorPublish {
		cfg.MQTT.Broker = ""
	}

	cmd.SilenceUsage = true

	svc, err := telemetry.NewService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var targets []string
	if len(args) == 1 {
		acquireType = monitorType
		if err := ensureRegistered(svc, args[0]); err != nil {
			return err
		}
		targets = args
	} else {
		for _, d := range svc.ListDevices() {
			targets = append(targets, d.ID)
		}
		if len(targets) == 0 {
			return fmt.Errorf("no devices in the configured roster: pass a device address or add devices to the config")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, stopping monitor...")
		cancel()
	}()

	if len(targets) == 1 {
		fmt.Printf("Monitoring %s (Ctrl+C to stop)\n", targets[0])
	} else {
		fmt.Printf("Monitoring %d configured devices (Ctrl+C to stop)\n", len(targets))
	}

	for {
		for _, deviceID := range targets {
			result, err := svc.AcquireReading(ctx, deviceID)
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				fmt.Printf("[%s] %s %s %s\n", time.Now().Format(time.TimeOnly), deviceID,
					color.RedString("attempt failed:"), FormatUserError(err))
			default:
				fmt.Printf("[%s] %s ", time.Now().Format(time.TimeOnly), deviceID)
				printResult(result)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(monitorInterval):
			}
		}
	}
}
