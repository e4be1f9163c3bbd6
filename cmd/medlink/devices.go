package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/curastack/medlink/internal/config"
	"github.com/curastack/medlink/internal/reading"
	"github.com/curastack/medlink/internal/registry"
	"github.com/curastack/medlink/telemetry"
)

// devicesCmd groups the roster management subcommands.
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage the device roster",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured devices",
	RunE:  runDevicesList,
}

var devicesCheckCmd = &cobra.Command{
	Use:   "check <device-address>",
	Short: "Check whether an address is registered and how it would connect",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesCheck,
}

var (
	deviceAddType    string
	deviceAddName    string
	deviceAddProfile string
)

var devicesAddCmd = &cobra.Command{
	Use:   "add <device-address>",
	Short: "Validate a device registration",
	Long: `Validate a registration the way the service would apply it at startup.

The roster itself lives in the YAML config file; this command checks the
address, type, and profile and prints the entry to paste into the config.`,
	Args: cobra.ExactArgs(1),
	RunE: runDevicesAdd,
}

func init() {
	devicesAddCmd.Flags().StringVarP(&deviceAddType, "type", "t", "bp", "Device type (bp, glucose)")
	devicesAddCmd.Flags().StringVarP(&deviceAddName, "name", "n", "", "Display name")
	devicesAddCmd.Flags().StringVar(&deviceAddProfile, "profile", "", "Force a specific service profile")

	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesAddCmd)
	devicesCmd.AddCommand(devicesCheckCmd)
}

func loadService(cmd *cobra.Command) (*telemetry.Service, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.MQTT.Broker = ""
	return telemetry.NewService(cfg, logger)
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	svc, err := loadService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	cmd.SilenceUsage = true

	devices := svc.ListDevices()
	if len(devices) == 0 {
		fmt.Println("No devices configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tTYPE\tPROFILE\tSITE")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, d := range devices {
		profile := d.Profile
		if profile == "" {
			profile = "(auto)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Type, profile, d.Site)
	}
	return w.Flush()
}

func runDevicesAdd(cmd *cobra.Command, args []string) error {
	svc, err := loadService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	cmd.SilenceUsage = true

	devType, err := reading.ParseDeviceType(deviceAddType)
	if err != nil {
		return err
	}
	identity := registry.DeviceIdentity{
		ID:      args[0],
		Name:    deviceAddName,
		Type:    devType,
		Profile: deviceAddProfile,
	}
	if err := svc.RegisterDevice(identity); err != nil {
		return err
	}

	fmt.Println("Registration is valid. Add to the config file:")
	fmt.Println("devices:")
	fmt.Printf("  - id: %q\n", identity.ID)
	if identity.Name != "" {
		fmt.Printf("    name: %q\n", identity.Name)
	}
	fmt.Printf("    type: %s\n", identity.Type)
	if identity.Profile != "" {
		fmt.Printf("    profile: %s\n", identity.Profile)
	}
	return nil
}

func runDevicesCheck(cmd *cobra.Command, args []string) error {
	svc, err := loadService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	cmd.SilenceUsage = true

	identity, err := svc.Registry().Lookup(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("address: %s\n", identity.ID)
	if identity.Name != "" {
		fmt.Printf("name:    %s\n", identity.Name)
	}
	fmt.Printf("type:    %s\n", identity.Type)
	if identity.Profile != "" {
		fmt.Printf("profile: %s (forced)\n", identity.Profile)
	} else {
		fmt.Printf("profile: resolved by type priority at connect time\n")
	}
	return nil
}
