// Command pcitool inspects and drives FPGA boards attached over PCIe: registers, DMA
// engines and the camera frame capture.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib/internal/config"
	"github.com/ipe-fpga/pcilib/internal/logging"
)

var (
	configPath string
	deviceFlag int
	modelFlag  string
	dmaFlag    string
	debug      bool

	cfg    config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "pcitool",
	Short: "Access FPGA boards attached over PCIe",
	Long: `pcitool reads and writes the registers of pcidriver devices, runs their DMA
engines and captures frames of the IPE camera.

Settings are read from pcitool.yml in the working directory if present, see mkconf.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", config.FileName, "The configuration file.")
	flags.IntVarP(&deviceFlag, "device", "d", 0, "The device number, /dev/fpga<n>.")
	flags.StringVarP(&modelFlag, "model", "m", config.MODEL_AUTO, "The board model (auto, ipecamera, pci).")
	flags.StringVar(&dmaFlag, "dma", config.DMA_AUTO, "The DMA backend (auto, ipe, nwl).")
	flags.BoolVar(&debug, "debug", false, "Log debug messages in development format.")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// setup layers the flags over the configuration and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("device") {
		cfg.Device.Number = deviceFlag
	}
	if cmd.Flags().Changed("model") {
		cfg.Device.Model = modelFlag
	}
	if cmd.Flags().Changed("dma") {
		cfg.Device.DMA = dmaFlag
	}
	if debug {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}

	logger, err = logging.New(cfg.Log)
	if err != nil {
		return err
	}

	return nil
}

func main() {
	err := rootCmd.Execute()
	_ = logger.Sync()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
