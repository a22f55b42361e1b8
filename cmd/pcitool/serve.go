package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/internal/config"
	"github.com/ipe-fpga/pcilib/internal/server"
)

var (
	serveListen string

	mkconfOutput string
	mkconfForce  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the device state over HTTP",
	Long: `serve exposes the board information, the DMA engines, the camera counters,
the registers and the metrics as JSON:

	/status  /dma/{engine}  /camera  /registers/{name}  /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var mkconfCmd = &cobra.Command{
	Use:   "mkconf",
	Short: "Write the current configuration to a file",
	Args:  cobra.NoArgs,
	RunE:  runMkconf,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "The listen address, overrides server.listen.")

	mkconfCmd.Flags().StringVarP(&mkconfOutput, "output", "o", config.FileName, "The file to write, - for stdout.")
	mkconfCmd.Flags().BoolVarP(&mkconfForce, "force", "f", false, "Overwrite an existing file.")

	rootCmd.AddCommand(serveCmd, mkconfCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	board := s.device.BoardInfo()
	srv := server.New(server.Options{
		Board:     &board,
		DMA:       s.dma,
		Camera:    s.camera,
		Registers: s.layout.registers,
		Gatherer:  s.registry,
		Logger:    logger,
	})

	addr := cfg.Server.Listen
	if serveListen != "" {
		addr = serveListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx, addr)
}

func runMkconf(cmd *cobra.Command, args []string) error {
	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}

	if mkconfOutput == "-" {
		_, err := os.Stdout.Write(data)

		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !mkconfForce {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(mkconfOutput, flags, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s exists, use --force to overwrite it: %w", mkconfOutput, pcilib.ErrBusy)
	}
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}
