package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ipe-fpga/pcilib"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the pcidriver devices",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the board information and the DMA engines",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(listCmd, infoCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	devices, err := pcilib.EnumerateDevices()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")

		return nil
	}

	for _, d := range devices {
		fmt.Println(d)
	}

	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Device %s:\n", s.device.Path())
	fmt.Println(s.device.BoardInfo())

	if version, iface, err := s.device.DriverVersion(); err == nil {
		fmt.Printf("Driver version: %d, interface: %d\n", version, iface)
	}

	fmt.Printf("Model: %s, DMA: %s\n", s.model, s.backend)

	engines := s.dma.Engines()
	if len(engines) == 0 {
		fmt.Println("No DMA engines")

		return nil
	}

	fmt.Println("DMA engines:")
	for i, e := range engines {
		fmt.Printf("  %2d  %s\n", i, e)
	}

	fmt.Printf("Register banks: %v\n", s.layout.registers.Banks())

	return nil
}
