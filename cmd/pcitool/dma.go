package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
)

var (
	dmaForce       bool
	dmaReadSize    int
	dmaBenchSize   int
	dmaTimeout     time.Duration
	dmaMultipacket bool
	dmaOutput      string
	dmaIterations  int
	dmaDirection   string
)

var dmaCmd = &cobra.Command{
	Use:   "dma",
	Short: "Control the DMA engines",
	Long:  `Engines are selected by index, as listed by info, or by name, e.g. dma1r.`,
}

var dmaStatusCmd = &cobra.Command{
	Use:   "status [engine]",
	Short: "Show the ring state of the engines",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDMAStatus,
}

var dmaStartCmd = &cobra.Command{
	Use:   "start engine",
	Short: "Start an engine and keep it running after exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runDMAStart,
}

var dmaStopCmd = &cobra.Command{
	Use:   "stop engine",
	Short: "Stop an engine and release its buffers",
	Args:  cobra.ExactArgs(1),
	RunE:  runDMAStop,
}

var dmaReadCmd = &cobra.Command{
	Use:   "read engine",
	Short: "Read a packet from a C2S engine",
	Args:  cobra.ExactArgs(1),
	RunE:  runDMARead,
}

var dmaWriteCmd = &cobra.Command{
	Use:   "write engine file",
	Short: "Write the content of a file as a packet to an S2C engine",
	Args:  cobra.ExactArgs(2),
	RunE:  runDMAWrite,
}

var dmaBenchmarkCmd = &cobra.Command{
	Use:   "benchmark engine",
	Short: "Measure the throughput of an engine",
	Args:  cobra.ExactArgs(1),
	RunE:  runDMABenchmark,
}

func init() {
	dmaStopCmd.Flags().BoolVar(&dmaForce, "force", false, "Stop even if the ring is inconsistent.")

	dmaReadCmd.Flags().IntVarP(&dmaReadSize, "size", "s", 4096, "The buffer size in bytes.")
	dmaReadCmd.Flags().DurationVar(&dmaTimeout, "timeout", pcilib.DMA_TIMEOUT, "The wait for the packet.")
	dmaReadCmd.Flags().BoolVar(&dmaMultipacket, "multipacket", false, "Read packets until the buffer is full.")
	dmaReadCmd.Flags().StringVarP(&dmaOutput, "output", "o", "", "Write the data to a file instead of a hex dump.")

	dmaBenchmarkCmd.Flags().IntVarP(&dmaBenchSize, "size", "s", 1<<20, "The transfer size in bytes.")
	dmaBenchmarkCmd.Flags().IntVarP(&dmaIterations, "iterations", "i", 10, "The number of transfers.")
	dmaBenchmarkCmd.Flags().StringVar(&dmaDirection, "direction", "read", "The direction (read, write).")

	dmaCmd.AddCommand(dmaStatusCmd, dmaStartCmd, dmaStopCmd, dmaReadCmd, dmaWriteCmd, dmaBenchmarkCmd)
	rootCmd.AddCommand(dmaCmd)
}

// findEngine resolves an engine index or name.
func findEngine(d *dma.DMA, arg string) (dma.Engine, error) {
	if i, err := strconv.Atoi(arg); err == nil {
		if _, err := d.Engine(dma.Engine(i)); err != nil {
			return dma.ENGINE_INVALID, err
		}

		return dma.Engine(i), nil
	}

	for i, e := range d.Engines() {
		if strings.EqualFold(e.Name, arg) {
			return dma.Engine(i), nil
		}
	}

	return dma.ENGINE_INVALID, fmt.Errorf("DMA engine %q: %w", arg, pcilib.ErrNotFound)
}

func printStatus(engine dma.Engine, desc dma.EngineDescription, status dma.EngineStatus, buffers []dma.BufferStatus) {
	fmt.Printf("%d %s: ", engine, desc)
	if !status.Started {
		fmt.Println("stopped")

		return
	}

	fmt.Printf("started, ring %d x %d bytes, head %d, tail %d, %d buffers (%d bytes) pending\n",
		status.RingSize, status.BufferSize, status.RingHead, status.RingTail, status.WrittenBuffers, status.WrittenBytes)

	for i, b := range buffers {
		if !b.Used && !b.Error {
			continue
		}

		var marks []string
		if b.First {
			marks = append(marks, "first")
		}
		if b.Last {
			marks = append(marks, "last")
		}
		if b.Error {
			marks = append(marks, "error")
		}

		fmt.Printf("  %4d  %8d bytes  %s\n", i, b.Size, strings.Join(marks, ","))
	}
}

func runDMAStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	engines := make([]dma.Engine, 0, len(s.dma.Engines()))
	if len(args) == 1 {
		engine, err := findEngine(s.dma, args[0])
		if err != nil {
			return err
		}
		engines = append(engines, engine)
	} else {
		for i := range s.dma.Engines() {
			engines = append(engines, dma.Engine(i))
		}
	}

	for _, engine := range engines {
		desc, err := s.dma.Engine(engine)
		if err != nil {
			return err
		}

		status, buffers, err := s.dma.Status(engine)
		if err != nil {
			return err
		}

		printStatus(engine, desc, status, buffers)
	}

	return nil
}

func runDMAStart(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := findEngine(s.dma, args[0])
	if err != nil {
		return err
	}

	return s.dma.Start(engine, dma.DMA_FLAG_PERSISTENT)
}

func runDMAStop(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := findEngine(s.dma, args[0])
	if err != nil {
		return err
	}

	flags := dma.DMA_FLAGS_DEFAULT
	if dmaForce {
		flags |= dma.DMA_FLAG_STOP
	}

	return s.dma.Stop(engine, flags)
}

// startFlags are the flags engines are started with before reading.
func startFlags() dma.Flags {
	if cfg.DMA.Persistent {
		return dma.DMA_FLAG_PERSISTENT
	}

	return dma.DMA_FLAGS_DEFAULT
}

func runDMARead(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := findEngine(s.dma, args[0])
	if err != nil {
		return err
	}

	if err := s.dma.Start(engine, startFlags()); err != nil {
		return err
	}

	flags := dma.DMA_FLAG_WAIT
	if dmaMultipacket {
		flags |= dma.DMA_FLAG_MULTIPACKET
	}

	buf := make([]byte, dmaReadSize)
	n, err := s.dma.ReadCustom(engine, 0, buf, flags, dmaTimeout)
	if err != nil && n == 0 {
		return err
	}

	if dmaOutput != "" {
		if err := os.WriteFile(dmaOutput, buf[:n], 0o644); err != nil {
			return err
		}
		fmt.Printf("%d bytes written to %s\n", n, dmaOutput)
	} else {
		fmt.Print(hex.Dump(buf[:n]))
	}

	return err
}

func runDMAWrite(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}

	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := findEngine(s.dma, args[0])
	if err != nil {
		return err
	}

	n, err := s.dma.Write(engine, 0, data)
	fmt.Printf("%d of %d bytes written\n", n, len(data))

	return err
}

func runDMABenchmark(cmd *cobra.Command, args []string) error {
	var direction dma.Direction
	switch dmaDirection {
	case "read":
		direction = dma.DMA_FROM_DEVICE
	case "write":
		direction = dma.DMA_TO_DEVICE
	default:
		return fmt.Errorf("direction %q: %w", dmaDirection, pcilib.ErrInvalidArgument)
	}

	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := findEngine(s.dma, args[0])
	if err != nil {
		return err
	}

	mbs, err := s.dma.Benchmark(engine, 0, dmaBenchSize, dmaIterations, direction)
	if err != nil {
		return err
	}

	fmt.Printf("%s, %d x %d bytes: %.2f MB/s\n", direction, dmaIterations, dmaBenchSize, mbs)

	return nil
}
