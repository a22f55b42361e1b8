package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/dma/ipe"
	"github.com/ipe-fpga/pcilib/dma/nwl"
	"github.com/ipe-fpga/pcilib/internal/config"
	"github.com/ipe-fpga/pcilib/internal/metrics"
	"github.com/ipe-fpga/pcilib/ipecamera"
)

// DMA_BANK is the register bank of the DMA engines in every model.
const DMA_BANK = "dma"

// detectModel resolves MODEL_AUTO from the PCI identifiers.
func detectModel(info pcilib.BoardInfo, model string) string {
	if model != config.MODEL_AUTO {
		return model
	}

	if info.VendorID == pcilib.PCIE_XILINX_VENDOR_ID && info.DeviceID == pcilib.PCIE_IPECAMERA_DEVICE_ID {
		return config.MODEL_IPECAMERA
	}

	return config.MODEL_PCI
}

// detectDMA resolves DMA_AUTO by probing the bank for NWL engines.
func detectDMA(bank *pcilib.Bank, backend string) string {
	if backend != config.DMA_AUTO {
		return backend
	}

	if nwl.Detect(bank) {
		return nwl.Name
	}

	return ipe.Name
}

// layout is the register map of a model over BAR0.
type layout struct {
	registers    *pcilib.Registers
	dmaBank      *pcilib.Bank
	modification string
}

func newLayout(model string, bar pcilib.Bar) (*layout, error) {
	switch model {
	case config.MODEL_IPECAMERA:
		m, err := ipecamera.NewModel(bar, &ipecamera.SPIProtocol{Logger: logger})
		if err != nil {
			return nil, err
		}

		return &layout{registers: m.Registers, dmaBank: m.DMA, modification: dma.MODIFICATION_IPECAMERA}, nil
	case config.MODEL_PCI:
		bank := &pcilib.Bank{
			Name:       DMA_BANK,
			Bar:        bar,
			Size:       bar.Size(),
			Width:      32,
			Endianness: pcilib.LITTLE_ENDIAN,
		}

		regs, err := pcilib.NewRegisters([]*pcilib.Bank{bank}, nil)
		if err != nil {
			return nil, err
		}

		return &layout{registers: regs, dmaBank: bank}, nil
	default:
		return nil, fmt.Errorf("model %q: %w", model, pcilib.ErrNotSupported)
	}
}

// session is an open device with its register map, DMA engines and, for the camera
// model, the frame capture.
type session struct {
	device   *pcilib.Device
	model    string
	layout   *layout
	backend  string
	registry *prometheus.Registry
	dmaStats *metrics.DMA
	dma      *dma.DMA
	camera   *ipecamera.Camera
	camStats *metrics.Camera
}

// openSession opens the configured device. The camera is only set up if withCamera is
// set and the board runs the camera firmware.
func openSession(withCamera bool) (*session, error) {
	device, err := pcilib.Open(cfg.Device.Number, pcilib.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	s := &session{
		device:   device,
		model:    detectModel(device.BoardInfo(), cfg.Device.Model),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector())

	if err := s.open(withCamera); err != nil {
		_ = s.Close()

		return nil, err
	}

	return s, nil
}

func (s *session) open(withCamera bool) error {
	bar, err := s.device.Bar(pcilib.BAR0)
	if err != nil {
		return err
	}

	s.layout, err = newLayout(s.model, bar)
	if err != nil {
		return err
	}

	s.backend = detectDMA(s.layout.dmaBank, cfg.Device.DMA)
	s.dmaStats = metrics.NewDMA(s.registry)

	s.dma, err = dma.Open(s.backend, dma.Options{
		Kmem:         s.device,
		Bank:         s.layout.dmaBank,
		Registers:    s.layout.registers,
		Modification: s.layout.modification,
		Logger:       logger,
		Metrics:      s.dmaStats,
		Config:       cfg.DMA,
	})
	if err != nil {
		return err
	}

	s.addDMARegisters()

	logger.Debug("Session opened",
		zap.String("model", s.model), zap.String("dma", s.backend), zap.Int("engines", len(s.dma.Engines())))

	if !withCamera || s.model != config.MODEL_IPECAMERA {
		return nil
	}

	s.camStats = metrics.NewCamera(s.registry)
	s.camera, err = ipecamera.New(ipecamera.Options{
		Registers: s.layout.registers,
		DMA:       s.dma,
		Logger:    logger,
		Metrics:   s.camStats,
		Config:    cfg.Camera,
	})

	return err
}

// addDMARegisters places the registers of the backend into the map.
func (s *session) addDMARegisters() {
	var table []pcilib.Register

	switch b := s.dma.Backend().(type) {
	case *nwl.Backend:
		table = b.RegisterTable(DMA_BANK)
	case *ipe.Backend:
		table = ipe.RegisterTable(DMA_BANK)
	}

	for _, reg := range table {
		if err := s.layout.registers.Add(reg); err != nil {
			logger.Debug("DMA register does not fit the bank", zap.String("register", reg.Name), zap.Error(err))
		}
	}
}

// needCamera fails unless the session captures frames.
func (s *session) needCamera() error {
	if !s.camera.IsReady() {
		return fmt.Errorf("model %s has no camera: %w", s.model, pcilib.ErrNotSupported)
	}

	return nil
}

// Close releases the camera, the DMA engines and the device.
func (s *session) Close() error {
	var errs []error

	if s.camera.IsReady() {
		errs = append(errs, s.camera.Close())
	}
	if s.dma.IsReady() {
		errs = append(errs, s.dma.Close())
	}
	if s.device.IsReady() {
		errs = append(errs, s.device.Close())
	}

	return errors.Join(errs...)
}
