// Package ipecamera captures frames of the IPE camera firmware from a DMA stream.
package ipecamera

import (
	"fmt"
	"time"

	"github.com/ipe-fpga/pcilib"
)

// Register space of the camera firmware within BAR0.
const (
	REGISTER_SPACE uintptr = 0x9000
	REGISTER_WRITE uintptr = REGISTER_SPACE
	REGISTER_READ  uintptr = REGISTER_WRITE + 16

	FPGA_BANK_SIZE   uintptr = 0x200
	CMOSIS_BANK_SIZE uintptr = 128
	DMA_BANK_SIZE    uintptr = 0xA000
)

// Values of the control register.
const (
	CONTROL_IDLE                   uint32 = 0x1E1
	CONTROL_START_INTERNAL_STIMULI uint32 = 0x1F1
	CONTROL_FRAME_REQUEST          uint32 = 0x1E9
	CONTROL_READOUT                uint32 = 0x3E1
	CONTROL_READOUT_FLAG           uint32 = 0x200
	CONTROL_RESET                  uint32 = 0x1E4

	EXPECTED_STATUS uint32 = 0x8409FFFF
	END_OF_SEQUENCE uint32 = 0x1F001001

	// STATUS3_BUSY is set while the sensor still handles a frame request.
	STATUS3_BUSY uint32 = 0x20000000
)

// Sensor geometry.
const (
	MAX_CHANNELS       = 16
	PIXELS_PER_CHANNEL = 128
	WIDTH              = MAX_CHANNELS * PIXELS_PER_CHANNEL
	MAX_LINES          = 1088
)

const (
	DMA_ADDRESS       = 1
	DMA_PACKET_LENGTH = 4096

	DEFAULT_BUFFER_SIZE = 16
	RESERVE_BUFFERS     = 2

	SLEEP_TIME            = 250 * time.Millisecond
	NEXT_FRAME_DELAY      = time.Millisecond
	NOFRAME_SLEEP         = 100 * time.Microsecond
	NOFRAME_PREPROC_SLEEP = 100 * time.Microsecond
	RESET_SETTLE_TIME     = 10 * time.Millisecond
	TRIGGER_TIMEOUT       = 100 * time.Millisecond
)

var cmosisRegisters = []pcilib.Register{
	{Name: "cmosis_number_lines", Addr: 1, Bits: 16, Default: 1088},
	{Name: "cmosis_start1", Addr: 3, Bits: 16},
	{Name: "cmosis_start2", Addr: 5, Bits: 16},
	{Name: "cmosis_start3", Addr: 7, Bits: 16},
	{Name: "cmosis_start4", Addr: 9, Bits: 16},
	{Name: "cmosis_start5", Addr: 11, Bits: 16},
	{Name: "cmosis_start6", Addr: 13, Bits: 16},
	{Name: "cmosis_start7", Addr: 15, Bits: 16},
	{Name: "cmosis_start8", Addr: 17, Bits: 16},
	{Name: "cmosis_number_lines1", Addr: 19, Bits: 16},
	{Name: "cmosis_number_lines2", Addr: 21, Bits: 16},
	{Name: "cmosis_number_lines3", Addr: 23, Bits: 16},
	{Name: "cmosis_number_lines4", Addr: 25, Bits: 16},
	{Name: "cmosis_number_lines5", Addr: 27, Bits: 16},
	{Name: "cmosis_number_lines6", Addr: 29, Bits: 16},
	{Name: "cmosis_number_lines7", Addr: 31, Bits: 16},
	{Name: "cmosis_number_lines8", Addr: 33, Bits: 16},
	{Name: "cmosis_sub_s", Addr: 35, Bits: 16},
	{Name: "cmosis_sub_a", Addr: 37, Bits: 16},
	{Name: "cmosis_color", Addr: 39, Bits: 1, Default: 1},
	{Name: "cmosis_image_flipping", Addr: 40, Bits: 2},
	{Name: "cmosis_exp_flags", Addr: 41, Bits: 2},
	{Name: "cmosis_exp_time", Addr: 42, Bits: 24, Default: 1088},
	{Name: "cmosis_exp_step", Addr: 45, Bits: 24, Default: 1088},
	{Name: "cmosis_exp_kp1", Addr: 48, Bits: 24, Default: 1},
	{Name: "cmosis_exp_kp2", Addr: 51, Bits: 24, Default: 1},
	{Name: "cmosis_nr_slopes", Addr: 54, Bits: 2, Default: 1},
	{Name: "cmosis_exp_seq", Addr: 55, Bits: 8, Default: 1},
	{Name: "cmosis_exp_time2", Addr: 56, Bits: 24, Default: 1088},
	{Name: "cmosis_exp_step2", Addr: 59, Bits: 24, Default: 1088},
	{Name: "cmosis_nr_slopes2", Addr: 68, Bits: 2, Default: 1},
	{Name: "cmosis_exp_seq2", Addr: 69, Bits: 8, Default: 1},
	{Name: "cmosis_number_frames", Addr: 70, Bits: 16, Default: 1},
	{Name: "cmosis_output_mode", Addr: 72, Bits: 2},
	{Name: "cmosis_training_pattern", Addr: 78, Bits: 12, Default: 85},
	{Name: "cmosis_channel_en", Addr: 80, Bits: 18, Default: 0x3FFFF},
	{Name: "cmosis_special_82", Addr: 82, Bits: 3, Default: 7},
	{Name: "cmosis_vlow2", Addr: 89, Bits: 8, Default: 96},
	{Name: "cmosis_vlow3", Addr: 90, Bits: 8, Default: 96},
	{Name: "cmosis_offset", Addr: 100, Bits: 14, Default: 16260},
	{Name: "cmosis_pga", Addr: 102, Bits: 2},
	{Name: "cmosis_adc_gain", Addr: 103, Bits: 8, Default: 32},
	{Name: "cmosis_bit_mode", Addr: 111, Bits: 1, Default: 1},
	{Name: "cmosis_adc_resolution", Addr: 112, Bits: 2},
	{Name: "cmosis_special_115", Addr: 115, Bits: 1, Default: 1},
}

var fpgaRegisters = []pcilib.Register{
	{Name: "spi_conf_input", Addr: 0x00},
	{Name: "spi_conf_output", Addr: 0x10, Mode: pcilib.REGISTER_R},
	{Name: "spi_clk_speed", Addr: 0x20},
	{Name: "firmware_info", Addr: 0x30, Mode: pcilib.REGISTER_R},
	{Name: "firmware_version", Addr: 0x30, Bits: 8, Mode: pcilib.REGISTER_R},
	{Name: "firmware_bitmode", Addr: 0x30, Offset: 8, Bits: 1, Mode: pcilib.REGISTER_R},
	{Name: "adc_resolution", Addr: 0x30, Offset: 12, Bits: 2, Mode: pcilib.REGISTER_R},
	{Name: "output_mode", Addr: 0x30, Offset: 16, Bits: 2, Mode: pcilib.REGISTER_R},
	{Name: "control", Addr: 0x40},
	{Name: "status", Addr: 0x50, Mode: pcilib.REGISTER_R},
	{Name: "status2", Addr: 0x54, Mode: pcilib.REGISTER_R},
	{Name: "status3", Addr: 0x58, Mode: pcilib.REGISTER_R},
	{Name: "fr_status", Addr: 0x5c, Mode: pcilib.REGISTER_R},
	{Name: "start_address", Addr: 0x70, Mode: pcilib.REGISTER_R},
	{Name: "end_address", Addr: 0x74, Mode: pcilib.REGISTER_R},
	{Name: "rd_address", Addr: 0x78, Mode: pcilib.REGISTER_R},
	{Name: "fr_param1", Addr: 0xa0, Mode: pcilib.REGISTER_R},
	{Name: "fr_skip_lines", Addr: 0xa0, Bits: 11, Mode: pcilib.REGISTER_R},
	{Name: "fr_num_lines", Addr: 0xa0, Offset: 11, Bits: 11, Mode: pcilib.REGISTER_R},
	{Name: "fr_start_address", Addr: 0xa0, Offset: 22, Bits: 10, Mode: pcilib.REGISTER_R},
	{Name: "fr_param2", Addr: 0xb0},
	{Name: "fr_threshold_lines", Addr: 0xb0, Bits: 11},
	{Name: "skiped_lines", Addr: 0xc0, Mode: pcilib.REGISTER_R},
	{Name: "rawdata_pkt_addr", Addr: 0x100},
	{Name: "temperature_info", Addr: 0x110, Mode: pcilib.REGISTER_R},
	{Name: "sensor_temperature", Addr: 0x110, Bits: 16, Mode: pcilib.REGISTER_R},
	{Name: "sensor_temperature_alarms", Addr: 0x110, Offset: 16, Bits: 3, Mode: pcilib.REGISTER_R},
	{Name: "fpga_temperature", Addr: 0x110, Offset: 19, Bits: 10, Mode: pcilib.REGISTER_R},
	{Name: "fpga_temperature_alarms", Addr: 0x110, Offset: 29, Bits: 3, Mode: pcilib.REGISTER_R},
	{Name: "num_lines", Addr: 0x120, Mode: pcilib.REGISTER_R},
	{Name: "start_line", Addr: 0x130, Mode: pcilib.REGISTER_R},
	{Name: "exp_time", Addr: 0x140, Mode: pcilib.REGISTER_R},
	{Name: "motor", Addr: 0x150},
	{Name: "motor_phi", Addr: 0x150, Bits: 5},
	{Name: "motor_z", Addr: 0x150, Offset: 5, Bits: 5},
	{Name: "motor_y", Addr: 0x150, Offset: 10, Bits: 5},
	{Name: "motor_x", Addr: 0x150, Offset: 15, Bits: 5},
	{Name: "adc_gain", Addr: 0x150, Offset: 20, Bits: 8, Mode: pcilib.REGISTER_R},
	{Name: "write_status", Addr: 0x160, Mode: pcilib.REGISTER_R},
	{Name: "num_triggers", Addr: 0x170},
	{Name: "trigger_period", Addr: 0x180, Default: 0x280},
	{Name: "temperature_sample_period", Addr: 0x190, Mode: pcilib.REGISTER_R},
	{Name: "max_frames", Addr: 0x1a0, Default: 0x64},
	{Name: "num_frames", Addr: 0x1b0, Mode: pcilib.REGISTER_R},
}

// Model is the register layout of the camera firmware.
type Model struct {
	Registers *pcilib.Registers
	FPGA      *pcilib.Bank
	CMOSIS    *pcilib.Bank
	DMA       *pcilib.Bank
}

// NewModel lays the camera banks over BAR0. The sensor bank is reached through the SPI
// bridge of the firmware.
func NewModel(bar pcilib.Bar, spi *SPIProtocol) (*Model, error) {
	if spi == nil {
		spi = &SPIProtocol{}
	}

	m := &Model{
		FPGA: &pcilib.Bank{
			Name:       "fpga",
			Bar:        bar,
			ReadAddr:   REGISTER_SPACE,
			WriteAddr:  REGISTER_SPACE,
			Size:       FPGA_BANK_SIZE,
			Width:      32,
			Endianness: pcilib.LITTLE_ENDIAN,
		},
		CMOSIS: &pcilib.Bank{
			Name:      "cmosis",
			Bar:       bar,
			ReadAddr:  REGISTER_READ,
			WriteAddr: REGISTER_WRITE,
			Size:      CMOSIS_BANK_SIZE,
			Width:     8,
			Protocol:  spi,
		},
		DMA: &pcilib.Bank{
			Name:       "dma",
			Bar:        bar,
			Size:       DMA_BANK_SIZE,
			Width:      32,
			Endianness: pcilib.LITTLE_ENDIAN,
		},
	}

	regs := make([]pcilib.Register, 0, len(cmosisRegisters)+len(fpgaRegisters))
	for _, r := range cmosisRegisters {
		r.Bank = m.CMOSIS.Name
		regs = append(regs, r)
	}
	for _, r := range fpgaRegisters {
		r.Bank = m.FPGA.Name
		regs = append(regs, r)
	}

	var err error
	m.Registers, err = pcilib.NewRegisters([]*pcilib.Bank{m.CMOSIS, m.FPGA, m.DMA}, regs)
	if err != nil {
		return nil, fmt.Errorf("invalid camera register table: %w", err)
	}

	return m, nil
}

// AddRegisters places additional registers, e.g. those of the DMA engines, into the map.
func (m *Model) AddRegisters(regs []pcilib.Register) error {
	for _, r := range regs {
		if err := m.Registers.Add(r); err != nil {
			return err
		}
	}

	return nil
}
