package nwl

import (
	"fmt"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
)

var engineRegisters = []pcilib.Register{
	{Name: "cap", Addr: REG_DMA_ENG_CAP, Bits: 32, Mode: pcilib.REGISTER_R, Description: "DMA Engine Capabilities"},
	{Name: "control", Addr: REG_DMA_ENG_CTRL_STATUS, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "DMA Engine Control"},
	{Name: "enabled", Addr: REG_DMA_ENG_CTRL_STATUS, Offset: 8, Bits: 1, Mode: pcilib.REGISTER_R, Description: "DMA Engine enabled"},
	{Name: "running", Addr: REG_DMA_ENG_CTRL_STATUS, Offset: 10, Bits: 1, Mode: pcilib.REGISTER_R, Description: "DMA Engine running"},
	{Name: "waiting", Addr: REG_DMA_ENG_CTRL_STATUS, Offset: 11, Bits: 1, Mode: pcilib.REGISTER_R, Description: "DMA Engine waiting"},
	{Name: "next_bd", Addr: REG_DMA_ENG_NEXT_BD, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "HW Next desc pointer"},
	{Name: "sw_next_bd", Addr: REG_SW_NEXT_BD, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "SW Next desc pointer"},
	{Name: "last_bd", Addr: REG_DMA_ENG_LAST_BD, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "HW Last completed pointer"},
	{Name: "active_time", Addr: REG_DMA_ENG_ACTIVE_TIME, Bits: 32, Mode: pcilib.REGISTER_R, Description: "DMA Engine Active Time"},
	{Name: "wait_time", Addr: REG_DMA_ENG_WAIT_TIME, Bits: 32, Mode: pcilib.REGISTER_R, Description: "DMA Engine Wait Time"},
	{Name: "comp_bytes", Addr: REG_DMA_ENG_COMP_BYTES, Bits: 32, Mode: pcilib.REGISTER_R, Description: "DMA Engine Completed Bytes"},
}

var generatorRegisters = []pcilib.Register{
	{Name: "xrawdata_enable_generator", Addr: REG_RX_CONFIG, Bits: 1, Mode: pcilib.REGISTER_RW},
	{Name: "xrawdata_packet_length", Addr: REG_PKT_SIZE, Bits: 32, Mode: pcilib.REGISTER_RW},
	{Name: "xrawdata_enable_checker", Addr: REG_TX_CONFIG, Bits: 1, Mode: pcilib.REGISTER_RW},
	{Name: "xrawdata_enable_loopback", Addr: REG_TX_CONFIG, Offset: 1, Bits: 1, Mode: pcilib.REGISTER_RW},
	{Name: "xrawdata_checker", Addr: REG_LOOPBACK_STATUS, Bits: 1, Mode: pcilib.REGISTER_R},
}

// RegisterTable returns the common registers and the registers of every engine found,
// placed in the named DMA bank. Engine registers are prefixed with the engine name, e.g.
// dma0r_running.
func (b *Backend) RegisterTable(bank string) []pcilib.Register {
	regs := []pcilib.Register{
		{Name: "dma_control_status", Addr: REG_DMA_CTRL_STATUS, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "DMA Common Ctrl & Status"},
		{Name: "dma_int_enable", Addr: REG_DMA_CTRL_STATUS, Offset: 0, Bits: 1, Mode: pcilib.REGISTER_RW},
		{Name: "dma_user_int_enable", Addr: REG_DMA_CTRL_STATUS, Offset: 4, Bits: 1, Mode: pcilib.REGISTER_RW},
	}

	if b.hasGenerator() {
		regs = append(regs, generatorRegisters...)
	}

	width := 1
	if len(b.engines) > 9 {
		width = 2
	}

	for _, e := range b.engines {
		suffix := ""
		switch e.desc.Direction {
		case dma.DMA_FROM_DEVICE:
			suffix = "r"
		case dma.DMA_TO_DEVICE:
			suffix = "w"
		}

		for _, reg := range engineRegisters {
			reg.Name = fmt.Sprintf("dma%0*d%s_%s", width, e.desc.Addr, suffix, reg.Name)
			reg.Addr += e.base
			regs = append(regs, reg)
		}
	}

	for i := range regs {
		regs[i].Bank = bank
	}

	return regs
}
