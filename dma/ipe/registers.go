package ipe

import "github.com/ipe-fpga/pcilib"

// RegisterTable returns the registers of the engine placed in the named DMA bank.
func RegisterTable(bank string) []pcilib.Register {
	regs := []pcilib.Register{
		{Name: "dcr", Addr: 0x00, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "Device Control Status Register"},
		{Name: "reset_dma", Addr: 0x00, Offset: 0, Bits: 1, Mode: pcilib.REGISTER_RW},
		{Name: "datapath_width", Addr: 0x00, Offset: 16, Bits: 4, Mode: pcilib.REGISTER_R},
		{Name: "fpga_family", Addr: 0x00, Offset: 24, Bits: 8, Mode: pcilib.REGISTER_R},
		{Name: "ddmacr", Addr: 0x04, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "Device DMA Control Status Register"},
		{Name: "mwr_start", Addr: 0x04, Offset: 0, Bits: 1, Mode: pcilib.REGISTER_RW, Description: "Start writing memory"},
		{Name: "mwr_relaxed_order", Addr: 0x04, Offset: 5, Bits: 1, Mode: pcilib.REGISTER_R},
		{Name: "mwr_nosnoop", Addr: 0x04, Offset: 6, Bits: 1, Mode: pcilib.REGISTER_R},
		{Name: "mwr_int_dis", Addr: 0x04, Offset: 7, Bits: 1, Mode: pcilib.REGISTER_R},
		{Name: "mrd_start", Addr: 0x04, Offset: 16, Bits: 1, Mode: pcilib.REGISTER_R},
		{Name: "mrd_relaxed_order", Addr: 0x04, Offset: 21, Bits: 1, Mode: pcilib.REGISTER_R},
		{Name: "mrd_nosnoop", Addr: 0x04, Offset: 22, Bits: 1, Mode: pcilib.REGISTER_R},
		{Name: "mrd_int_dis", Addr: 0x04, Offset: 23, Bits: 1, Mode: pcilib.REGISTER_R},
		{Name: "mwr_size", Addr: 0x0C, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "DMA TLP size"},
		{Name: "mwr_len", Addr: 0x0C, Offset: 0, Bits: 16, Default: 0x20, Mode: pcilib.REGISTER_RW, Description: "Max TLP size"},
		{Name: "mwr_tlp_tc", Addr: 0x0C, Offset: 16, Bits: 3, Mode: pcilib.REGISTER_R, Description: "TC for TLP packets"},
		{Name: "mwr_64b_en", Addr: 0x0C, Offset: 19, Bits: 1, Mode: pcilib.REGISTER_RW, Description: "Enable 64 bit memory addressing"},
		{Name: "mwr_phant_func_dis", Addr: 0x0C, Offset: 20, Bits: 1, Mode: pcilib.REGISTER_R, Description: "Disable MWR phantom function"},
		{Name: "mwr_up_addr", Addr: 0x0C, Offset: 24, Bits: 8, Mode: pcilib.REGISTER_RW, Description: "Upper address for 64 bit memory addressing"},
		{Name: "mwr_count", Addr: 0x10, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "Write DMA TLP Count"},
		{Name: "mwr_pattern", Addr: 0x14, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "DMA generator data pattern"},
		{Name: "mwr_perf", Addr: 0x28, Bits: 32, Mode: pcilib.REGISTER_R, Description: "MWR Performance"},
		{Name: "cfg_lnk_width", Addr: 0x3C, Bits: 32, Mode: pcilib.REGISTER_R, Description: "Negotiated and max width of PCIe Link"},
		{Name: "cfg_cap_max_lnk_width", Addr: 0x3C, Offset: 0, Bits: 6, Mode: pcilib.REGISTER_R, Description: "Max link width"},
		{Name: "cfg_prg_max_lnk_width", Addr: 0x3C, Offset: 8, Bits: 6, Mode: pcilib.REGISTER_R, Description: "Negotiated link width"},
		{Name: "cfg_payload_size", Addr: 0x40, Bits: 32, Mode: pcilib.REGISTER_R},
		{Name: "cfg_cap_max_payload_size", Addr: 0x40, Offset: 0, Bits: 4, Mode: pcilib.REGISTER_R, Description: "Max payload size"},
		{Name: "cfg_prg_max_payload_size", Addr: 0x40, Offset: 8, Bits: 3, Mode: pcilib.REGISTER_R, Description: "Prog max payload size"},
		{Name: "cfg_max_rd_req_size", Addr: 0x40, Offset: 16, Bits: 3, Mode: pcilib.REGISTER_R, Description: "Max read request size"},
		{Name: "desc_mem_din", Addr: REG_PAGE_ADDR, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "Descriptor memory"},
		{Name: "update_addr", Addr: REG_UPDATE_ADDR, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "Address of progress register"},
		{Name: "last_descriptor_read", Addr: REG_LAST_READ, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "Last descriptor read by the host"},
		{Name: "desc_mem_addr", Addr: REG_PAGE_COUNT, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "Number of descriptors configured"},
		{Name: "update_thresh", Addr: REG_UPDATE_THRESHOLD, Bits: 32, Mode: pcilib.REGISTER_RW, Description: "Update threshold of progress register"},
	}

	for i := range regs {
		regs[i].Bank = bank
	}

	return regs
}
