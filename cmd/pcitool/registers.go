package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
)

var readCount int

var readRegisterCmd = &cobra.Command{
	Use:   "read-register [name | bank address]",
	Short: "Read registers by name or by bank and address",
	Long: `Without arguments all readable registers are listed with their values.
A single argument names a register, "bank/name" selects it in a specific bank.
With a bank and an address, --count consecutive registers are read.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runReadRegister,
}

var writeRegisterCmd = &cobra.Command{
	Use:   "write-register {name | bank address} value...",
	Short: "Write a register by name or registers by bank and address",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runWriteRegister,
}

func init() {
	readRegisterCmd.Flags().IntVarP(&readCount, "count", "n", 1, "The number of registers to read from the address.")

	rootCmd.AddCommand(readRegisterCmd, writeRegisterCmd)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, pcilib.ErrInvalidArgument)
	}

	return uint32(v), nil
}

func printRegisters(regs *pcilib.Registers) {
	for _, reg := range regs.List() {
		if reg.Mode&pcilib.REGISTER_R == 0 {
			fmt.Printf("%-8s %-32s %4s %-2s\n", reg.Bank, reg.Name, "-", reg.Mode)

			continue
		}

		value, err := regs.ReadRegister(&reg)
		if err != nil {
			fmt.Printf("%-8s %-32s error: %v\n", reg.Bank, reg.Name, err)

			continue
		}

		fmt.Printf("%-8s %-32s 0x%08x %-2s %s\n", reg.Bank, reg.Name, value, reg.Mode, reg.Description)
	}
}

func runReadRegister(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	regs := s.layout.registers

	switch len(args) {
	case 0:
		printRegisters(regs)

		return nil
	case 1:
		value, err := regs.Read(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s = 0x%x (%d)\n", args[0], value, value)

		return nil
	}

	addr, err := parseUint32(args[1])
	if err != nil {
		return err
	}

	values, err := regs.ReadSpace(args[0], uintptr(addr), readCount)
	if err != nil {
		return err
	}

	bank, err := regs.Bank(args[0])
	if err != nil {
		return err
	}

	step := uint32(bank.Width / 8)
	if bank.Stride != 0 {
		step = uint32(bank.Stride)
	}
	for i, v := range values {
		fmt.Printf("%s:0x%04x  0x%08x\n", args[0], addr+uint32(i)*step, v)
	}

	return nil
}

func runWriteRegister(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	regs := s.layout.registers

	if len(args) == 2 {
		value, err := parseUint32(args[1])
		if err != nil {
			return err
		}

		if err := regs.Write(args[0], value); err != nil {
			return err
		}

		readBack, err := regs.Read(args[0])
		if err != nil {
			logger.Debug("Register is not readable", zap.String("register", args[0]), zap.Error(err))

			return nil
		}

		fmt.Printf("%s = 0x%x\n", args[0], readBack)

		return nil
	}

	addr, err := parseUint32(args[1])
	if err != nil {
		return err
	}

	values := make([]uint32, 0, len(args)-2)
	for _, arg := range args[2:] {
		v, err := parseUint32(arg)
		if err != nil {
			return err
		}
		values = append(values, v)
	}

	return regs.WriteSpace(args[0], uintptr(addr), values)
}
