package ipecamera

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
)

// Bits of the SPI bridge command and answer words.
const (
	SPI_WRITE_BIT  uint32 = 0x8000
	SPI_ADDR_MASK  uint32 = 0x7F00
	SPI_READY_BIT  uint32 = 0x20000
	SPI_ERROR_BIT  uint32 = 0x40000
	SPI_VALUE_MASK uint32 = 0xFF

	SPI_MAX_ADDR = 0x7F
	// SPI_ATTEMPTS bounds the transactions issued for a single register access.
	SPI_ATTEMPTS = 10
)

// SPIProtocol accesses the 8-bit sensor registers through the SPI bridge of the firmware.
// Commands go to the bank write address, answers are read from the bank read address.
type SPIProtocol struct {
	// Delay between issuing a command and reading the answer, REGISTER_TIMEOUT if zero.
	Delay time.Duration
	// Timeout of the wait for the ready bit, REGISTER_TIMEOUT if zero.
	Timeout time.Duration
	Logger  *zap.Logger
}

func (p *SPIProtocol) delay() time.Duration {
	if p.Delay > 0 {
		return p.Delay
	}

	return pcilib.REGISTER_TIMEOUT
}

func (p *SPIProtocol) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}

	return pcilib.REGISTER_TIMEOUT
}

func (p *SPIProtocol) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}

	return p.Logger
}

// Read fetches the sensor register at addr.
func (p *SPIProtocol) Read(b *pcilib.Bank, addr uintptr) (uint32, error) {
	if addr > SPI_MAX_ADDR {
		return 0, fmt.Errorf("sensor register %d: %w", addr, pcilib.ErrInvalidAddress)
	}

	var value uint32
	err := p.transact(b, addr, uint32(addr)<<8, func(answer uint32) {
		value = answer & SPI_VALUE_MASK
	})
	if err != nil {
		return 0, fmt.Errorf("read of sensor register %d failed: %w", addr, err)
	}

	return value, nil
}

// Write stores value into the sensor register at addr and verifies the echoed value.
func (p *SPIProtocol) Write(b *pcilib.Bank, addr uintptr, value uint32) error {
	if addr > SPI_MAX_ADDR {
		return fmt.Errorf("sensor register %d: %w", addr, pcilib.ErrInvalidAddress)
	}

	if value > SPI_VALUE_MASK {
		return fmt.Errorf("value %d does not fit sensor register %d: %w", value, addr, pcilib.ErrOutOfRange)
	}

	var echo uint32
	err := p.transact(b, addr, SPI_WRITE_BIT|uint32(addr)<<8|value, func(answer uint32) {
		echo = answer & SPI_VALUE_MASK
	})
	if err != nil {
		return fmt.Errorf("write of sensor register %d failed: %w", addr, err)
	}

	if echo != value {
		return fmt.Errorf("sensor register %d holds %d instead of %d: %w", addr, echo, value, pcilib.ErrVerify)
	}

	return nil
}

// transact issues cmd and hands the answer to done. Missing ready bits and answers for
// another address are retried, error answers are final.
func (p *SPIProtocol) transact(b *pcilib.Bank, addr uintptr, cmd uint32, done func(answer uint32)) error {
	attempt := 0

	op := func() error {
		attempt++

		b.Bar.Write32(b.WriteAddr, cmd)
		pcilib.Sleep(p.delay())

		var answer uint32
		err := pcilib.Poll(p.timeout(), 0, func() bool {
			answer = b.Bar.Read32(b.ReadAddr)

			return answer&SPI_READY_BIT != 0
		})
		if err != nil {
			p.logger().Warn("Timeout waiting for the sensor register answer",
				zap.Uintptr("addr", addr), zap.Uint32("status", answer), zap.Int("attempt", attempt))

			return fmt.Errorf("no answer (status 0x%x): %w", answer, pcilib.ErrTimeout)
		}

		if answer&SPI_ERROR_BIT != 0 {
			return backoff.Permanent(fmt.Errorf("error answer (status 0x%x): %w", answer, pcilib.ErrFailed))
		}

		if got := (answer & SPI_ADDR_MASK) >> 8; got != uint32(addr) {
			p.logger().Warn("Address verification of the sensor register answer failed",
				zap.Uintptr("addr", addr), zap.Uint32("status", answer), zap.Int("attempt", attempt))

			return fmt.Errorf("answer for register %d (status 0x%x): %w", got, answer, pcilib.ErrVerify)
		}

		done(answer)

		return nil
	}

	return backoff.Retry(op, backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Microsecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         time.Millisecond,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}, SPI_ATTEMPTS-1))
}
