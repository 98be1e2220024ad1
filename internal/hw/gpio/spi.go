package gpio

import (
	"fmt"

	"github.com/cjeanneret/SheetSweep/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
	"tinygo.org/x/drivers"
)

// SPIConfig selects the hardware SPI channel used to reach the stepper driver.
type SPIConfig struct {
	ChipSelect uint8 // CE0 or CE1
	SpeedHz    int
	Mode       uint8 // SPI mode 0-3 (TMC2130 uses mode 3)
}

// SPIBus is a full-duplex SPI master on the Raspberry Pi SPI0 peripheral.
// It satisfies drivers.SPI so device packages stay hardware agnostic.
type SPIBus struct {
	cfg SPIConfig
}

var _ drivers.SPI = (*SPIBus)(nil)

// NewSPIBus claims SPI0. The GPIO memory must already be mapped (see NewRPiRealDriver).
func NewSPIBus(cfg SPIConfig) (*SPIBus, error) {
	if cfg.ChipSelect > 1 {
		return nil, fmt.Errorf("spi: chip select must be 0 or 1, got %d", cfg.ChipSelect)
	}
	if cfg.Mode > 3 {
		return nil, fmt.Errorf("spi: mode must be 0-3, got %d", cfg.Mode)
	}
	if err := rpio.SpiBegin(rpio.Spi0); err != nil {
		return nil, fmt.Errorf("spi: begin: %w", err)
	}
	if cfg.SpeedHz > 0 {
		rpio.SpiSpeed(cfg.SpeedHz)
	}
	rpio.SpiChipSelect(cfg.ChipSelect)
	rpio.SpiMode(cfg.Mode>>1, cfg.Mode&1)

	debug.Verbose("SPI0 ready (ce=%d, speed=%dHz, mode=%d)", cfg.ChipSelect, cfg.SpeedHz, cfg.Mode)
	return &SPIBus{cfg: cfg}, nil
}

// Tx exchanges len(w) bytes. r may be nil when the response is not needed.
func (b *SPIBus) Tx(w, r []byte) error {
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("spi: tx/rx length mismatch (%d != %d)", len(w), len(r))
	}
	buf := make([]byte, len(w))
	copy(buf, w)
	rpio.SpiExchange(buf)
	debug.SPI(w, buf)
	if r != nil {
		copy(r, buf)
	}
	return nil
}

// Transfer exchanges a single byte.
func (b *SPIBus) Transfer(w byte) (byte, error) {
	buf := []byte{w}
	rpio.SpiExchange(buf)
	return buf[0], nil
}

// Close releases SPI0 and returns its pins to plain GPIO.
func (b *SPIBus) Close() error {
	debug.Trace("SPI Close (real bus)")
	rpio.SpiEnd(rpio.Spi0)
	return nil
}

// MockSPI answers every exchange with zeros. Used together with MockDriver.
type MockSPI struct{}

var _ drivers.SPI = (*MockSPI)(nil)

func (m *MockSPI) Tx(w, r []byte) error {
	for i := range r {
		r[i] = 0
	}
	debug.SPI(w, r)
	return nil
}

func (m *MockSPI) Transfer(w byte) (byte, error) {
	return 0, nil
}

func (m *MockSPI) Close() error {
	debug.Trace("SPI Close (mock)")
	return nil
}

// NewSPI returns the SPI implementation matching the GPIO mode.
func NewSPI(mock bool, cfg SPIConfig) (SPI, error) {
	if mock {
		return &MockSPI{}, nil
	}
	return NewSPIBus(cfg)
}

// SPI is a closable drivers.SPI.
type SPI interface {
	drivers.SPI
	Close() error
}
