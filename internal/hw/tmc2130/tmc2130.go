// Package tmc2130 configures a Trinamic TMC2130 stepper driver over SPI.
//
// Only the configuration side is covered: current, microstep resolution,
// stealthChop and high speed chopper modes, plus status readback. Steps are
// generated externally on the STEP/DIR pins.
package tmc2130

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cjeanneret/SheetSweep/internal/debug"
	"tinygo.org/x/drivers"
)

// Register addresses.
const (
	GCONF      = 0x00
	GSTAT      = 0x01
	IOIN       = 0x04
	IHOLD_IRUN = 0x10
	TPOWERDOWN = 0x11
	TSTEP      = 0x12
	TPWMTHRS   = 0x13
	TCOOLTHRS  = 0x14
	THIGH      = 0x15
	CHOPCONF   = 0x6c
	COOLCONF   = 0x6d
	DRV_STATUS = 0x6f
	PWMCONF    = 0x70

	writeBit = 0x80
)

// Register fields.
const (
	// GCONF
	en_pwm_mode = 1 << 2

	// CHOPCONF
	tblShift  = 15
	vsense    = 1 << 17
	vhighfs   = 1 << 18
	vhighchm  = 1 << 19
	mresShift = 24
	mresMask  = 0xf << mresShift
	intpol    = 1 << 28

	// PWMCONF
	pwm_autoscale = 1 << 18

	// IHOLD_IRUN
	iholdMask       = 0x1f
	irunShift       = 8
	iholdDelayShift = 16

	// IOIN
	versionShift = 24
)

// Reset values written by Begin.
const (
	defaultPWMCONF = 0x00050480
	defaultTOFF    = 8
	defaultTBL     = 1
	// Version reported in IOIN by a TMC2130.
	chipVersion = 0x11
)

// Sense voltages (V) for the two VSENSE ranges.
const (
	vfsLow  = 0.325
	vfsHigh = 0.180
)

var (
	// ErrNoResponse is returned when the chip answers with all zeros or all ones.
	ErrNoResponse = errors.New("tmc2130: no response on SPI")
	// ErrInvalidMicrosteps is returned for a resolution that is not a power of two in 1..256.
	ErrInvalidMicrosteps = errors.New("tmc2130: microsteps must be a power of two between 1 and 256")
)

// Device is a TMC2130 on an SPI bus. Write-only registers are shadowed so
// single fields can be changed without a read.
type Device struct {
	bus drivers.SPI

	// RSense is the sense resistor in ohms.
	RSense float64
	// HoldMultiplier scales the run current into the standstill current.
	HoldMultiplier float64

	gconf     uint32
	chopconf  uint32
	pwmconf   uint32
	iholdIrun uint32

	currentMA int
	status    byte

	tx [5]byte
	rx [5]byte
}

// New returns a driver with the usual SilentStepStick values (0.11Ω, hold at 50%).
func New(bus drivers.SPI) *Device {
	return &Device{
		bus:            bus,
		RSense:         0.11,
		HoldMultiplier: 0.5,
	}
}

// Begin writes the power-on defaults and enables the chopper (TOFF=8, TBL=1).
func (d *Device) Begin() error {
	d.gconf = 0
	d.chopconf = defaultTOFF | defaultTBL<<tblShift
	d.pwmconf = defaultPWMCONF
	d.iholdIrun = 0

	for _, w := range []struct {
		name string
		addr byte
		val  uint32
	}{
		{"GCONF", GCONF, d.gconf},
		{"CHOPCONF", CHOPCONF, d.chopconf},
		{"COOLCONF", COOLCONF, 0},
		{"PWMCONF", PWMCONF, d.pwmconf},
		{"IHOLD_IRUN", IHOLD_IRUN, d.iholdIrun},
	} {
		if err := d.write(w.name, w.addr, w.val); err != nil {
			return fmt.Errorf("tmc2130: begin: %w", err)
		}
	}

	// Reading GSTAT clears the reset flag
	if _, err := d.GStat(); err != nil {
		return fmt.Errorf("tmc2130: begin: %w", err)
	}
	return nil
}

// SetRMSCurrent sets the motor run current in mA. The standstill current is
// the run current scaled by HoldMultiplier. The high sensitivity range
// (VSENSE=1) is selected automatically for low currents.
func (d *Device) SetRMSCurrent(mA int) error {
	cs := currentScale(mA, d.RSense, vfsLow)
	if cs < 16 {
		d.chopconf |= vsense
		cs = currentScale(mA, d.RSense, vfsHigh)
	} else {
		d.chopconf &^= vsense
	}
	if err := d.write("CHOPCONF", CHOPCONF, d.chopconf); err != nil {
		return fmt.Errorf("tmc2130: set current: %w", err)
	}

	irun := uint32(cs)
	ihold := uint32(float64(cs) * d.HoldMultiplier)
	d.iholdIrun = d.iholdIrun&^(iholdMask|iholdMask<<irunShift) | ihold&iholdMask | (irun&iholdMask)<<irunShift
	if err := d.write("IHOLD_IRUN", IHOLD_IRUN, d.iholdIrun); err != nil {
		return fmt.Errorf("tmc2130: set current: %w", err)
	}
	d.currentMA = mA
	return nil
}

// RMSCurrent returns the current requested by the last SetRMSCurrent.
func (d *Device) RMSCurrent() int {
	return d.currentMA
}

// SetHoldDelay sets the number of clock cycles (x2^18) to ramp from run to hold current.
func (d *Device) SetHoldDelay(delay uint8) error {
	d.iholdIrun = d.iholdIrun&^(0xf<<iholdDelayShift) | uint32(delay&0xf)<<iholdDelayShift
	return d.write("IHOLD_IRUN", IHOLD_IRUN, d.iholdIrun)
}

// SetMicrosteps sets the microstep resolution (1, 2, 4, ... 256).
func (d *Device) SetMicrosteps(steps int) error {
	mres, err := microstepsToMRES(steps)
	if err != nil {
		return err
	}
	d.chopconf = d.chopconf&^mresMask | uint32(mres)<<mresShift
	if err := d.write("CHOPCONF", CHOPCONF, d.chopconf); err != nil {
		return fmt.Errorf("tmc2130: set microsteps: %w", err)
	}
	return nil
}

// Microsteps returns the resolution held in the CHOPCONF shadow.
func (d *Device) Microsteps() int {
	mres := (d.chopconf & mresMask) >> mresShift
	return 256 >> mres
}

// SetInterpolation enables 256 microstep interpolation of the STEP input.
func (d *Device) SetInterpolation(on bool) error {
	d.chopconf = setBit(d.chopconf, intpol, on)
	return d.write("CHOPCONF", CHOPCONF, d.chopconf)
}

// SetStealthChop switches the chopper to voltage PWM mode (quiet stepping).
func (d *Device) SetStealthChop(on bool) error {
	d.gconf = setBit(d.gconf, en_pwm_mode, on)
	if err := d.write("GCONF", GCONF, d.gconf); err != nil {
		return fmt.Errorf("tmc2130: set stealthChop: %w", err)
	}
	return nil
}

// SetStealthAutoscale enables automatic current regulation in stealthChop.
func (d *Device) SetStealthAutoscale(on bool) error {
	d.pwmconf = setBit(d.pwmconf, pwm_autoscale, on)
	if err := d.write("PWMCONF", PWMCONF, d.pwmconf); err != nil {
		return fmt.Errorf("tmc2130: set stealth autoscale: %w", err)
	}
	return nil
}

// SetHighSpeedMode enables fullstep switching and the constant off time
// chopper above the THIGH velocity.
func (d *Device) SetHighSpeedMode(on bool) error {
	d.chopconf = setBit(d.chopconf, vhighfs, on)
	d.chopconf = setBit(d.chopconf, vhighchm, on)
	if err := d.write("CHOPCONF", CHOPCONF, d.chopconf); err != nil {
		return fmt.Errorf("tmc2130: set high speed mode: %w", err)
	}
	return nil
}

// GStat reads (and thereby clears) the global status flags.
func (d *Device) GStat() (uint32, error) {
	return d.read(GSTAT)
}

// Version reads the silicon version from IOIN.
func (d *Device) Version() (uint8, error) {
	ioin, err := d.read(IOIN)
	if err != nil {
		return 0, err
	}
	return uint8(ioin >> versionShift), nil
}

// CheckConnection reads IOIN and verifies that a TMC2130 answered.
func (d *Device) CheckConnection() error {
	ioin, err := d.read(IOIN)
	if err != nil {
		return err
	}
	if ioin == 0 || ioin == math.MaxUint32 {
		return ErrNoResponse
	}
	if v := uint8(ioin >> versionShift); v != chipVersion {
		return fmt.Errorf("tmc2130: unexpected chip version 0x%02x", v)
	}
	return nil
}

// DriverStatus is the decoded DRV_STATUS register.
type DriverStatus struct {
	SGResult        uint16 // stallGuard2 load measurement
	FullStep        bool   // fullstep active
	CSActual        uint8  // actual current scale
	StallGuard      bool
	OverTemp        bool
	OverTempWarning bool
	ShortA          bool
	ShortB          bool
	OpenLoadA       bool
	OpenLoadB       bool
	Standstill      bool
}

// Fault reports whether any error flag is raised.
func (s DriverStatus) Fault() bool {
	return s.OverTemp || s.ShortA || s.ShortB
}

// Status reads DRV_STATUS.
func (d *Device) Status() (DriverStatus, error) {
	v, err := d.read(DRV_STATUS)
	if err != nil {
		return DriverStatus{}, err
	}
	return DriverStatus{
		SGResult:        uint16(v & 0x3ff),
		FullStep:        v&(1<<15) != 0,
		CSActual:        uint8((v >> 16) & 0x1f),
		StallGuard:      v&(1<<24) != 0,
		OverTemp:        v&(1<<25) != 0,
		OverTempWarning: v&(1<<26) != 0,
		ShortA:          v&(1<<27) != 0,
		ShortB:          v&(1<<28) != 0,
		OpenLoadA:       v&(1<<29) != 0,
		OpenLoadB:       v&(1<<30) != 0,
		Standstill:      v&(1<<31) != 0,
	}, nil
}

// SPIStatus returns the status byte received with the last datagram.
func (d *Device) SPIStatus() byte {
	return d.status
}

// write sends a 40 bit write datagram.
func (d *Device) write(name string, addr byte, val uint32) error {
	debug.Register(name, addr, val)
	d.tx[0] = addr | writeBit
	binary.BigEndian.PutUint32(d.tx[1:], val)
	if err := d.bus.Tx(d.tx[:], d.rx[:]); err != nil {
		return fmt.Errorf("write 0x%02x: %w", addr, err)
	}
	d.status = d.rx[0]
	return nil
}

// read requests addr, then clocks out a second datagram to receive its value.
func (d *Device) read(addr byte) (uint32, error) {
	d.tx = [5]byte{addr &^ writeBit}
	if err := d.bus.Tx(d.tx[:], d.rx[:]); err != nil {
		return 0, fmt.Errorf("read 0x%02x: %w", addr, err)
	}
	if err := d.bus.Tx(d.tx[:], d.rx[:]); err != nil {
		return 0, fmt.Errorf("read 0x%02x: %w", addr, err)
	}
	d.status = d.rx[0]
	return binary.BigEndian.Uint32(d.rx[1:]), nil
}

// currentScale solves Irms = (CS+1)/32 * Vfs/(Rsense+20mΩ) / √2 for CS,
// clamped to the 5 bit register range.
func currentScale(mA int, rsense, vfs float64) int {
	cs := 32.0*math.Sqrt2*float64(mA)/1000.0*(rsense+0.02)/vfs - 1
	return int(math.Max(0, math.Min(31, math.Floor(cs))))
}

func microstepsToMRES(steps int) (int, error) {
	for mres := 0; mres <= 8; mres++ {
		if 256>>mres == steps {
			return mres, nil
		}
	}
	return 0, ErrInvalidMicrosteps
}

func setBit(reg, mask uint32, on bool) uint32 {
	if on {
		return reg | mask
	}
	return reg &^ mask
}
