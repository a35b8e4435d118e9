package sx9310

import (
	"errors"
	"fmt"

	"tinygo.org/x/drivers"
)

var (
	// ErrRegAccess marks an attempt to touch a register outside its
	// permitted access mode.
	ErrRegAccess = errors.New("register access violation")
)

type regRange struct {
	lo, hi byte
}

func inRanges(ranges []regRange, reg byte) bool {
	for _, r := range ranges {
		if reg >= r.lo && reg <= r.hi {
			return true
		}
	}
	return false
}

var writableRanges = []regRange{
	{_IRQ_MSK, _IRQ_FUNC},
	{_PROX_CTRL0, _PROX_CTRL19},
	{_SAR_CTRL0, _SAR_CTRL2},
	{_SENSOR_SEL, _SENSOR_SEL},
	{_OFFSET_MSB, _OFFSET_LSB},
	{_PAUSE, _PAUSE},
	{_RESET, _RESET},
}

var readableRanges = []regRange{
	{_IRQ_SRC, _IRQ_FUNC},
	{_PROX_CTRL0, _PROX_CTRL19},
	{_SAR_CTRL0, _SAR_CTRL2},
	{_SENSOR_SEL, _SAR_LSB},
	{_I2C_ADDR, _WHOAMI},
	{_RESET, _RESET},
}

// Registers whose value the hardware changes on its own. These are never
// served from the cache.
var volatileRanges = []regRange{
	{_IRQ_SRC, _STAT1},
	{_USE_MSB, _DIFF_LSB},
	{_SAR_MSB, _SAR_LSB},
	{_RESET, _RESET},
}

// regmap is the register access facade: byte-register reads and writes over a
// generic I2C bus, with a write-through cache for the non-volatile subset.
//
// It performs no locking of its own. All access is expected to happen under
// the owning Device's mutex, which is also what makes UpdateBits atomic with
// respect to other writers of the same register.
type regmap struct {
	bus  drivers.I2C
	addr uint16
	// cache[reg] holds the last known value for cacheable registers,
	// or -1 when unknown.
	cache [_RESET + 1]int16
}

func newRegmap(bus drivers.I2C, addr uint16) *regmap {
	r := &regmap{bus: bus, addr: addr}
	for i := range r.cache {
		r.cache[i] = -1
	}
	return r
}

func (r *regmap) volatile(reg byte) bool {
	return inRanges(volatileRanges, reg)
}

// Read returns the value of a single register, from the cache when the
// register is cacheable and known.
func (r *regmap) Read(reg byte) (byte, error) {
	if !inRanges(readableRanges, reg) {
		return 0, fmt.Errorf("%w: %w: read of 0x%02x", ErrPkg, ErrRegAccess, reg)
	}
	if !r.volatile(reg) && r.cache[reg] >= 0 {
		return byte(r.cache[reg]), nil
	}
	var buf [1]byte
	if err := r.bus.Tx(r.addr, []byte{reg}, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: read of 0x%02x: %w", ErrPkg, reg, err)
	}
	if !r.volatile(reg) {
		r.cache[reg] = int16(buf[0])
	}
	return buf[0], nil
}

// Write sets a single register and updates the cache on success.
func (r *regmap) Write(reg byte, val byte) error {
	if !inRanges(writableRanges, reg) {
		return fmt.Errorf("%w: %w: write of 0x%02x", ErrPkg, ErrRegAccess, reg)
	}
	if err := r.bus.Tx(r.addr, []byte{reg, val}, nil); err != nil {
		return fmt.Errorf("%w: write of 0x%02x: %w", ErrPkg, reg, err)
	}
	if !r.volatile(reg) {
		r.cache[reg] = int16(val)
	}
	return nil
}

// BulkRead reads len(buf) consecutive registers starting at reg, straight
// from the bus. Used for the multi-byte sample data registers, which are all
// volatile anyway.
func (r *regmap) BulkRead(reg byte, buf []byte) error {
	for i := range buf {
		if !inRanges(readableRanges, reg+byte(i)) {
			return fmt.Errorf("%w: %w: read of 0x%02x", ErrPkg, ErrRegAccess, reg+byte(i))
		}
	}
	if err := r.bus.Tx(r.addr, []byte{reg}, buf); err != nil {
		return fmt.Errorf("%w: bulk read of 0x%02x: %w", ErrPkg, reg, err)
	}
	return nil
}

// UpdateBits read-modify-writes the bits selected by mask. The bus write is
// skipped when the register already holds the wanted value, so repeated
// updates to the same field cost no register traffic.
func (r *regmap) UpdateBits(reg, mask, val byte) error {
	old, err := r.Read(reg)
	if err != nil {
		return err
	}
	next := (old &^ mask) | (val & mask)
	if next == old {
		return nil
	}
	return r.Write(reg, next)
}
