package sx9310

import "time"

// --- SX9310 Registers/Bits ---

// SX9310 Register Addresses
const (
	_IRQ_SRC  = 0x00
	_STAT0    = 0x01
	_STAT1    = 0x02
	_IRQ_MSK  = 0x03
	_IRQ_FUNC = 0x04

	_PROX_CTRL0  = 0x10
	_PROX_CTRL1  = 0x11
	_PROX_CTRL2  = 0x12
	_PROX_CTRL3  = 0x13
	_PROX_CTRL4  = 0x14
	_PROX_CTRL5  = 0x15
	_PROX_CTRL6  = 0x16
	_PROX_CTRL7  = 0x17
	_PROX_CTRL8  = 0x18
	_PROX_CTRL9  = 0x19
	_PROX_CTRL10 = 0x1A
	_PROX_CTRL11 = 0x1B
	_PROX_CTRL12 = 0x1C
	_PROX_CTRL13 = 0x1D
	_PROX_CTRL14 = 0x1E
	_PROX_CTRL15 = 0x1F
	_PROX_CTRL16 = 0x20
	_PROX_CTRL17 = 0x21
	_PROX_CTRL18 = 0x22
	_PROX_CTRL19 = 0x23

	_SAR_CTRL0 = 0x2A
	_SAR_CTRL1 = 0x2B
	_SAR_CTRL2 = 0x2C

	_SENSOR_SEL = 0x30
	_USE_MSB    = 0x31
	_USE_LSB    = 0x32
	_AVG_MSB    = 0x33
	_AVG_LSB    = 0x34
	_DIFF_MSB   = 0x35
	_DIFF_LSB   = 0x36
	_OFFSET_MSB = 0x37
	_OFFSET_LSB = 0x38
	_SAR_MSB    = 0x39
	_SAR_LSB    = 0x3A

	_I2C_ADDR = 0x40
	_PAUSE    = 0x41
	_WHOAMI   = 0x42
	_RESET    = 0x7F
)

// SX9310 Register Bit Definitions
const (
	// IRQ_SRC / IRQ_MSK causes
	_CONVDONE_IRQ = 1 << 3
	_FAR_IRQ      = 1 << 5
	_CLOSE_IRQ    = 1 << 6

	// PROX_CTRL0 fields
	_SENSOREN_MASK    = 0x0F
	_SCANPERIOD_MASK  = 0xF0
	_SCANPERIOD_SHIFT = 4
	_SCANPERIOD_15MS  = 0x01

	// STAT1 fields
	_COMPSTAT_MASK = 0x0F

	_SOFT_RESET = 0xDE

	// PROX_CTRL2
	_COMBMODE_CS1_CS2 = 0x02 << 6
	_SHIELDEN_DYNAMIC = 0x01 << 2
	// PROX_CTRL3
	_GAIN0_X8  = 0x03 << 2
	_GAIN12_X4 = 0x02
	// PROX_CTRL4
	_RESOLUTION_FINEST = 0x07
	// PROX_CTRL5
	_RANGE_SMALL     = 0x03 << 6
	_STARTUPSENS_CS1 = 0x01 << 2
	_RAWFILT_1P25    = 0x02
	// PROX_CTRL6
	_AVGTHRESH_DEFAULT = 0x20
	// PROX_CTRL7
	_AVGNEGFILT_2   = 0x01 << 3
	_AVGPOSFILT_512 = 0x05
	// PROX_CTRL8/9
	_PTHRESH_28      = 0x08 << 3
	_PTHRESH_96      = 0x11 << 3
	_BODYTHRESH_900  = 0x03
	_BODYTHRESH_1500 = 0x05
	// PROX_CTRL10
	_HYST_6PCT      = 0x01 << 4
	_FAR_DEBOUNCE_2 = 0x01
	// SAR_CTRL0
	_SARDEB_4_SAMPLES = 0x02 << 5
	_SARHYST_8        = 0x02 << 3
	// SAR_CTRL1: each increment of the slope register is 0.0078125
	_SAR_SLOPE_DEFAULT = 10781250 / 78125
	// SAR_CTRL2
	_SAROFFSET_DEFAULT = 0x3C
)

// WHOAMI values for the two supported parts.
const (
	WhoamiSX9310 byte = 0x01
	WhoamiSX9311 byte = 0x02
)

// DefaultAddress is the factory-default I2C address of the SX9310.
const DefaultAddress uint16 = 0x28

// NumChannels is the number of hardware sensing channels, as laid out in
// STAT0: CS0, CS1, CS2 and COMB.
const NumChannels = 4

// Channel is an immutable descriptor of one sensing input.
type Channel struct {
	// Index is the hardware channel number (0..NumChannels-1).
	Index int
	// Name is the conventional channel name.
	Name string
	// DataReg is the MSB register holding the channel's raw value.
	DataReg byte
	// Bits is the significant width of the raw value. Values read through
	// the differential engine are 12-bit signed, all others 16-bit signed.
	Bits int
}

var channels = [NumChannels]Channel{
	{Index: 0, Name: "cs0", DataReg: _DIFF_MSB, Bits: 12},
	{Index: 1, Name: "cs1", DataReg: _DIFF_MSB, Bits: 12},
	{Index: 2, Name: "cs2", DataReg: _DIFF_MSB, Bits: 12},
	{Index: 3, Name: "comb", DataReg: _DIFF_MSB, Bits: 12},
}

// Channels returns the fixed channel descriptors of the device.
func Channels() []Channel {
	c := make([]Channel, NumChannels)
	copy(c, channels[:])
	return c
}

type regDefault struct {
	reg byte
	val byte
}

// Power-on defaults programmed after a soft reset, in order.
// The SENSOREN field of PROX_CTRL0 must stay clear here: turning detection on
// before the configuration values are in place makes the device return
// erroneous readings.
var defaultRegs = []regDefault{
	{_IRQ_MSK, 0x00},
	{_IRQ_FUNC, 0x00},
	{_PROX_CTRL0, _SCANPERIOD_15MS << _SCANPERIOD_SHIFT},
	{_PROX_CTRL1, 0x00},
	{_PROX_CTRL2, _COMBMODE_CS1_CS2 | _SHIELDEN_DYNAMIC},
	{_PROX_CTRL3, _GAIN0_X8 | _GAIN12_X4},
	{_PROX_CTRL4, _RESOLUTION_FINEST},
	{_PROX_CTRL5, _RANGE_SMALL | _STARTUPSENS_CS1 | _RAWFILT_1P25},
	{_PROX_CTRL6, _AVGTHRESH_DEFAULT},
	{_PROX_CTRL7, _AVGNEGFILT_2 | _AVGPOSFILT_512},
	{_PROX_CTRL8, _PTHRESH_96 | _BODYTHRESH_1500},
	{_PROX_CTRL9, _PTHRESH_28 | _BODYTHRESH_900},
	{_PROX_CTRL10, _HYST_6PCT | _FAR_DEBOUNCE_2},
	{_PROX_CTRL11, 0x00},
	{_PROX_CTRL12, 0x00},
	{_PROX_CTRL13, 0x00},
	{_PROX_CTRL14, 0x00},
	{_PROX_CTRL15, 0x00},
	{_PROX_CTRL16, 0x00},
	{_PROX_CTRL17, 0x00},
	{_PROX_CTRL18, 0x00},
	{_PROX_CTRL19, 0x00},
	{_SAR_CTRL0, _SARDEB_4_SAMPLES | _SARHYST_8},
	{_SAR_CTRL1, _SAR_SLOPE_DEFAULT},
	{_SAR_CTRL2, _SAROFFSET_DEFAULT},
}

// SampleFreq is one supported sampling frequency, split into an integer and a
// fractional micro-Hz part so no float arithmetic is needed on the device.
type SampleFreq struct {
	Hz      int
	MicroHz int
}

func (f SampleFreq) String() string {
	return itoa(f.Hz) + "." + pad6(f.MicroHz) + " Hz"
}

// Indexed by the SCANPERIOD field of PROX_CTRL0.
var sampFreqTable = [16]SampleFreq{
	{500, 0},      // 0000: min (no idle time)
	{66, 666666},  // 0001: 15 ms
	{33, 333333},  // 0010: 30 ms (typ.)
	{22, 222222},  // 0011: 45 ms
	{16, 666666},  // 0100: 60 ms
	{11, 111111},  // 0101: 90 ms
	{8, 333333},   // 0110: 120 ms
	{5, 0},        // 0111: 200 ms
	{2, 500000},   // 1000: 400 ms
	{1, 666666},   // 1001: 600 ms
	{1, 250000},   // 1010: 800 ms
	{1, 0},        // 1011: 1 s
	{0, 500000},   // 1100: 2 s
	{0, 333333},   // 1101: 3 s
	{0, 250000},   // 1110: 4 s
	{0, 200000},   // 1111: 5 s
}

// Scan period per SCANPERIOD field value. A channel enabled without interrupt
// support needs one full period before its first result is valid.
var scanPeriodTable = [16]time.Duration{
	2 * time.Millisecond, 15 * time.Millisecond, 30 * time.Millisecond,
	45 * time.Millisecond, 60 * time.Millisecond, 90 * time.Millisecond,
	120 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
	600 * time.Millisecond, 800 * time.Millisecond, 1000 * time.Millisecond,
	2000 * time.Millisecond, 3000 * time.Millisecond, 4000 * time.Millisecond,
	5000 * time.Millisecond,
}

// SampleFrequencies lists every sampling frequency the hardware supports.
func SampleFrequencies() []SampleFreq {
	f := make([]SampleFreq, len(sampFreqTable))
	copy(f, sampFreqTable[:])
	return f
}

// Tiny integer formatters so String methods stay fmt-free for TinyGo builds.
func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func pad6(v int) string {
	s := itoa(v)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}
