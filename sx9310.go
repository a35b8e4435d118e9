// Package sx9310 drives the Semtech SX9310/SX9311 capacitive proximity and
// button sensor over I2C.
//
// The device multiplexes up to four sensing channels behind one enable
// register. The driver keeps that register equal to the union of the channels
// wanted for one-shot reads and the channels subscribed for proximity events,
// synchronizes one-shot reads against the conversion-done interrupt (or a
// scan-period sleep when no interrupt line is wired), reports proximity state
// transitions on an event channel, and feeds a triggered sampling pipeline.
package sx9310

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/drivers"
)

var (
	ErrPkg                 = errors.New("sx9310")
	ErrCompensationTimeout = errors.New("initial compensation timed out")
	ErrUnknownDevice       = errors.New("unexpected WHOAMI response")
	ErrNoTrigger           = errors.New("no trigger attached")
	ErrBusy                = errors.New("device busy")
)

// ChannelMask is a bit-set of sensing channels, one bit per channel index.
type ChannelMask uint8

// AllChannels selects every sensing channel.
const AllChannels ChannelMask = (1 << NumChannels) - 1

// Has reports whether channel ch is in the set.
func (m ChannelMask) Has(ch int) bool { return m&(1<<ch) != 0 }

func (m ChannelMask) String() string {
	var buf [NumChannels]byte
	for ch := 0; ch < NumChannels; ch++ {
		if m.Has(ch) {
			buf[NumChannels-1-ch] = '1'
		} else {
			buf[NumChannels-1-ch] = '0'
		}
	}
	return "0b" + string(buf[:])
}

// EventDirection tells which way a channel's proximity state flipped.
type EventDirection uint8

const (
	// Departing means the channel's proximity bit cleared: the object
	// moved out of range.
	Departing EventDirection = iota
	// Approaching means the channel's proximity bit set: an object came
	// close. The STAT0 convention is bit=1 for "near".
	Approaching
)

func (d EventDirection) String() string {
	if d == Approaching {
		return "approaching"
	}
	return "departing"
}

// Event is one proximity state transition on a subscribed channel.
type Event struct {
	// Channel is the hardware channel index.
	Channel int
	// Direction tells whether the object came close or went away.
	Direction EventDirection
	// Timestamp is the time the interrupt was serviced, in nanoseconds.
	// Events from the same interrupt share one timestamp.
	Timestamp int64
}

// SensorConfig holds the platform-independent configuration.
type SensorConfig struct {
	// Address is the I2C address of the device.
	// Defaults to DefaultAddress (0x28) if not provided.
	Address uint16
	// EventQueue is the capacity of the proximity event channel. Events
	// are dropped (with a warning) when the consumer falls behind.
	// Defaults to 16 if not provided.
	EventQueue int
	// PowerUpDelay is the wait after reset before the device accepts
	// traffic. The datasheet power-up time is ~1ms.
	// Defaults to 1ms if not provided.
	PowerUpDelay time.Duration
	// CompensationTimeout bounds the initial compensation cycle.
	// Defaults to 2s if not provided.
	CompensationTimeout time.Duration
	// CompensationPoll is the interval between compensation status polls.
	// Defaults to 20ms if not provided.
	CompensationPoll time.Duration
}

// HardwareConfig carries the SensorConfig plus the hardware interfaces.
type HardwareConfig struct {
	SensorConfig
	// IRQ is the NIRQ interrupt line.
	// Optional. If not provided, one-shot reads fall back to sleeping one
	// scan period and no proximity events are delivered.
	IRQ Pin
}

// Device is an initialized SX9310/SX9311.
//
// One mutex serializes all register access and channel configuration. The
// only operation that gives the lock up midway is a one-shot read while it
// waits for its conversion, so the interrupt worker can get in and deliver
// the completion.
type Device struct {
	config HardwareConfig
	regs   *regmap
	port   io.Closer

	mu        sync.Mutex
	chanRead  ChannelMask // channels held for one-shot reads
	chanEvent ChannelMask // channels subscribed for proximity events
	// Last reading of the proximity status for each channel. An event is
	// emitted only when this changes.
	proxStat ChannelMask
	// Enable register snapshot taken at suspend, restored verbatim.
	suspendCtrl0 byte
	scanMask     ChannelMask
	sink         BufferSink
	trig         Trigger
	whoami       byte
	name         string

	// Single-slot conversion-done signal. At most one one-shot read waits
	// on it at a time; any leftover is drained after the wait.
	completion chan struct{}

	// Read by the pin edge callback without the mutex.
	trigEnabled atomic.Bool

	events  chan Event
	irqWork chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewWithHardware creates and initializes a driver on an already opened bus
// and interrupt pin. Most users want New (periph.io) or NewTinyGo instead.
func NewWithHardware(c HardwareConfig, bus drivers.I2C) (*Device, error) {
	if c.Address == 0 {
		c.Address = DefaultAddress
	}
	if c.EventQueue == 0 {
		c.EventQueue = 16
	}
	if c.PowerUpDelay == 0 {
		c.PowerUpDelay = time.Millisecond
	}
	if c.CompensationTimeout == 0 {
		c.CompensationTimeout = 2 * time.Second
	}
	if c.CompensationPoll == 0 {
		c.CompensationPoll = 20 * time.Millisecond
	}

	dev := &Device{
		config:     c,
		regs:       newRegmap(bus, c.Address),
		completion: make(chan struct{}, 1),
		events:     make(chan Event, c.EventQueue),
	}

	// Must wait for Tpor after initial power up.
	time.Sleep(c.PowerUpDelay)

	whoami, err := dev.regs.Read(_WHOAMI)
	if err != nil {
		return nil, fmt.Errorf("error reading WHOAMI register: %w", err)
	}
	dev.whoami = whoami
	switch whoami {
	case WhoamiSX9310:
		dev.name = "sx9310"
	case WhoamiSX9311:
		dev.name = "sx9311"
	default:
		return nil, fmt.Errorf("%w: %w: 0x%02x", ErrPkg, ErrUnknownDevice, whoami)
	}

	if err := dev.initDevice(); err != nil {
		return nil, err
	}

	if c.IRQ != nil {
		dev.irqWork = make(chan struct{}, 1)
		dev.stop = make(chan struct{})
		dev.done = make(chan struct{})
		go dev.irqWorker()
		if err := dev.watchIRQ(); err != nil {
			close(dev.stop)
			<-dev.done
			return nil, fmt.Errorf("failed to watch IRQ pin: %w", err)
		}
	}

	globalLogger.Info(dev.name + " initialized and compensated. Ready to operate.")
	return dev, nil
}

// Name returns "sx9310" or "sx9311", depending on the identity register.
func (d *Device) Name() string { return d.name }

// Whoami returns the raw identity register value.
func (d *Device) Whoami() byte { return d.whoami }

// Close stops the interrupt machinery and closes the event channel. The bus
// handle opened by New is released as well. Close must be called once.
func (d *Device) Close() error {
	if d.config.IRQ != nil {
		if err := d.config.IRQ.Unwatch(); err != nil {
			globalLogger.Warn("failed to unwatch IRQ pin")
		}
		close(d.stop)
		<-d.done
	}
	close(d.events)
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			return err
		}
	}
	globalLogger.Info(d.name + " closed.")
	return nil
}

// --- Channel enablement ---

// updateChanEnable reprograms the SENSOREN field to read|event when the union
// changed, then commits both masks. On a register failure neither mask moves.
// Call with lock held.
func (d *Device) updateChanEnable(read, event ChannelMask) error {
	channels := read | event
	if d.chanRead|d.chanEvent != channels {
		err := d.regs.UpdateBits(_PROX_CTRL0, _SENSOREN_MASK, byte(channels))
		if err != nil {
			return err
		}
	}
	d.chanRead = read
	d.chanEvent = event
	return nil
}

func (d *Device) getReadChannel(ch int) error {
	return d.updateChanEnable(d.chanRead|1<<ch, d.chanEvent)
}

func (d *Device) putReadChannel(ch int) error {
	return d.updateChanEnable(d.chanRead&^(1<<ch), d.chanEvent)
}

func (d *Device) getEventChannel(ch int) error {
	return d.updateChanEnable(d.chanRead, d.chanEvent|1<<ch)
}

func (d *Device) putEventChannel(ch int) error {
	return d.updateChanEnable(d.chanRead, d.chanEvent&^(1<<ch))
}

// enableIRQ unmasks the given interrupt causes. A no-op without an interrupt
// line. Call with lock held.
func (d *Device) enableIRQ(causes byte) error {
	if d.config.IRQ == nil {
		return nil
	}
	return d.regs.UpdateBits(_IRQ_MSK, causes, causes)
}

func (d *Device) disableIRQ(causes byte) error {
	if d.config.IRQ == nil {
		return nil
	}
	return d.regs.UpdateBits(_IRQ_MSK, causes, 0)
}

// --- One-shot acquisition ---

// readRawSample selects the channel and pulls its 16-bit big-endian raw
// value. Call with lock held.
func (d *Device) readRawSample(ch Channel) (uint16, error) {
	if err := d.regs.Write(_SENSOR_SEL, byte(ch.Index)); err != nil {
		return 0, err
	}
	var buf [2]byte
	if err := d.regs.BulkRead(ch.DataReg, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// signExtend interprets the low bits of raw as a signed value of the given
// width.
func signExtend(raw uint16, bits int) int {
	shift := 32 - bits
	return int(int32(uint32(raw)<<shift) >> shift)
}

// ReadProximity performs one on-demand measurement of the given channel and
// returns the sign-extended raw proximity value.
//
// The channel is enabled for the duration of the read and released
// afterwards; a channel also subscribed for events stays enabled in hardware.
// With an interrupt line the call blocks on the conversion-done interrupt and
// honors ctx cancellation; without one it sleeps one scan period. On any
// failure after the channel was acquired — cancellation included — the
// conversion interrupt cause is disabled and the channel released before the
// error is returned.
//
// One-shot reads and buffered sampling hold the channel configuration
// exclusively: while the buffer is enabled the call fails with ErrBusy.
func (d *Device) ReadProximity(ctx context.Context, channel int) (int, error) {
	if channel < 0 || channel >= NumChannels {
		return 0, fmt.Errorf("%w: channel must be between 0 and %d", ErrPkg, NumChannels-1)
	}
	ch := channels[channel]

	d.mu.Lock()

	if d.sink != nil {
		d.mu.Unlock()
		return 0, fmt.Errorf("%w: %w: buffered sampling enabled", ErrPkg, ErrBusy)
	}

	if err := d.getReadChannel(channel); err != nil {
		d.mu.Unlock()
		return 0, err
	}

	var wait time.Duration
	err := d.enableIRQ(_CONVDONE_IRQ)
	if err == nil && d.config.IRQ == nil {
		// No interrupt support: a result is only valid one scan period
		// after the channel went live.
		var ctrl0 byte
		if ctrl0, err = d.regs.Read(_PROX_CTRL0); err == nil {
			wait = scanPeriodTable[(ctrl0&_SCANPERIOD_MASK)>>_SCANPERIOD_SHIFT]
		}
	}
	if err != nil {
		d.putReadChannel(channel)
		d.mu.Unlock()
		return 0, err
	}

	// Give the lock up while waiting so the interrupt worker can run and
	// deliver the completion.
	d.mu.Unlock()

	var waitErr error
	if d.config.IRQ != nil {
		select {
		case <-d.completion:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		// Drop any stale completion so the next read starts clean.
		select {
		case <-d.completion:
		default:
		}
	} else {
		time.Sleep(wait)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if waitErr != nil {
		d.disableIRQ(_CONVDONE_IRQ)
		d.putReadChannel(channel)
		return 0, waitErr
	}

	raw, err := d.readRawSample(ch)
	if err != nil {
		d.disableIRQ(_CONVDONE_IRQ)
		d.putReadChannel(channel)
		return 0, err
	}
	val := signExtend(raw, ch.Bits)

	if err := d.disableIRQ(_CONVDONE_IRQ); err != nil {
		d.putReadChannel(channel)
		return 0, err
	}
	if err := d.putReadChannel(channel); err != nil {
		return 0, err
	}
	return val, nil
}

// --- Sampling frequency ---

// SampleFrequency returns the currently programmed sampling frequency.
func (d *Device) SampleFrequency() (SampleFreq, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctrl0, err := d.regs.Read(_PROX_CTRL0)
	if err != nil {
		return SampleFreq{}, err
	}
	return sampFreqTable[(ctrl0&_SCANPERIOD_MASK)>>_SCANPERIOD_SHIFT], nil
}

// SetSampleFrequency programs one of the frequencies listed by
// SampleFrequencies.
func (d *Device) SetSampleFrequency(f SampleFreq) error {
	for i, t := range sampFreqTable {
		if t == f {
			d.mu.Lock()
			defer d.mu.Unlock()
			return d.regs.UpdateBits(_PROX_CTRL0, _SCANPERIOD_MASK,
				byte(i)<<_SCANPERIOD_SHIFT)
		}
	}
	return fmt.Errorf("%w: unsupported sampling frequency %s", ErrPkg, f)
}

// --- Proximity events ---

// Events returns the proximity event channel. It is closed by Close.
// Delivery is best-effort: when the channel is full, events are dropped.
func (d *Device) Events() <-chan Event { return d.events }

// EventEnabled reports whether proximity events are enabled on a channel.
func (d *Device) EventEnabled(channel int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chanEvent.Has(channel)
}

// EnableEvent subscribes a channel for proximity transition events. The
// first subscription unmasks the near/far interrupt causes.
func (d *Device) EnableEvent(channel int) error {
	return d.writeEventConfig(channel, true)
}

// DisableEvent unsubscribes a channel. The last unsubscription masks the
// near/far interrupt causes again.
func (d *Device) DisableEvent(channel int) error {
	return d.writeEventConfig(channel, false)
}

func (d *Device) writeEventConfig(channel int, state bool) error {
	if channel < 0 || channel >= NumChannels {
		return fmt.Errorf("%w: channel must be between 0 and %d", ErrPkg, NumChannels-1)
	}
	const eventIRQ = _FAR_IRQ | _CLOSE_IRQ

	d.mu.Lock()
	defer d.mu.Unlock()

	// Nothing to do when the state doesn't change.
	if d.chanEvent.Has(channel) == state {
		return nil
	}

	if state {
		if err := d.getEventChannel(channel); err != nil {
			return err
		}
		if d.chanEvent&^(1<<channel) == 0 {
			if err := d.enableIRQ(eventIRQ); err != nil {
				d.putEventChannel(channel)
				return err
			}
		}
		return nil
	}

	if err := d.putEventChannel(channel); err != nil {
		return err
	}
	if d.chanEvent == 0 {
		if err := d.disableIRQ(eventIRQ); err != nil {
			d.getEventChannel(channel)
			return err
		}
	}
	return nil
}

// --- Interrupt dispatch ---

// irqHandler is the immediate stage, called from the pin edge callback. It
// must not take the mutex: it only pokes the trigger and hands off to the
// worker, which is free to block.
func (d *Device) irqHandler() {
	if d.trigEnabled.Load() {
		d.trig.Poll()
	}
	// Even when nothing is enabled the worker must still run to clear the
	// interrupt state by reading IRQ_SRC, and that read needs the mutex.
	select {
	case d.irqWork <- struct{}{}:
	default:
	}
}

// irqWorker runs the deferred stage for every edge signalled by irqHandler.
func (d *Device) irqWorker() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case <-d.irqWork:
			d.serviceIRQ()
		}
	}
}

// serviceIRQ reads and clears the interrupt source register, then either
// emits proximity events or releases a pending one-shot read.
func (d *Device) serviceIRQ() {
	d.mu.Lock()
	defer d.mu.Unlock()

	src, err := d.regs.Read(_IRQ_SRC)
	if err != nil {
		globalLogger.Error("i2c transfer error in irq")
		return
	}

	if src&(_FAR_IRQ|_CLOSE_IRQ) != 0 {
		d.pushEvents()
	}

	if src&_CONVDONE_IRQ != 0 {
		select {
		case d.completion <- struct{}{}:
		default:
		}
	}
}

// pushEvents diffs the proximity status register against the last observed
// state and emits one event per changed, subscribed channel. The new state is
// committed even when events are dropped, so a full queue can't cause
// duplicates later. Call with lock held.
func (d *Device) pushEvents() {
	timestamp := time.Now().UnixNano()

	stat, err := d.regs.Read(_STAT0)
	if err != nil {
		globalLogger.Error("i2c transfer error in irq")
		return
	}
	current := ChannelMask(stat) & AllChannels

	// Only channels with events enabled whose state actually changed.
	changed := (d.proxStat ^ current) & d.chanEvent

	for ch := 0; ch < NumChannels; ch++ {
		if !changed.Has(ch) {
			continue
		}
		dir := Departing
		if current.Has(ch) {
			dir = Approaching
		}
		select {
		case d.events <- Event{Channel: ch, Direction: dir, Timestamp: timestamp}:
		default:
			globalLogger.Warn("event queue full, dropping proximity event")
		}
	}
	d.proxStat = current
}

// --- Power management ---

// Suspend pauses all sensing. The interrupt line is shut off first, then the
// enable register is saved and its SENSOREN field cleared, preserving the
// scan period bits, and the device is paused. Resume restores the exact
// pre-suspend configuration.
func (d *Device) Suspend() error {
	if d.config.IRQ != nil {
		if err := d.config.IRQ.Unwatch(); err != nil {
			return fmt.Errorf("failed to disable IRQ pin: %w", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctrl0, err := d.regs.Read(_PROX_CTRL0)
	if err != nil {
		return err
	}
	d.suspendCtrl0 = ctrl0

	if err := d.regs.Write(_PROX_CTRL0, ctrl0&^_SENSOREN_MASK); err != nil {
		return err
	}
	return d.regs.Write(_PAUSE, 0)
}

// Resume un-pauses the device and writes the saved enable register back
// verbatim. The interrupt line comes back only after a fully successful
// restore.
func (d *Device) Resume() error {
	d.mu.Lock()
	err := d.regs.Write(_PAUSE, 1)
	if err == nil {
		err = d.regs.Write(_PROX_CTRL0, d.suspendCtrl0)
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if d.config.IRQ != nil {
		return d.watchIRQ()
	}
	return nil
}

func (d *Device) watchIRQ() error {
	if err := d.config.IRQ.In(PullUp); err != nil {
		return err
	}
	// NIRQ is active low.
	return d.config.IRQ.Watch(FallingEdge, d.irqHandler)
}

// --- Initialization ---

func (d *Device) initDevice() error {
	if err := d.regs.Write(_RESET, _SOFT_RESET); err != nil {
		return err
	}
	time.Sleep(d.config.PowerUpDelay)

	// Clear the reset interrupt state by reading IRQ_SRC.
	if _, err := d.regs.Read(_IRQ_SRC); err != nil {
		return err
	}

	for _, rv := range defaultRegs {
		if err := d.regs.Write(rv.reg, rv.val); err != nil {
			return err
		}
	}

	return d.initCompensation()
}

// initCompensation runs the compensation phase on all channels and waits for
// it to finish, then puts the enable register back the way it was.
func (d *Device) initCompensation() error {
	ctrl0, err := d.regs.Read(_PROX_CTRL0)
	if err != nil {
		return err
	}

	if err := d.regs.Write(_PROX_CTRL0, ctrl0|_SENSOREN_MASK); err != nil {
		return err
	}

	deadline := time.Now().Add(d.config.CompensationTimeout)
	for {
		stat, err := d.regs.Read(_STAT1)
		if err != nil {
			return err
		}
		if stat&_COMPSTAT_MASK == 0 {
			break
		}
		if time.Now().After(deadline) {
			globalLogger.Error("initial compensation timed out")
			return fmt.Errorf("%w: %w", ErrPkg, ErrCompensationTimeout)
		}
		time.Sleep(d.config.CompensationPoll)
	}

	return d.regs.Write(_PROX_CTRL0, ctrl0)
}
