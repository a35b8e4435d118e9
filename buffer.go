package sx9310

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Sample is one buffered sampling record: the raw channel words in ascending
// channel order, packed from index 0, followed by a capture timestamp. Raw
// words are forwarded as read, without sign extension.
type Sample struct {
	Raw       [NumChannels]uint16
	Timestamp int64
}

// BufferSink receives one Sample per trigger firing. Push must be atomic
// with respect to concurrent reads by the sink's consumer.
type BufferSink interface {
	Push(Sample) error
}

// Trigger connects a sampling schedule to the device. The device calls Poll
// from the interrupt edge callback when trigger consumption is enabled, and
// calls Done exactly once at the end of every HandleTrigger cycle — also on
// failed cycles, so the trigger mechanism is never left stalled.
//
// Poll must not block.
type Trigger interface {
	Poll()
	Done()
}

// AttachTrigger installs the trigger whose cycles will call HandleTrigger.
// The trigger may not be replaced while trigger consumption is enabled.
func (d *Device) AttachTrigger(t Trigger) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trigEnabled.Load() {
		return fmt.Errorf("%w: cannot replace trigger while enabled", ErrPkg)
	}
	d.trig = t
	return nil
}

// SetTriggerState enables or disables trigger consumption. Enabling unmasks
// the conversion-done interrupt cause; disabling masks it again unless a
// one-shot read still holds channels and needs it.
func (d *Device) SetTriggerState(state bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if state {
		if d.trig == nil {
			return fmt.Errorf("%w: %w", ErrPkg, ErrNoTrigger)
		}
		if err := d.enableIRQ(_CONVDONE_IRQ); err != nil {
			return err
		}
	} else if d.chanRead == 0 {
		if err := d.disableIRQ(_CONVDONE_IRQ); err != nil {
			return err
		}
	}

	d.trigEnabled.Store(state)
	return nil
}

// EnableBuffer starts buffered sampling of the channels in scan, pushing one
// Sample per trigger firing into sink. The hardware enable mask becomes the
// union of scan and the event subscriptions.
//
// The buffer and one-shot reads hold the channel configuration exclusively:
// while a read is in flight the call fails with ErrBusy, so an outstanding
// conversion can never have its channel revoked underneath it.
func (d *Device) EnableBuffer(scan ChannelMask, sink BufferSink) error {
	if sink == nil {
		return fmt.Errorf("%w: nil buffer sink", ErrPkg)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sink == nil && d.chanRead != 0 {
		return fmt.Errorf("%w: %w: one-shot read in progress", ErrPkg, ErrBusy)
	}

	if err := d.updateChanEnable(scan, d.chanEvent); err != nil {
		return err
	}
	d.scanMask = scan
	d.sink = sink
	return nil
}

// DisableBuffer stops buffered sampling. Event subscriptions keep their
// channels enabled. A no-op when the buffer is not enabled.
func (d *Device) DisableBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sink == nil {
		return nil
	}

	if err := d.updateChanEnable(0, d.chanEvent); err != nil {
		return err
	}
	d.scanMask = 0
	d.sink = nil
	return nil
}

// HandleTrigger runs one buffered sampling cycle: it reads every channel in
// the active scan set, pushes the packed record with the given timestamp to
// the sink, and notifies the trigger that the cycle finished. External
// periodic trigger sources call this once per firing.
func (d *Device) HandleTrigger(timestamp int64) {
	d.mu.Lock()

	sample := Sample{Timestamp: timestamp}
	i := 0
	var err error
	for ch := 0; ch < NumChannels; ch++ {
		if !d.scanMask.Has(ch) {
			continue
		}
		var raw uint16
		if raw, err = d.readRawSample(channels[ch]); err != nil {
			break
		}
		sample.Raw[i] = raw
		i++
	}

	if err == nil && d.sink != nil {
		if err := d.sink.Push(sample); err != nil {
			globalLogger.Warn("buffer sink rejected sample")
		}
	} else if err != nil {
		globalLogger.Error("i2c transfer error in trigger handler")
	}
	trig := d.trig

	d.mu.Unlock()

	if trig != nil {
		trig.Done()
	}
}

// SampleStream is a channel-backed BufferSink with ring semantics: when the
// consumer falls behind, the oldest sample is dropped to make room.
type SampleStream struct {
	c chan Sample
}

// NewSampleStream returns a stream buffering up to depth samples.
func NewSampleStream(depth int) *SampleStream {
	if depth <= 0 {
		depth = 16
	}
	return &SampleStream{c: make(chan Sample, depth)}
}

func (s *SampleStream) Push(smp Sample) error {
	for {
		select {
		case s.c <- smp:
			return nil
		default:
		}
		// Full: drop the oldest and retry.
		select {
		case <-s.c:
		default:
		}
	}
}

// Samples returns the receive side of the stream.
func (s *SampleStream) Samples() <-chan Sample { return s.c }

// TickTrigger drives the buffered sampler from a wall-clock ticker, with the
// conversion interrupt able to pull cycles in earlier via Poll. One cycle is
// in flight at a time; extra firings coalesce until Done.
type TickTrigger struct {
	dev      *Device
	interval time.Duration
	fire     chan struct{}
	stop     chan struct{}
	finished chan struct{}
	inFlight atomic.Bool
}

// NewTickTrigger returns a stopped trigger sampling dev every interval.
func NewTickTrigger(dev *Device, interval time.Duration) *TickTrigger {
	return &TickTrigger{
		dev:      dev,
		interval: interval,
		fire:     make(chan struct{}, 1),
	}
}

func (t *TickTrigger) Poll() {
	select {
	case t.fire <- struct{}{}:
	default:
	}
}

func (t *TickTrigger) Done() {
	t.inFlight.Store(false)
}

// Start launches the sampling loop. Stop it with Stop.
func (t *TickTrigger) Start() {
	t.stop = make(chan struct{})
	t.finished = make(chan struct{})
	go t.loop()
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (t *TickTrigger) Stop() {
	close(t.stop)
	<-t.finished
}

func (t *TickTrigger) loop() {
	defer close(t.finished)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		case <-t.fire:
		}
		if !t.inFlight.CompareAndSwap(false, true) {
			continue
		}
		t.dev.HandleTrigger(time.Now().UnixNano())
	}
}
