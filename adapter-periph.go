//go:build !tinygo

package sx9310

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	var pPull gpio.Pull
	switch pull {
	case PullFloat:
		pPull = gpio.Float
	case PullDown:
		pPull = gpio.PullDown
	case PullUp:
		pPull = gpio.PullUp
	default:
		pPull = gpio.PullNoChange
	}
	return p.PinIO.In(pPull, gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

func (p *realPin) Watch(edge Edge, handler func()) error {
	var pEdge gpio.Edge
	switch edge {
	case RisingEdge:
		pEdge = gpio.RisingEdge
	case FallingEdge:
		pEdge = gpio.FallingEdge
	case BothEdges:
		pEdge = gpio.BothEdges
	default:
		pEdge = gpio.NoEdge
	}

	// Ensure we are in input mode with the correct edge detection
	if err := p.PinIO.In(gpio.PullUp, pEdge); err != nil {
		return err
	}

	p.stopWatch = make(chan struct{})
	// Capture the channel: a later re-watch replaces p.stopWatch, and this
	// goroutine must still see its own, closed channel and exit.
	stop := p.stopWatch

	go func() {
		for {
			// Wait for edge with -1 (infinite timeout)
			if p.PinIO.WaitForEdge(-1) {
				select {
				case <-stop:
					return
				default:
					handler()
				}
			} else {
				// WaitForEdge returned false (timeout or error), check stop
				select {
				case <-stop:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
	// Disable edge detection
	return p.PinIO.In(gpio.PullUp, gpio.NoEdge)
}

// Config holds the configuration for the Linux/periph.io driver.
type Config struct {
	SensorConfig
	// I2CBusPath is the I2C bus to open (e.g. "/dev/i2c-1").
	// Defaults to the first available bus if not provided.
	I2CBusPath string
	// I2CSpeedHz is the bus speed in Hz. Optional; when zero the bus
	// default is kept.
	I2CSpeedHz int
	// IRQPin is the GPIO pin number (BCM numbering) wired to NIRQ.
	// Optional. If not provided, reads fall back to scan-period polling
	// and proximity events are unavailable.
	IRQPin int
}

// New creates and initializes a driver for Linux systems. It initializes the
// periph.io host, opens the I2C bus and the optional interrupt pin, then
// resets, programs and compensates the device.
func New(c Config) (*Device, error) {
	// 1. Initialize periph.io host (required for both I2C and GPIO)
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	// 2. Open the I2C bus
	bus, err := i2creg.Open(c.I2CBusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus: %w", err)
	}

	if c.I2CSpeedHz != 0 {
		if err := bus.SetSpeed(physic.Frequency(c.I2CSpeedHz) * physic.Hertz); err != nil {
			bus.Close()
			return nil, fmt.Errorf("failed to set I2C bus speed: %w", err)
		}
	}

	// 3. Setup IRQ pin
	var irqWrapper Pin
	if c.IRQPin != 0 {
		irqName := fmt.Sprintf("GPIO%d", c.IRQPin)
		realIrq := gpioreg.ByName(irqName)
		if realIrq == nil {
			bus.Close()
			return nil, fmt.Errorf("failed to open IRQ pin %s", irqName)
		}
		irqWrapper = &realPin{PinIO: realIrq}
	}

	// 4. Call internal constructor
	hwConfig := HardwareConfig{
		SensorConfig: c.SensorConfig,
		IRQ:          irqWrapper,
	}
	dev, err := NewWithHardware(hwConfig, bus)
	if err != nil {
		bus.Close()
		return nil, err
	}

	// Store the bus closer so Close can release it
	dev.port = bus
	return dev, nil
}
