//go:build tinygo

package sx9310

import (
	"machine"
)

// tinygoPin wraps a machine.Pin to satisfy the Pin interface.
type tinygoPin struct {
	pin machine.Pin
}

func (p *tinygoPin) Out(l Level) error {
	p.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.pin.Set(bool(l))
	return nil
}

func (p *tinygoPin) In(pull Pull) error {
	var mPull machine.PinMode
	switch pull {
	case PullUp:
		mPull = machine.PinInputPullup
	case PullDown:
		mPull = machine.PinInputPulldown
	default:
		mPull = machine.PinInput
	}
	p.pin.Configure(machine.PinConfig{Mode: mPull})
	return nil
}

func (p *tinygoPin) Read() Level {
	return Level(p.pin.Get())
}

func (p *tinygoPin) Watch(edge Edge, handler func()) error {
	var mEdge machine.PinChange
	switch edge {
	case RisingEdge:
		mEdge = machine.PinRising
	case FallingEdge:
		mEdge = machine.PinFalling
	case BothEdges:
		mEdge = machine.PinToggle
	default:
		return nil
	}

	return p.pin.SetInterrupt(mEdge, func(machine.Pin) {
		handler()
	})
}

func (p *tinygoPin) Unwatch() error {
	// TinyGo has no dedicated unwatch; drop back to plain input.
	p.pin.Configure(machine.PinConfig{Mode: machine.PinInput})
	return nil
}

// NewTinyGo creates a new driver for TinyGo systems on an already configured
// machine.I2C bus. Pass machine.NoPin as irqPin when NIRQ is not wired.
func NewTinyGo(c SensorConfig, i2c *machine.I2C, irqPin machine.Pin) (*Device, error) {
	var irqWrapper Pin
	if irqPin != machine.NoPin {
		irqWrapper = &tinygoPin{pin: irqPin}
	}

	return NewWithHardware(HardwareConfig{
		SensorConfig: c,
		IRQ:          irqWrapper,
	}, i2c)
}
