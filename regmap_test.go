package sx9310

import (
	"errors"
	"testing"
)

func TestRegmapCachedRead(t *testing.T) {
	bus := newFakeBus()
	rm := newRegmap(bus, DefaultAddress)

	if err := rm.Write(_PROX_CTRL1, 0x55); err != nil {
		t.Fatal(err)
	}

	// The write populated the cache: reads cost no bus traffic.
	reads := bus.readCount()
	for i := 0; i < 3; i++ {
		v, err := rm.Read(_PROX_CTRL1)
		if err != nil {
			t.Fatal(err)
		}
		if v != 0x55 {
			t.Fatalf("expected 0x55, got 0x%02x", v)
		}
	}
	if n := bus.readCount(); n != reads {
		t.Errorf("cacheable read hit the bus %d times", n-reads)
	}
}

func TestRegmapUncachedReadGoesToBus(t *testing.T) {
	bus := newFakeBus()
	bus.setReg(_PROX_CTRL1, 0x33)
	rm := newRegmap(bus, DefaultAddress)

	// First read of an unknown register goes to the bus, the second is
	// served from the cache.
	if _, err := rm.Read(_PROX_CTRL1); err != nil {
		t.Fatal(err)
	}
	reads := bus.readCount()
	v, err := rm.Read(_PROX_CTRL1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x33 {
		t.Errorf("expected 0x33, got 0x%02x", v)
	}
	if n := bus.readCount(); n != reads {
		t.Errorf("second read of a cacheable register hit the bus")
	}
}

func TestRegmapVolatileNeverCached(t *testing.T) {
	bus := newFakeBus()
	bus.setReg(_STAT0, 0x05)
	rm := newRegmap(bus, DefaultAddress)

	if _, err := rm.Read(_STAT0); err != nil {
		t.Fatal(err)
	}
	bus.setReg(_STAT0, 0x0A)
	v, err := rm.Read(_STAT0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x0A {
		t.Errorf("volatile register served from cache: got 0x%02x", v)
	}
}

func TestRegmapAccessViolation(t *testing.T) {
	bus := newFakeBus()
	rm := newRegmap(bus, DefaultAddress)

	// Status registers are read-only.
	if err := rm.Write(_STAT0, 0x01); !errors.Is(err, ErrRegAccess) {
		t.Errorf("expected ErrRegAccess writing STAT0, got %v", err)
	}
	// Holes in the register map are not readable.
	if _, err := rm.Read(0x50); !errors.Is(err, ErrRegAccess) {
		t.Errorf("expected ErrRegAccess reading 0x50, got %v", err)
	}
	// A bulk read must not run past the readable window.
	var buf [2]byte
	if err := rm.BulkRead(_WHOAMI, buf[:]); !errors.Is(err, ErrRegAccess) {
		t.Errorf("expected ErrRegAccess on out-of-range bulk read, got %v", err)
	}
	// Nothing may have reached the bus.
	if len(bus.writes) != 0 || bus.readCount() != 0 {
		t.Errorf("rejected access still produced bus traffic")
	}
}

func TestRegmapUpdateBitsSkipsNoop(t *testing.T) {
	bus := newFakeBus()
	rm := newRegmap(bus, DefaultAddress)

	if err := rm.Write(_PROX_CTRL1, 0x0F); err != nil {
		t.Fatal(err)
	}
	writes := bus.writeCount(_PROX_CTRL1)

	// Field already holds the wanted value: no bus write.
	if err := rm.UpdateBits(_PROX_CTRL1, 0x0F, 0x0F); err != nil {
		t.Fatal(err)
	}
	if n := bus.writeCount(_PROX_CTRL1); n != writes {
		t.Errorf("no-op update wrote the register")
	}

	// Changing the field writes the merged value.
	if err := rm.UpdateBits(_PROX_CTRL1, 0x0F, 0x03); err != nil {
		t.Fatal(err)
	}
	if v, _ := bus.lastWrite(_PROX_CTRL1); v != 0x03 {
		t.Errorf("expected merged value 0x03, got 0x%02x", v)
	}
}

func TestRegmapErrorsWrapped(t *testing.T) {
	bus := newFakeBus()
	bus.failRead[_WHOAMI] = errors.New("nack")
	rm := newRegmap(bus, DefaultAddress)

	_, err := rm.Read(_WHOAMI)
	if !errors.Is(err, ErrPkg) {
		t.Errorf("expected bus error wrapped with the package sentinel, got %v", err)
	}
}
