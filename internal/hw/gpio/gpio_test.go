package gpio

import (
	"testing"
	"time"
)

func TestMockDriver_WriteThenRead(t *testing.T) {
	d := NewMockDriver()
	if err := d.WritePin(17, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	got, err := d.ReadPin(17)
	if err != nil {
		t.Fatalf("ReadPin: %v", err)
	}
	if got != High {
		t.Errorf("ReadPin = %v, want HIGH", got)
	}
}

func TestMockDriver_UnwrittenPinIsLow(t *testing.T) {
	d := NewMockDriver()
	got, _ := d.ReadPin(4)
	if got != Low {
		t.Errorf("ReadPin = %v, want LOW", got)
	}
}

func TestPulse_EndsOnInactiveLevel(t *testing.T) {
	d := NewMockDriver()
	if err := Pulse(d, 17, Low, time.Microsecond); err != nil {
		t.Fatalf("Pulse: %v", err)
	}
	got, _ := d.ReadPin(17)
	if got != High {
		t.Errorf("after active-LOW pulse pin = %v, want HIGH", got)
	}
	if d.Writes() != 2 {
		t.Errorf("writes = %d, want 2", d.Writes())
	}
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", d)
	}
}

func TestLevel_String(t *testing.T) {
	if High.String() != "HIGH" || Low.String() != "LOW" {
		t.Errorf("String() = %q/%q", High.String(), Low.String())
	}
}
