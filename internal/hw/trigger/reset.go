package trigger

import (
	"fmt"
	"time"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/gpio"
)

// ResetBoard pulses the board's active-LOW reset line so the firmware starts
// from a known state and prints its banner again.
func ResetBoard(d gpio.Driver, pin int, hold time.Duration) error {
	if pin <= 0 {
		return nil
	}
	debug.Verbose("Resetting trigger board (GPIO %d, %v)", pin, hold)
	if err := d.SetupPin(pin, gpio.Output); err != nil {
		return fmt.Errorf("setup reset pin %d: %w", pin, err)
	}
	if err := gpio.Pulse(d, pin, gpio.Low, hold); err != nil {
		return fmt.Errorf("pulse reset pin %d: %w", pin, err)
	}
	return nil
}
