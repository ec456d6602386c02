package plugins

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// DefaultTriggerWidth is the CC1 pulse width when none is configured
const DefaultTriggerWidth = 100 * time.Microsecond

// TriggerLine drives the CameraLink CC1 camera control input from a GPIO
type TriggerLine struct {
	mu       sync.Mutex
	chip     *gpiocdev.Chip
	line     *gpiocdev.Line
	chipPath string
	pin      int
	width    time.Duration
}

// NewTriggerLine requests pin on chipPath as an output, initially low
func NewTriggerLine(chipPath string, pin int, width time.Duration) (*TriggerLine, error) {
	if pin < 0 {
		return nil, fmt.Errorf("invalid pin %d: must be non-negative", pin)
	}
	if width <= 0 {
		width = DefaultTriggerWidth
	}

	chip, err := gpiocdev.NewChip(chipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipPath, err)
	}

	line, err := chip.RequestLine(
		pin,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("clink-cc1"),
	)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("failed to request trigger pin %d: %w", pin, err)
	}

	return &TriggerLine{
		chip:     chip,
		line:     line,
		chipPath: chipPath,
		pin:      pin,
		width:    width,
	}, nil
}

// Close releases the line and the chip
func (t *TriggerLine) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error

	if t.line != nil {
		if err := t.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close trigger line: %w", err))
		}
		t.line = nil
	}

	if t.chip != nil {
		if err := t.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close GPIO chip: %w", err))
		}
		t.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing GPIO: %v", errs)
	}
	return nil
}

// Pulse raises CC1 for width, or the configured width when width is zero
func (t *TriggerLine) Pulse(width time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.line == nil {
		return fmt.Errorf("trigger line not initialized")
	}
	if width <= 0 {
		width = t.width
	}

	if err := t.line.SetValue(1); err != nil {
		return fmt.Errorf("failed to set trigger pin HIGH: %w", err)
	}
	time.Sleep(width)
	if err := t.line.SetValue(0); err != nil {
		return fmt.Errorf("failed to set trigger pin LOW: %w", err)
	}
	return nil
}

// Info returns information about the trigger line
func (t *TriggerLine) Info() string {
	if t.chip == nil {
		return fmt.Sprintf("GPIO: %s (closed)", t.chipPath)
	}
	return fmt.Sprintf("GPIO: %s (%s, %s), CC1 Pin: %d, Width: %s",
		t.chipPath, t.chip.Name, t.chip.Label, t.pin, t.width)
}
