package plugins

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
)

// PtySerial carries a camera serial channel over a pseudo terminal. The
// UART bridge (or a camera simulator) attaches to TTYPath and the manager
// talks to the camera through the controlling side.
type PtySerial struct {
	mu     sync.Mutex
	label  string
	ptmx   *os.File
	tty    *os.File
	closed bool
}

// NewPtySerial allocates a pty pair
func NewPtySerial(label string) (*PtySerial, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open PTY for %s: %w", label, err)
	}

	return &PtySerial{
		label: label,
		ptmx:  ptmx,
		tty:   tty,
	}, nil
}

// Name returns the label and tty path, e.g. "ch0 (/dev/pts/3)"
func (p *PtySerial) Name() string {
	return fmt.Sprintf("%s (%s)", p.label, p.TTYPath())
}

// TTYPath is the device node the UART bridge should open
func (p *PtySerial) TTYPath() string {
	return p.tty.Name()
}

// Read returns bytes sent by the camera
func (p *PtySerial) Read(b []byte) (int, error) {
	return p.ptmx.Read(b)
}

// Write sends bytes to the camera
func (p *PtySerial) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

// Close releases both ends of the pty
func (p *PtySerial) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.ptmx.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.tty.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing PTY %s: %v", p.label, errs)
	}
	return nil
}
