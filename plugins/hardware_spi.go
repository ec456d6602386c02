package plugins

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI bridge frame: opcode, 24-bit address, 32-bit data, all big endian
const (
	spiOpRead    = 0x00
	spiOpWrite   = 0x80
	spiFrameSize = 8
	spiMaxAddr   = 0xFFFFFF

	// Bridge needs a short gap between frames to latch the AXI-Lite access
	spiFrameGap = 10 * time.Microsecond
)

// SPITransport reaches the firmware's AXI-Lite bus through an SPI bridge
type SPITransport struct {
	mu     sync.Mutex
	conn   spi.Conn
	port   spi.PortCloser
	device string
	speed  physic.Frequency
}

// NewSPITransport opens and initializes an SPI device using periph.io
func NewSPITransport(device string, speed uint32) (*SPITransport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io: %w", err)
	}

	port, err := spireg.Open(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI device %s: %w", device, err)
	}

	// The bridge samples on the rising edge (mode 0)
	conn, err := port.Connect(physic.Frequency(speed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect to SPI device: %w", err)
	}

	return &SPITransport{
		conn:   conn,
		port:   port,
		device: device,
		speed:  physic.Frequency(speed) * physic.Hertz,
	}, nil
}

// Close closes the SPI device
func (s *SPITransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		s.conn = nil
		return err
	}
	return nil
}

// transfer performs a full-duplex SPI transfer of one frame
func (s *SPITransport) transfer(tx []byte, rx []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("SPI device not open")
	}

	if err := s.conn.Tx(tx, rx); err != nil {
		return fmt.Errorf("SPI transfer failed: %w", err)
	}

	time.Sleep(spiFrameGap)
	return nil
}

// ReadWord reads a 32-bit register
func (s *SPITransport) ReadWord(addr uint32) (uint32, error) {
	tx, err := encodeFrame(spiOpRead, addr, 0)
	if err != nil {
		return 0, err
	}
	rx := make([]byte, spiFrameSize)

	if err := s.transfer(tx, rx); err != nil {
		return 0, fmt.Errorf("failed to read register 0x%06X: %w", addr, err)
	}

	return decodeFrame(rx), nil
}

// WriteWord writes a 32-bit register
func (s *SPITransport) WriteWord(addr uint32, value uint32) error {
	tx, err := encodeFrame(spiOpWrite, addr, value)
	if err != nil {
		return err
	}
	rx := make([]byte, spiFrameSize)

	if err := s.transfer(tx, rx); err != nil {
		return fmt.Errorf("failed to write register 0x%06X: %w", addr, err)
	}
	return nil
}

func encodeFrame(op byte, addr uint32, value uint32) ([]byte, error) {
	if addr > spiMaxAddr {
		return nil, fmt.Errorf("address 0x%08X outside the 24-bit SPI bridge window", addr)
	}
	if addr%4 != 0 {
		return nil, fmt.Errorf("unaligned address 0x%06X", addr)
	}

	frame := make([]byte, spiFrameSize)
	frame[0] = op
	frame[1] = byte(addr >> 16)
	frame[2] = byte(addr >> 8)
	frame[3] = byte(addr)
	binary.BigEndian.PutUint32(frame[4:], value)
	return frame, nil
}

// decodeFrame returns the data word clocked out during the data phase
func decodeFrame(rx []byte) uint32 {
	return binary.BigEndian.Uint32(rx[4:spiFrameSize])
}

// DeviceInfo provides information about the SPI device
func (s *SPITransport) DeviceInfo() string {
	if s.conn == nil {
		return fmt.Sprintf("Device: %s (closed)", s.device)
	}
	return fmt.Sprintf("Device: %s, Speed: %s", s.device, s.speed)
}
