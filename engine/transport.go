package engine

import (
	"fmt"
	"sync"
)

// Transport moves 32-bit words to and from the device address space
type Transport interface {
	ReadWord(addr uint32) (uint32, error)
	WriteWord(addr uint32, value uint32) error
}

// BusWrite is one recorded write on a MemoryBus
type BusWrite struct {
	Addr  uint32
	Value uint32
}

// MemoryBus is an in-memory register file used for simulation
type MemoryBus struct {
	mu     sync.Mutex
	words  map[uint32]uint32
	writes []BusWrite
	fail   map[uint32]error
}

// NewMemoryBus creates an empty register file. All words read as zero.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		words: make(map[uint32]uint32),
		fail:  make(map[uint32]error),
	}
}

// ReadWord returns the stored word at addr
func (m *MemoryBus) ReadWord(addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, fmt.Errorf("unaligned read at 0x%08X", addr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail[addr]; err != nil {
		return 0, err
	}
	return m.words[addr], nil
}

// WriteWord stores value at addr and records the write
func (m *MemoryBus) WriteWord(addr uint32, value uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("unaligned write at 0x%08X", addr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail[addr]; err != nil {
		return err
	}
	m.words[addr] = value
	m.writes = append(m.writes, BusWrite{Addr: addr, Value: value})
	return nil
}

// Poke sets a word without recording it, as hardware would
func (m *MemoryBus) Poke(addr uint32, value uint32) {
	m.mu.Lock()
	m.words[addr] = value
	m.mu.Unlock()
}

// Peek returns a word without going through the transport interface
func (m *MemoryBus) Peek(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr]
}

// FailAt makes every access to addr return err. A nil err clears it.
func (m *MemoryBus) FailAt(addr uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, addr)
		return
	}
	m.fail[addr] = err
}

// Writes returns a copy of the write log
func (m *MemoryBus) Writes() []BusWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BusWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// ResetLog clears the write log
func (m *MemoryBus) ResetLog() {
	m.mu.Lock()
	m.writes = nil
	m.mu.Unlock()
}
