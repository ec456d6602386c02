// Package regmap describes bit-addressed register fields and nested
// register blocks of a memory mapped device.
package regmap

import (
	"fmt"
	"time"
)

// WordBits is the width of every register in the address space
const WordBits = 32

// Mode describes how a field may be accessed
type Mode string

const (
	ModeRO      Mode = "RO"  // Read only
	ModeWO      Mode = "WO"  // Write only
	ModeRW      Mode = "RW"  // Read and write
	ModeCommand Mode = "CMD" // Momentary command
)

// Base selects how a raw field value is interpreted
type Base int

const (
	BaseUInt Base = iota
	BaseBool
)

// String returns the base name
func (b Base) String() string {
	if b == BaseBool {
		return "Bool"
	}
	return "UInt"
}

// Command selects the write sequence issued when a command field runs
type Command int

const (
	CommandNone     Command = iota
	CommandToggle           // Write all ones, then zero
	CommandTouchOne         // Write one
)

// String returns the command name
func (c Command) String() string {
	switch c {
	case CommandToggle:
		return "toggle"
	case CommandTouchOne:
		return "touchOne"
	default:
		return "none"
	}
}

// Field describes a named bit range inside one register
type Field struct {
	Name         string        `json:"name" yaml:"name"`
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
	Offset       uint32        `json:"offset" yaml:"offset"`
	BitOffset    uint          `json:"bit_offset" yaml:"bit_offset"`
	BitSize      uint          `json:"bit_size" yaml:"bit_size"`
	Mode         Mode          `json:"mode" yaml:"mode"`
	Base         Base          `json:"base" yaml:"base"`
	Disp         string        `json:"disp,omitempty" yaml:"disp,omitempty"`
	Units        string        `json:"units,omitempty" yaml:"units,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	Command      Command       `json:"command,omitempty" yaml:"command,omitempty"`
}

// Mask returns the field mask positioned inside the register word
func (f *Field) Mask() uint32 {
	if f.BitSize >= WordBits {
		return ^uint32(0)
	}
	return ((uint32(1) << f.BitSize) - 1) << f.BitOffset
}

// Max returns the largest raw value the field can hold
func (f *Field) Max() uint32 {
	return f.Mask() >> f.BitOffset
}

// Extract pulls the field value out of a register word
func (f *Field) Extract(word uint32) uint32 {
	return (word & f.Mask()) >> f.BitOffset
}

// Insert replaces the field bits of word with value, leaving other bits untouched
func (f *Field) Insert(word uint32, value uint32) uint32 {
	mask := f.Mask()
	return (word &^ mask) | ((value << f.BitOffset) & mask)
}

// Readable reports whether the field can be read back
func (f *Field) Readable() bool {
	return f.Mode == ModeRO || f.Mode == ModeRW
}

// Writable reports whether a persistent value can be written
func (f *Field) Writable() bool {
	return f.Mode == ModeWO || f.Mode == ModeRW
}

// IsCommand reports whether the field is a momentary command
func (f *Field) IsCommand() bool {
	return f.Mode == ModeCommand
}

// Overlaps reports whether two fields in the same device share any bit
func (f *Field) Overlaps(other *Field) bool {
	if f.Offset != other.Offset {
		return false
	}
	return f.Mask()&other.Mask() != 0
}

// check validates the field on its own
func (f *Field) check() error {
	if f.Name == "" {
		return fmt.Errorf("%w: field at offset 0x%X has no name", ErrConfig, f.Offset)
	}
	if f.BitSize == 0 || f.BitOffset+f.BitSize > WordBits {
		return fmt.Errorf("%w: %s bits %d+%d exceed %d-bit word",
			ErrBitRange, f.Name, f.BitOffset, f.BitSize, WordBits)
	}
	switch f.Mode {
	case ModeRO, ModeWO, ModeRW:
		if f.Command != CommandNone {
			return fmt.Errorf("%w: %s has command %s but mode %s", ErrConfig, f.Name, f.Command, f.Mode)
		}
	case ModeCommand:
		if f.Command == CommandNone {
			return fmt.Errorf("%w: command %s has no command function", ErrConfig, f.Name)
		}
	default:
		return fmt.Errorf("%w: %s has unknown mode %q", ErrConfig, f.Name, f.Mode)
	}
	return nil
}
