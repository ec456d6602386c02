// Package clink describes the CameraLink frame grabber register map and
// exposes its reset entry points.
package clink

import (
	"fmt"
	"time"

	"github.com/linht/clink-manager/engine"
	"github.com/linht/clink-manager/regmap"
	"github.com/linht/clink-manager/xilinx"
)

const (
	NumChannels  = 2
	NumPlls      = 3
	ChannelBase  = 0x100
	ChannelStep  = 0x100
	PllBase      = 0x1000
	PllStep      = 0x1000
	PllType      = xilinx.TypeMMCME2
	pollInterval = time.Second
)

// ChannelSlot enables one channel. A nil slot, or one without a serial
// port, leaves the channel out of the map.
type ChannelSlot struct {
	Serial  SerialPort
	CamType string
}

func (s *ChannelSlot) present() bool {
	return s != nil && s.Serial != nil
}

func status(name, desc string, bitOffset uint) regmap.Row {
	return regmap.Row{Field: regmap.Field{
		Name: name, Description: desc, Offset: 0x10, BitOffset: bitOffset, BitSize: 1,
		Mode: regmap.ModeRO, Base: regmap.BaseBool, PollInterval: pollInterval,
	}}
}

func polled(name, desc string, offset uint32, bitOffset, bitSize uint, disp string) regmap.Row {
	return regmap.Row{Field: regmap.Field{
		Name: name, Description: desc, Offset: offset, BitOffset: bitOffset, BitSize: bitSize,
		Mode: regmap.ModeRO, Disp: disp, PollInterval: pollInterval,
	}}
}

func toggle(name, desc string, bitOffset uint) regmap.Row {
	return regmap.Row{Field: regmap.Field{
		Name: name, Description: desc, Offset: 0x04, BitOffset: bitOffset, BitSize: 1,
		Mode: regmap.ModeCommand, Command: regmap.CommandToggle,
	}}
}

func freq(name, desc string, offset uint32) regmap.Row {
	return regmap.Row{
		Field: regmap.Field{
			Name: name, Description: desc, Offset: offset, BitSize: 32,
			Mode: regmap.ModeRO, Units: "Hz", Disp: "{:d}", PollInterval: pollInterval,
		},
		Count:  3,
		Stride: 4,
	}
}

var topTable = []regmap.Row{
	{Field: regmap.Field{Name: "ChanCount", Description: "Supported channels", Offset: 0x00, BitSize: 4, Mode: regmap.ModeRO}},

	toggle("ResetPll", "Camera link channel PLL reset", 0),
	toggle("ResetFsm", "Camera link channel FSM reset", 1),
	toggle("CntRst", "Status counter reset", 2),

	status("LinkLockedA", "Camera link channel locked status", 0),
	status("LinkLockedB", "Camera link channel locked status", 1),
	status("LinkLockedC", "Camera link channel locked status", 2),

	polled("LinkLockedCntA", "Camera link channel locked status counter", 0x10, 8, 8, "{}"),
	polled("LinkLockedCntB", "Camera link channel locked status counter", 0x10, 16, 8, "{}"),
	polled("LinkLockedCntC", "Camera link channel locked status counter", 0x10, 24, 8, "{}"),

	polled("ShiftCountA", "Shift count for channel", 0x14, 0, 3, ""),
	polled("ShiftCountB", "Shift count for channel", 0x14, 8, 3, ""),
	polled("ShiftCountC", "Shift count for channel", 0x14, 16, 3, ""),

	polled("DelayA", "Precision delay for channel A", 0x18, 0, 5, ""),
	polled("DelayB", "Precision delay for channel B", 0x18, 8, 5, ""),
	polled("DelayC", "Precision delay for channel C", 0x18, 16, 5, ""),

	freq("ClkInFreq", "Clock Input Freq", 0x1C),
	freq("ClinkClkFreq", "CameraLink Clock Freq", 0x28),
	freq("ClinkClk7xFreq", "CameraLink Clock x 7 Freq", 0x34),
}

// NewTop builds the CameraLink module register map. slots must hold exactly
// one entry per channel.
func NewTop(name string, slots []*ChannelSlot) (*regmap.Device, error) {
	if len(slots) != NumChannels {
		return nil, fmt.Errorf("%w: need %d channel slots, got %d", regmap.ErrConfig, NumChannels, len(slots))
	}
	if name == "" {
		name = "ClinkTop"
	}

	top := regmap.NewDevice(name, "ClinkTop", "CameraLink module", 0)
	if err := regmap.Build(top, topTable); err != nil {
		return nil, err
	}

	for i, slot := range slots {
		if !slot.present() {
			continue
		}
		ch, err := NewChannel(
			fmt.Sprintf("Ch[%d]", i),
			ChannelBase+uint32(i)*ChannelStep,
			ChannelParams{Serial: slot.Serial, CamType: slot.CamType},
		)
		if err != nil {
			return nil, err
		}
		if err := top.AddDevice(ch); err != nil {
			return nil, err
		}
	}

	for i := 0; i < NumPlls; i++ {
		pll, err := xilinx.NewClockManager(fmt.Sprintf("Pll[%d]", i), PllBase+uint32(i)*PllStep, PllType)
		if err != nil {
			return nil, err
		}
		if err := top.AddDevice(pll); err != nil {
			return nil, err
		}
	}

	return top, nil
}

// Top drives the commands of a ClinkTop map through an engine
type Top struct {
	eng    *engine.Engine
	prefix string
}

// Bind attaches to a ClinkTop map. prefix is the path of the ClinkTop device
// inside the engine's tree, empty when it is the root.
func Bind(eng *engine.Engine, prefix string) (*Top, error) {
	if prefix != "" {
		prefix += "."
	}
	t := &Top{eng: eng, prefix: prefix}
	if _, err := eng.Entry(t.path("CntRst")); err != nil {
		return nil, fmt.Errorf("not a CameraLink module: %w", err)
	}
	return t, nil
}

func (t *Top) path(name string) string {
	return t.prefix + name
}

// ResetPll pulses the channel PLL reset
func (t *Top) ResetPll() error {
	return t.eng.Exec(t.path("ResetPll"))
}

// ResetFsm pulses the channel FSM reset
func (t *Top) ResetFsm() error {
	return t.eng.Exec(t.path("ResetFsm"))
}

// HardReset, SoftReset and CountReset all pulse the same counter reset line.
// The module has a single reset line for all three.

// HardReset pulses CntRst
func (t *Top) HardReset() error {
	return t.countReset()
}

// SoftReset pulses CntRst
func (t *Top) SoftReset() error {
	return t.countReset()
}

// CountReset pulses CntRst
func (t *Top) CountReset() error {
	return t.countReset()
}

func (t *Top) countReset() error {
	return t.eng.Exec(t.path("CntRst"))
}

// Reset runs a reset by name: hard, soft or count
func (t *Top) Reset(kind string) error {
	switch kind {
	case "hard":
		return t.HardReset()
	case "soft":
		return t.SoftReset()
	case "count":
		return t.CountReset()
	default:
		return fmt.Errorf("unknown reset %q", kind)
	}
}

// Channels returns the channel blocks present in the map
func Channels(top *regmap.Device) []*regmap.Device {
	var out []*regmap.Device
	for _, sub := range top.Devices() {
		if sub.Kind == "ClinkChannel" {
			out = append(out, sub)
		}
	}
	return out
}
