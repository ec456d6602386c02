// Package xilinx builds register maps for Xilinx clocking primitives
// reached through their dynamic reconfiguration port.
package xilinx

import (
	"fmt"

	"github.com/linht/clink-manager/regmap"
)

const (
	TypeMMCME2 = "MMCME2"
	TypePLLE2  = "PLLE2"
)

// ClockParams are the construction parameters of a clock manager
type ClockParams struct {
	Type string
}

// DRP register addresses. Each DRP word sits on a 4-byte AXI-Lite stride.
type clkOut struct {
	name string
	reg1 uint32
	reg2 uint32
}

var clkOutputs = []clkOut{
	{"ClkOut0", 0x08, 0x09},
	{"ClkOut1", 0x0A, 0x0B},
	{"ClkOut2", 0x0C, 0x0D},
	{"ClkOut3", 0x0E, 0x0F},
	{"ClkOut4", 0x10, 0x11},
	{"ClkOut5", 0x06, 0x07},
	{"ClkOut6", 0x12, 0x13}, // MMCME2 only
	{"ClkFbOut", 0x14, 0x15},
}

const (
	drpDivClk = 0x16
	drpLock1  = 0x18
	drpLock2  = 0x19
	drpLock3  = 0x1A
	drpPower  = 0x28
	drpFilt1  = 0x4E
	drpFilt2  = 0x4F
)

func drp(addr uint32) uint32 { return addr * 4 }

func rw(name string, addr uint32, bitOffset, bitSize uint, desc string) regmap.Row {
	return regmap.Row{Field: regmap.Field{
		Name:        name,
		Description: desc,
		Offset:      drp(addr),
		BitOffset:   bitOffset,
		BitSize:     bitSize,
		Mode:        regmap.ModeRW,
	}}
}

func table(typ string) []regmap.Row {
	var rows []regmap.Row
	for _, out := range clkOutputs {
		if out.name == "ClkOut6" && typ != TypeMMCME2 {
			continue
		}
		rows = append(rows,
			rw(out.name+"LowTime", out.reg1, 0, 6, "Number of VCO cycles the output is low"),
			rw(out.name+"HighTime", out.reg1, 6, 6, "Number of VCO cycles the output is high"),
			rw(out.name+"PhaseMux", out.reg1, 13, 3, "Coarse phase shift in 1/8 VCO periods"),
			rw(out.name+"DelayTime", out.reg2, 0, 6, "Phase offset in VCO cycles"),
			rw(out.name+"NoCount", out.reg2, 6, 1, "Bypass the output divider"),
			rw(out.name+"Edge", out.reg2, 7, 1, "Divider edge for odd division"),
		)
	}

	rows = append(rows,
		rw("DivClkLowTime", drpDivClk, 0, 6, "Input divider low time"),
		rw("DivClkHighTime", drpDivClk, 6, 6, "Input divider high time"),
		rw("DivClkNoCount", drpDivClk, 12, 1, "Bypass the input divider"),
		rw("DivClkEdge", drpDivClk, 13, 1, "Input divider edge"),
		rw("LockReg1", drpLock1, 0, 16, "Lock detect configuration 1"),
		rw("LockReg2", drpLock2, 0, 16, "Lock detect configuration 2"),
		rw("LockReg3", drpLock3, 0, 16, "Lock detect configuration 3"),
		rw("PowerReg", drpPower, 0, 16, "Power bits, write 0xFFFF before reconfiguration"),
		rw("FiltReg1", drpFilt1, 0, 16, "Loop filter configuration 1"),
		rw("FiltReg2", drpFilt2, 0, 16, "Loop filter configuration 2"),
	)
	return rows
}

// NewClockManager builds the DRP register map of an MMCM or PLL at offset
func NewClockManager(name string, offset uint32, typ string) (*regmap.Device, error) {
	if typ != TypeMMCME2 && typ != TypePLLE2 {
		return nil, fmt.Errorf("%w: unsupported clock manager type %q", regmap.ErrConfig, typ)
	}

	dev := regmap.NewDevice(name, "ClockManager", typ+" clock manager", offset)
	dev.Params = ClockParams{Type: typ}
	if err := regmap.Build(dev, table(typ)); err != nil {
		return nil, err
	}
	return dev, nil
}
