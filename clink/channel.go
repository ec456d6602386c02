package clink

import (
	"fmt"
	"io"
	"time"

	"github.com/linht/clink-manager/regmap"
)

// Camera types with a known serial protocol
const (
	CamOpal1000 = "Opal1000"
	CamPiranha4 = "Piranha4"
	CamUart     = "Uart"
)

// SerialPort carries the camera's serial control channel
type SerialPort interface {
	io.ReadWriter
	Name() string
}

// ChannelParams are the construction parameters of one channel block
type ChannelParams struct {
	Serial  SerialPort
	CamType string
}

// DefaultBaud returns the power-on baud rate of a camera type
func DefaultBaud(camType string) uint32 {
	switch camType {
	case CamOpal1000:
		return 57600
	default:
		return 9600
	}
}

func validCamType(camType string) bool {
	switch camType {
	case "", CamOpal1000, CamPiranha4, CamUart:
		return true
	}
	return false
}

var channelTable = []regmap.Row{
	{Field: regmap.Field{Name: "LinkMode", Description: "Link mode: 0 disable, 1 base, 2 medium, 3 full, 4 deca", Offset: 0x00, BitSize: 3, Mode: regmap.ModeRW}},
	{Field: regmap.Field{Name: "DataMode", Description: "Pixel data mode: 0 none, 1 8-bit ... 8 36-bit", Offset: 0x04, BitSize: 4, Mode: regmap.ModeRW}},
	{Field: regmap.Field{Name: "FrameMode", Description: "Frame mode: 0 none, 1 line, 2 frame", Offset: 0x08, BitSize: 2, Mode: regmap.ModeRW}},
	{Field: regmap.Field{Name: "TapCount", Description: "Number of taps", Offset: 0x0C, BitSize: 4, Mode: regmap.ModeRW, Disp: "{:d}"}},
	{Field: regmap.Field{Name: "DataEn", Description: "Data enable", Offset: 0x10, BitSize: 1, Mode: regmap.ModeRW, Base: regmap.BaseBool}},
	{Field: regmap.Field{Name: "Blowoff", Description: "Blow off data", Offset: 0x14, BitSize: 1, Mode: regmap.ModeRW, Base: regmap.BaseBool}},
	{Field: regmap.Field{Name: "CntRst", Description: "Reset frame counters", Offset: 0x18, BitSize: 1, Mode: regmap.ModeCommand, Command: regmap.CommandToggle}},
	{Field: regmap.Field{Name: "SerThrottle", Description: "Throttle between serial bytes", Offset: 0x1C, BitSize: 16, Mode: regmap.ModeRW, Disp: "{:d}", Units: "us"}},
	{Field: regmap.Field{Name: "BaudRate", Description: "Serial baud rate", Offset: 0x20, BitSize: 24, Mode: regmap.ModeRW, Disp: "{:d}", Units: "bps"}},
	{Field: regmap.Field{Name: "SwControlValue", Description: "Software camera control bit values", Offset: 0x24, BitSize: 4, Mode: regmap.ModeRW}},
	{Field: regmap.Field{Name: "SwControlEn", Description: "Software camera control bit enable", Offset: 0x28, BitSize: 4, Mode: regmap.ModeRW}},
	{Field: regmap.Field{Name: "Running", Description: "Camera link channel running", Offset: 0x30, BitSize: 1, Mode: regmap.ModeRO, Base: regmap.BaseBool, PollInterval: time.Second}},
	{Field: regmap.Field{Name: "FrameCount", Description: "Frame counter", Offset: 0x34, BitSize: 32, Mode: regmap.ModeRO, Disp: "{:d}", PollInterval: time.Second}},
	{Field: regmap.Field{Name: "DropCount", Description: "Dropped frame counter", Offset: 0x38, BitSize: 32, Mode: regmap.ModeRO, Disp: "{:d}", PollInterval: time.Second}},
}

// NewChannel builds the register map of one CameraLink channel block
func NewChannel(name string, offset uint32, params ChannelParams) (*regmap.Device, error) {
	if params.Serial == nil {
		return nil, fmt.Errorf("%w: channel %s has no serial port", regmap.ErrConfig, name)
	}
	if !validCamType(params.CamType) {
		return nil, fmt.Errorf("%w: channel %s has unknown camera type %q", regmap.ErrConfig, name, params.CamType)
	}

	dev := regmap.NewDevice(name, "ClinkChannel", "CameraLink channel", offset)
	dev.Params = params
	if err := regmap.Build(dev, channelTable); err != nil {
		return nil, err
	}
	return dev, nil
}
