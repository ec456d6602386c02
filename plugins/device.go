package plugins

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/linht/clink-manager/clink"
	"github.com/linht/clink-manager/engine"
)

// Transport kinds
const (
	TransportMemory = "memory"
	TransportSPI    = "spi"
)

// DeviceConfig holds the frame grabber configuration
type DeviceConfig struct {
	Name        string `yaml:"name"`
	Transport   string `yaml:"transport"`
	BaseAddress uint32 `yaml:"base_address"`
	SPI         struct {
		Device string `yaml:"device"`
		Speed  uint32 `yaml:"speed"`
	} `yaml:"spi"`
	Channels []ChannelConfig `yaml:"channels"`
	Trigger  struct {
		GPIOChip string `yaml:"gpio_chip"`
		Pin      int    `yaml:"pin"`
		WidthUs  int    `yaml:"width_us"`
	} `yaml:"trigger"`
	Poll bool `yaml:"poll"`
}

// ChannelConfig enables one CameraLink channel
type ChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	CamType string `yaml:"cam_type"`
}

// Device bundles the hardware shared by plugins
type Device struct {
	Config  DeviceConfig
	Engine  *engine.Engine
	Top     *clink.Top
	Serial  map[int]*PtySerial // Keyed by channel index
	Trigger *TriggerLine       // Nil when no trigger pin is configured

	transport engine.Transport
}

// OpenDevice builds the register map and opens the transport, serial ports
// and trigger line described by cfg
func OpenDevice(cfg DeviceConfig) (*Device, error) {
	if cfg.Transport == "" {
		cfg.Transport = TransportMemory
	}
	if cfg.SPI.Speed == 0 {
		cfg.SPI.Speed = 1000000 // Default 1 MHz
	}

	d := &Device{
		Config: cfg,
		Serial: make(map[int]*PtySerial),
	}

	if len(cfg.Channels) > clink.NumChannels {
		return nil, fmt.Errorf("%d channels configured, hardware has %d", len(cfg.Channels), clink.NumChannels)
	}

	slots := make([]*clink.ChannelSlot, clink.NumChannels)
	for i, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		port, err := NewPtySerial(fmt.Sprintf("ch%d", i))
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Serial[i] = port
		slots[i] = &clink.ChannelSlot{Serial: port, CamType: ch.CamType}
		slog.Info("Camera serial port ready", "channel", i, "tty", port.TTYPath(), "cam_type", ch.CamType)
	}

	top, err := clink.NewTop(cfg.Name, slots)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to build register map: %w", err)
	}

	switch cfg.Transport {
	case TransportMemory:
		d.transport = engine.NewMemoryBus()
	case TransportSPI:
		spiTransport, err := NewSPITransport(cfg.SPI.Device, cfg.SPI.Speed)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.transport = spiTransport
	default:
		d.Close()
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	d.Engine, err = engine.New(top, cfg.BaseAddress, d.transport)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.Top, err = clink.Bind(d.Engine, "")
	if err != nil {
		d.Close()
		return nil, err
	}

	// Each camera type powers up at its own serial rate
	for i := range d.Serial {
		camType := cfg.Channels[i].CamType
		path := fmt.Sprintf("Ch[%d].BaudRate", i)
		if err := d.Engine.Write(path, clink.DefaultBaud(camType)); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to set %s: %w", path, err)
		}
	}

	if cfg.Trigger.GPIOChip != "" {
		width := time.Duration(cfg.Trigger.WidthUs) * time.Microsecond
		d.Trigger, err = NewTriggerLine(cfg.Trigger.GPIOChip, cfg.Trigger.Pin, width)
		if err != nil {
			d.Close()
			return nil, err
		}
	}

	slog.Info("Frame grabber opened",
		"name", top.Name,
		"transport", cfg.Transport,
		"base_address", fmt.Sprintf("0x%08X", cfg.BaseAddress),
		"channels", len(d.Serial),
		"fields", len(d.Engine.Paths()))

	return d, nil
}

// Info describes the opened hardware
func (d *Device) Info() map[string]interface{} {
	info := map[string]interface{}{
		"name":         d.Engine.Root().Name,
		"transport":    d.Config.Transport,
		"base_address": fmt.Sprintf("0x%08X", d.Config.BaseAddress),
		"fields":       len(d.Engine.Paths()),
	}

	if spiTransport, ok := d.transport.(*SPITransport); ok {
		info["spi"] = spiTransport.DeviceInfo()
	}

	serial := make(map[string]string, len(d.Serial))
	for i, port := range d.Serial {
		serial[fmt.Sprintf("ch%d", i)] = port.TTYPath()
	}
	info["serial"] = serial

	if d.Trigger != nil {
		info["trigger"] = d.Trigger.Info()
	}
	return info
}

// Close releases every resource held by the device
func (d *Device) Close() error {
	var errs []error

	for i, port := range d.Serial {
		if err := port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("serial ch%d: %w", i, err))
		}
	}

	if d.Trigger != nil {
		if err := d.Trigger.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if spiTransport, ok := d.transport.(*SPITransport); ok {
		if err := spiTransport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("SPI close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}
