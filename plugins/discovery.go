package plugins

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/enbility/zeroconf/v3"
	"github.com/gofiber/fiber/v2"
)

// mDNS service constants
const (
	ServiceType   = "_clink._tcp"
	ServiceDomain = "local."
)

// DiscoveryConfig controls the mDNS advertisement
type DiscoveryConfig struct {
	Instance   string   `yaml:"instance"`
	Interfaces []string `yaml:"interfaces"`
	TTL        uint32   `yaml:"ttl"`
}

// DiscoveryPlugin advertises the manager on the local network
type DiscoveryPlugin struct {
	instance string
	port     int
	txt      []string

	server *zeroconf.Server
	mu     sync.Mutex
}

// discoveryTXT builds the TXT records for a device
func discoveryTXT(device *Device) []string {
	txt := []string{
		"name=" + device.Engine.Root().Name,
		"transport=" + device.Config.Transport,
		fmt.Sprintf("base=0x%08X", device.Config.BaseAddress),
		fmt.Sprintf("channels=%d", len(device.Serial)),
	}
	if device.Trigger != nil {
		txt = append(txt, "trigger=1")
	}
	return txt
}

// NewDiscoveryPlugin registers the service with zeroconf
func NewDiscoveryPlugin(device *Device, port int, cfg DiscoveryConfig) (*DiscoveryPlugin, error) {
	if device == nil {
		return nil, fmt.Errorf("discovery plugin needs an open device")
	}
	if port <= 0 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	instance := cfg.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "clink"
		}
		instance = host
	}

	var ifaces []net.Interface // Nil means all interfaces
	for _, name := range cfg.Interfaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("unknown interface %q: %w", name, err)
		}
		ifaces = append(ifaces, *iface)
	}

	var opts []zeroconf.ServerOption
	if cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(cfg.TTL))
	}

	p := &DiscoveryPlugin{
		instance: instance,
		port:     port,
		txt:      discoveryTXT(device),
	}

	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, p.txt, ifaces, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	p.server = server

	slog.Info("mDNS service registered", "instance", instance, "service", ServiceType, "port", port)
	return p, nil
}

// Name returns the plugin identifier
func (p *DiscoveryPlugin) Name() string {
	return "discovery"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *DiscoveryPlugin) RegisterRoutes(app *fiber.App) {
	app.Get("/api/discovery", p.getAdvertisement)
}

// Shutdown withdraws the advertisement
func (p *DiscoveryPlugin) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		p.server.Shutdown()
		p.server = nil
	}
	return nil
}

func (p *DiscoveryPlugin) getAdvertisement(c *fiber.Ctx) error {
	p.mu.Lock()
	active := p.server != nil
	p.mu.Unlock()

	return SendSuccess(c, fiber.Map{
		"instance": p.instance,
		"service":  ServiceType,
		"domain":   ServiceDomain,
		"port":     p.port,
		"txt":      p.txt,
		"active":   active,
	}, "")
}

// Register the plugin
func init() {
	Register("discovery", func(config interface{}) (Plugin, error) {
		configMap, ok := config.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid config for discovery plugin: expected map[string]interface{}")
		}

		device, ok := configMap["device"].(*Device)
		if !ok {
			return nil, fmt.Errorf("invalid config for discovery plugin: device must be *Device")
		}
		port, _ := configMap["port"].(int)
		cfg, _ := configMap["config"].(DiscoveryConfig)

		return NewDiscoveryPlugin(device, port, cfg)
	})
}
