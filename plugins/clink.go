package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/linht/clink-manager/engine"
)

// streamBuffer is how many polled values a slow websocket client may lag
const streamBuffer = 256

const eventKeepalive = 15 * time.Second

// ClinkPlugin exposes the CameraLink register map over HTTP
type ClinkPlugin struct {
	device         *Device
	tokenValidator TokenValidator
	cancelPoll     context.CancelFunc
	pollDone       chan struct{}
}

// NewClinkPlugin creates a new clink plugin instance. When the device is
// configured to poll, polling starts immediately and stops on Shutdown.
func NewClinkPlugin(device *Device) (*ClinkPlugin, error) {
	if device == nil {
		return nil, fmt.Errorf("clink plugin needs an open device")
	}

	p := &ClinkPlugin{device: device}

	if device.Config.Poll {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancelPoll = cancel
		p.pollDone = make(chan struct{})
		go func() {
			defer close(p.pollDone)
			device.Engine.Poll(ctx)
		}()
	}

	slog.Info("Clink plugin initializing", "poll", device.Config.Poll)
	return p, nil
}

// SetTokenValidator sets the token validation function
func (p *ClinkPlugin) SetTokenValidator(validator TokenValidator) {
	p.tokenValidator = validator
}

// Name returns the plugin identifier
func (p *ClinkPlugin) Name() string {
	return "clink"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *ClinkPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/clink")

	api.Get("/info", p.handleInfo)
	api.Get("/tree", p.handleTree)

	// Field access
	api.Get("/vars", p.handleReadAll)
	api.Get("/var/*", p.handleRead)
	api.Post("/var/*", p.handleWrite)
	api.Post("/exec/*", p.handleExec)
	api.Get("/cache", p.handleCache)

	// Module commands
	api.Post("/reset/:kind", p.handleReset)
	api.Post("/trigger", p.handleTrigger)

	// Polled value stream
	api.Use("/stream", p.upgradeCheck)
	api.Get("/stream", websocket.New(p.handleStream))
	api.Get("/events", p.handleEvents)

	slog.Info("Clink plugin routes registered")
}

// Shutdown stops polling
func (p *ClinkPlugin) Shutdown() error {
	if p.cancelPoll != nil {
		p.cancelPoll()
		<-p.pollDone
		p.cancelPoll = nil
	}
	return nil
}

// fieldPath returns the unescaped wildcard part of the route
func fieldPath(c *fiber.Ctx) (string, error) {
	path, err := url.PathUnescape(c.Params("*"))
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("empty field path")
	}
	return path, nil
}

func (p *ClinkPlugin) handleInfo(c *fiber.Ctx) error {
	return SendSuccess(c, p.device.Info(), "")
}

func (p *ClinkPlugin) handleTree(c *fiber.Ctx) error {
	root := p.device.Engine.Root()
	return SendSuccess(c, describeDevice(root, "", p.device.Config.BaseAddress), "")
}

func (p *ClinkPlugin) handleReadAll(c *fiber.Ctx) error {
	values, err := p.device.Engine.ReadAll()
	if err != nil {
		return SendAccessError(c, err)
	}

	return SendSuccess(c, map[string]interface{}{
		"values": values,
		"count":  len(values),
	}, "")
}

func (p *ClinkPlugin) handleRead(c *fiber.Ctx) error {
	path, err := fieldPath(c)
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid field path")
	}

	value, err := p.device.Engine.Read(path)
	if err != nil {
		return SendAccessError(c, err)
	}
	return SendSuccess(c, value, "")
}

func (p *ClinkPlugin) handleWrite(c *fiber.Ctx) error {
	path, err := fieldPath(c)
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid field path")
	}

	var req struct {
		Value *uint32 `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil || req.Value == nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	if err := p.device.Engine.Write(path, *req.Value); err != nil {
		return SendAccessError(c, err)
	}

	slog.Info("Field write", "path", path, "value", *req.Value)
	return SendSuccess(c, map[string]interface{}{
		"path":  path,
		"value": *req.Value,
	}, "Field written successfully")
}

func (p *ClinkPlugin) handleExec(c *fiber.Ctx) error {
	path, err := fieldPath(c)
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid field path")
	}

	if err := p.device.Engine.Exec(path); err != nil {
		return SendAccessError(c, err)
	}

	slog.Info("Command executed", "path", path)
	return SendSuccess(c, nil, fmt.Sprintf("%s executed", path))
}

func (p *ClinkPlugin) handleCache(c *fiber.Ctx) error {
	values := p.device.Engine.CachedAll()
	return SendSuccess(c, map[string]interface{}{
		"values": values,
		"count":  len(values),
	}, "")
}

func (p *ClinkPlugin) handleReset(c *fiber.Ctx) error {
	kind := c.Params("kind")
	switch kind {
	case "hard", "soft", "count":
	default:
		return SendErrorMessage(c, 400, "Invalid reset. Use: hard, soft, or count")
	}

	if err := p.device.Top.Reset(kind); err != nil {
		slog.Error("Reset failed", "kind", kind, "error", err)
		return SendAccessError(c, err)
	}

	slog.Info("Reset issued", "kind", kind)
	return SendSuccess(c, map[string]interface{}{"reset": kind}, "Reset successful")
}

func (p *ClinkPlugin) handleTrigger(c *fiber.Ctx) error {
	if p.device.Trigger == nil {
		return SendErrorMessage(c, 409, "No trigger line configured")
	}

	var req struct {
		WidthUs int `json:"width_us"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return SendErrorMessage(c, 400, "Invalid request body")
		}
	}

	if err := p.device.Trigger.Pulse(time.Duration(req.WidthUs) * time.Microsecond); err != nil {
		return SendError(c, 500, err)
	}
	return SendSuccess(c, nil, "Trigger pulsed")
}

// upgradeCheck only lets authenticated websocket upgrades through
func (p *ClinkPlugin) upgradeCheck(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if p.tokenValidator != nil && !p.tokenValidator(c.Query("token")) {
		return SendErrorMessage(c, 401, "Unauthorized")
	}
	return c.Next()
}

// handleStream forwards every polled value to the websocket client
func (p *ClinkPlugin) handleStream(c *websocket.Conn) {
	values := make(chan engine.Value, streamBuffer)
	id := p.device.Engine.Subscribe(func(v engine.Value) {
		select {
		case values <- v:
		default:
			// Client is behind, drop rather than stall the poller
		}
	})
	defer p.device.Engine.Unsubscribe(id)

	// Detect client close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Info("Value stream opened", "subscriber", id)
	defer slog.Info("Value stream closed", "subscriber", id)

	for {
		select {
		case <-closed:
			return
		case v := <-values:
			if err := c.WriteJSON(v); err != nil {
				return
			}
		}
	}
}

// handleEvents streams polled values as server-sent events
func (p *ClinkPlugin) handleEvents(c *fiber.Ctx) error {
	// Validate token from query parameter (EventSource can't use headers)
	if p.tokenValidator != nil && !p.tokenValidator(c.Query("token")) {
		return SendErrorMessage(c, 401, "Unauthorized")
	}

	// Set SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		// Subscribed here so a response that is never streamed leaves no listener
		values := make(chan engine.Value, streamBuffer)
		id := p.device.Engine.Subscribe(func(v engine.Value) {
			select {
			case values <- v:
			default:
			}
		})
		defer p.device.Engine.Unsubscribe(id)

		keepalive := time.NewTicker(eventKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case v := <-values:
				data, err := json.Marshal(v)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: value\ndata: %s\n\n", data)
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
			}
			// Flush fails once the client has gone
			if err := w.Flush(); err != nil {
				return
			}
		}
	})

	return nil
}

// Register the plugin
func init() {
	Register("clink", func(config interface{}) (Plugin, error) {
		device, ok := config.(*Device)
		if !ok {
			return nil, fmt.Errorf("invalid config for clink plugin: expected *Device")
		}
		return NewClinkPlugin(device)
	})
}
