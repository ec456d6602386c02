package plugins

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/linht/clink-manager/clink"
	"github.com/linht/clink-manager/engine"
)

// SerialPlugin gives browsers a terminal on the camera serial channels
type SerialPlugin struct {
	engine         *engine.Engine
	ports          map[int]clink.SerialPort
	tokenValidator TokenValidator

	sessions   map[int]*SerialSession // Keyed by channel, one session each
	sessionsMu sync.Mutex
	pumps      sync.WaitGroup
}

// SerialSession is a websocket attached to one channel
type SerialSession struct {
	ID      string
	Channel int
	conn    *websocket.Conn
	mu      sync.Mutex
}

// ControlMessage is a JSON text frame that changes the channel rather than
// carrying camera bytes
type ControlMessage struct {
	Type string `json:"type"`
	Baud uint32 `json:"baud"`
}

// NewSerialPlugin creates a new serial plugin. One goroutine per port copies
// camera output to whichever session is attached.
func NewSerialPlugin(eng *engine.Engine, ports map[int]clink.SerialPort) (*SerialPlugin, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}

	p := &SerialPlugin{
		engine:   eng,
		ports:    ports,
		sessions: make(map[int]*SerialSession),
	}

	for ch, port := range ports {
		p.pumps.Add(1)
		go p.pump(ch, port)
	}
	return p, nil
}

// SetTokenValidator sets the token validation function
func (p *SerialPlugin) SetTokenValidator(validator TokenValidator) {
	p.tokenValidator = validator
}

// Name returns the plugin identifier
func (p *SerialPlugin) Name() string {
	return "serial"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *SerialPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/serial")

	api.Get("/ports", p.listPorts)

	// WebSocket endpoint for the camera terminal
	api.Use("/ws", p.upgradeCheck)
	api.Get("/ws", websocket.New(p.handleWebSocket))
}

// Shutdown detaches every session. Ports are owned by the device, so the
// pumps exit once the device closes them.
func (p *SerialPlugin) Shutdown() error {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()

	for ch, session := range p.sessions {
		session.mu.Lock()
		session.conn.Close()
		session.mu.Unlock()
		delete(p.sessions, ch)
	}
	return nil
}

// Wait blocks until every pump has stopped
func (p *SerialPlugin) Wait() {
	p.pumps.Wait()
}

func (p *SerialPlugin) upgradeCheck(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if p.tokenValidator != nil && !p.tokenValidator(c.Query("token")) {
		return SendErrorMessage(c, 401, "Unauthorized")
	}

	ch, err := strconv.Atoi(c.Query("ch"))
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid channel")
	}
	if _, ok := p.ports[ch]; !ok {
		return SendErrorMessage(c, 404, fmt.Sprintf("Channel %d has no serial port", ch))
	}
	c.Locals("ch", ch)
	return c.Next()
}

// handleWebSocket relays terminal input to the camera
func (p *SerialPlugin) handleWebSocket(c *websocket.Conn) {
	ch, _ := c.Locals("ch").(int)

	session, err := p.attach(ch, c)
	if err != nil {
		c.WriteJSON(fiber.Map{"error": err.Error()})
		return
	}
	defer p.detach(session)

	slog.Info("Serial session opened", "session", session.ID, "channel", ch)

	port := p.ports[ch]
	for {
		msgType, msg, err := c.ReadMessage()
		if err != nil {
			return
		}

		// Text frames may carry a control message
		if msgType == websocket.TextMessage {
			var ctrl ControlMessage
			if err := json.Unmarshal(msg, &ctrl); err == nil && ctrl.Type == "baud" {
				p.setBaud(session, ctrl.Baud)
				continue
			}
		}

		if _, err := port.Write(msg); err != nil {
			slog.Warn("Serial write failed", "channel", ch, "error", err)
			return
		}
	}
}

func (p *SerialPlugin) setBaud(session *SerialSession, baud uint32) {
	path := fmt.Sprintf("Ch[%d].BaudRate", session.Channel)
	reply := fiber.Map{"type": "baud", "baud": baud}
	if err := p.engine.Write(path, baud); err != nil {
		reply["error"] = err.Error()
	} else {
		slog.Info("Serial baud rate changed", "channel", session.Channel, "baud", baud)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.conn.WriteJSON(reply)
}

// attach makes session the receiver of channel ch
func (p *SerialPlugin) attach(ch int, conn *websocket.Conn) (*SerialSession, error) {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()

	if existing, busy := p.sessions[ch]; busy {
		return nil, fmt.Errorf("channel %d is in use by session %s", ch, existing.ID)
	}

	session := &SerialSession{
		ID:      uuid.New().String(),
		Channel: ch,
		conn:    conn,
	}
	p.sessions[ch] = session
	return session, nil
}

// detach removes session if it is still the one attached
func (p *SerialPlugin) detach(session *SerialSession) {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()

	if p.sessions[session.Channel] == session {
		delete(p.sessions, session.Channel)
		slog.Info("Serial session closed", "session", session.ID, "channel", session.Channel)
	}
}

// session returns the session attached to ch, or nil
func (p *SerialPlugin) session(ch int) *SerialSession {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()
	return p.sessions[ch]
}

// pump copies camera output to the attached session until the port closes
func (p *SerialPlugin) pump(ch int, port clink.SerialPort) {
	defer p.pumps.Done()

	buf := make([]byte, 4096)
	for {
		n, err := port.Read(buf)
		if err != nil {
			return
		}

		session := p.session(ch)
		if session == nil {
			continue // Nobody listening
		}

		session.mu.Lock()
		err = session.conn.WriteMessage(websocket.BinaryMessage, buf[:n])
		session.mu.Unlock()
		if err != nil {
			p.detach(session)
		}
	}
}

// listPorts returns the serial ports and which are in use
func (p *SerialPlugin) listPorts(c *fiber.Ctx) error {
	channels := make([]int, 0, len(p.ports))
	for ch := range p.ports {
		channels = append(channels, ch)
	}
	sort.Ints(channels)

	result := make([]fiber.Map, len(channels))
	for i, ch := range channels {
		port := p.ports[ch]
		entry := fiber.Map{
			"channel": ch,
			"name":    port.Name(),
			"in_use":  p.session(ch) != nil,
		}
		if pty, ok := port.(*PtySerial); ok {
			entry["tty"] = pty.TTYPath()
		}
		result[i] = entry
	}

	return SendSuccess(c, result, "")
}

// Register the plugin
func init() {
	Register("serial", func(config interface{}) (Plugin, error) {
		device, ok := config.(*Device)
		if !ok {
			return nil, fmt.Errorf("invalid config for serial plugin: expected *Device")
		}

		ports := make(map[int]clink.SerialPort, len(device.Serial))
		for ch, port := range device.Serial {
			ports[ch] = port
		}
		return NewSerialPlugin(device.Engine, ports)
	})
}
