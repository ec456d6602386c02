// Package engine performs field level register access over a Transport.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linht/clink-manager/regmap"
)

var (
	ErrReadOnly   = errors.New("field is read only")
	ErrWriteOnly  = errors.New("field is not readable")
	ErrNotCommand = errors.New("field is not a command")
	ErrValueRange = errors.New("value does not fit in field")
)

// Entry is a field resolved to its absolute address
type Entry struct {
	Path  string
	Addr  uint32
	Field *regmap.Field
}

// Value is a decoded field read
type Value struct {
	Path    string    `json:"path" yaml:"path"`
	Raw     uint32    `json:"raw" yaml:"raw"`
	Display string    `json:"display" yaml:"display"`
	Units   string    `json:"units,omitempty" yaml:"units,omitempty"`
	Time    time.Time `json:"time" yaml:"time"`
}

// Listener receives values produced by the poller
type Listener func(Value)

// Engine binds a register map to a transport
type Engine struct {
	root    *regmap.Device
	base    uint32
	bus     Transport
	entries []*Entry
	byPath  map[string]*Entry

	// busMu serializes transactions so read-modify-write sequences are atomic
	busMu sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]Value

	subsMu sync.RWMutex
	subs   map[string]Listener
}

// New indexes every field of root, placed at base, for access through bus
func New(root *regmap.Device, base uint32, bus Transport) (*Engine, error) {
	if root == nil || bus == nil {
		return nil, fmt.Errorf("engine needs a register map and a transport")
	}

	e := &Engine{
		root:   root,
		base:   base,
		bus:    bus,
		byPath: make(map[string]*Entry),
		cache:  make(map[string]Value),
		subs:   make(map[string]Listener),
	}

	err := root.Walk(base, func(path string, addr uint32, f *regmap.Field) error {
		entry := &Entry{Path: path, Addr: addr, Field: f}
		e.entries = append(e.entries, entry)
		e.byPath[path] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("Register engine ready", "root", root.Name, "fields", len(e.entries), "base", fmt.Sprintf("0x%08X", base))
	return e, nil
}

// Root returns the register map the engine serves
func (e *Engine) Root() *regmap.Device {
	return e.root
}

// Entry looks up a field by path
func (e *Engine) Entry(path string) (*Entry, error) {
	entry, ok := e.byPath[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", regmap.ErrNotFound, path)
	}
	return entry, nil
}

// Entries returns every field in tree order
func (e *Engine) Entries() []*Entry {
	out := make([]*Entry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Paths returns every field path in tree order
func (e *Engine) Paths() []string {
	paths := make([]string, len(e.entries))
	for i, entry := range e.entries {
		paths[i] = entry.Path
	}
	return paths
}

// Read fetches and decodes a single field
func (e *Engine) Read(path string) (Value, error) {
	entry, err := e.Entry(path)
	if err != nil {
		return Value{}, err
	}
	return e.read(entry)
}

func (e *Engine) read(entry *Entry) (Value, error) {
	if !entry.Field.Readable() {
		return Value{}, fmt.Errorf("%w: %s", ErrWriteOnly, entry.Path)
	}

	e.busMu.Lock()
	word, err := e.bus.ReadWord(entry.Addr)
	e.busMu.Unlock()
	if err != nil {
		return Value{}, fmt.Errorf("failed to read %s at 0x%08X: %w", entry.Path, entry.Addr, err)
	}

	raw := entry.Field.Extract(word)
	v := Value{
		Path:    entry.Path,
		Raw:     raw,
		Display: FormatValue(entry.Field, raw),
		Units:   entry.Field.Units,
		Time:    time.Now(),
	}
	e.store(v)
	return v, nil
}

// ReadAll reads every readable field in tree order
func (e *Engine) ReadAll() ([]Value, error) {
	values := make([]Value, 0, len(e.entries))
	for _, entry := range e.entries {
		if !entry.Field.Readable() {
			continue
		}
		v, err := e.read(entry)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Write stores a value into a writable field. Other bits of the register are
// preserved with a read-modify-write.
func (e *Engine) Write(path string, value uint32) error {
	entry, err := e.Entry(path)
	if err != nil {
		return err
	}

	f := entry.Field
	if !f.Writable() {
		if f.IsCommand() {
			return fmt.Errorf("%w: %s is a command", ErrReadOnly, path)
		}
		return fmt.Errorf("%w: %s", ErrReadOnly, path)
	}
	if value > f.Max() {
		return fmt.Errorf("%w: %d > %d for %s", ErrValueRange, value, f.Max(), path)
	}

	e.busMu.Lock()
	defer e.busMu.Unlock()
	if err := e.modify(entry, value); err != nil {
		return err
	}

	// Write-only fields cannot be read back, so only readable ones are cached
	if f.Readable() {
		e.store(Value{
			Path:    path,
			Raw:     value,
			Display: FormatValue(f, value),
			Units:   f.Units,
			Time:    time.Now(),
		})
	}
	return nil
}

// Exec runs a command field
func (e *Engine) Exec(path string) error {
	entry, err := e.Entry(path)
	if err != nil {
		return err
	}

	f := entry.Field
	if !f.IsCommand() {
		return fmt.Errorf("%w: %s", ErrNotCommand, path)
	}

	e.busMu.Lock()
	defer e.busMu.Unlock()

	switch f.Command {
	case regmap.CommandToggle:
		if err := e.modify(entry, f.Max()); err != nil {
			return err
		}
		if err := e.modify(entry, 0); err != nil {
			return err
		}
	case regmap.CommandTouchOne:
		if err := e.modify(entry, 1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s has no command function", ErrNotCommand, path)
	}

	slog.Debug("Command executed", "path", path, "command", f.Command.String())
	return nil
}

// modify performs a bit isolated read-modify-write. Callers hold busMu.
func (e *Engine) modify(entry *Entry, value uint32) error {
	f := entry.Field

	var word uint32
	if f.Mask() != ^uint32(0) {
		current, err := e.bus.ReadWord(entry.Addr)
		if err != nil {
			return fmt.Errorf("failed to read %s at 0x%08X: %w", entry.Path, entry.Addr, err)
		}
		word = current
	}

	word = f.Insert(word, value)
	if err := e.bus.WriteWord(entry.Addr, word); err != nil {
		return fmt.Errorf("failed to write %s at 0x%08X: %w", entry.Path, entry.Addr, err)
	}
	return nil
}

// Cached returns the last value read for path
func (e *Engine) Cached(path string) (Value, bool) {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	v, ok := e.cache[path]
	return v, ok
}

// CachedAll returns every cached value in tree order
func (e *Engine) CachedAll() []Value {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()

	values := make([]Value, 0, len(e.cache))
	for _, entry := range e.entries {
		if v, ok := e.cache[entry.Path]; ok {
			values = append(values, v)
		}
	}
	return values
}

func (e *Engine) store(v Value) {
	e.cacheMu.Lock()
	e.cache[v.Path] = v
	e.cacheMu.Unlock()
}

// Subscribe registers a listener for polled values and returns its id
func (e *Engine) Subscribe(fn Listener) string {
	id := uuid.New().String()
	e.subsMu.Lock()
	e.subs[id] = fn
	e.subsMu.Unlock()
	return id
}

// Unsubscribe removes a listener
func (e *Engine) Unsubscribe(id string) {
	e.subsMu.Lock()
	delete(e.subs, id)
	e.subsMu.Unlock()
}

// Subscribers returns how many listeners are registered
func (e *Engine) Subscribers() int {
	e.subsMu.RLock()
	defer e.subsMu.RUnlock()
	return len(e.subs)
}

func (e *Engine) publish(v Value) {
	e.subsMu.RLock()
	defer e.subsMu.RUnlock()
	for _, fn := range e.subs {
		fn(v)
	}
}

// FormatValue renders a raw field value using the field's display hints
func FormatValue(f *regmap.Field, raw uint32) string {
	if f.Base == regmap.BaseBool {
		if raw != 0 {
			return "True"
		}
		return "False"
	}

	switch f.Disp {
	case "{}", "{:d}":
		return strconv.FormatUint(uint64(raw), 10)
	case "{:b}":
		return "0b" + strconv.FormatUint(uint64(raw), 2)
	default:
		return fmt.Sprintf("0x%x", raw)
	}
}
