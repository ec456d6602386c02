package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/linht/clink-manager/regmap"
)

// OrderedMap represents a map that preserves insertion order
// It implements json.Marshaler to output keys in order
type OrderedMap struct {
	Keys   []string
	Values map[string]interface{}
}

// NewOrderedMap creates an empty ordered map
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{Values: make(map[string]interface{})}
}

// Set appends key, or replaces its value if already present
func (om *OrderedMap) Set(key string, value interface{}) {
	if _, exists := om.Values[key]; !exists {
		om.Keys = append(om.Keys, key)
	}
	om.Values[key] = value
}

// MarshalJSON implements json.Marshaler for OrderedMap
func (om *OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, key := range om.Keys {
		if i > 0 {
			buf.WriteString(",")
		}
		keyBytes, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteString(":")
		valBytes, err := json.Marshal(om.Values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteString("}")
	return buf.Bytes(), nil
}

// describeDevice renders a register map in declaration order for the UI
func describeDevice(dev *regmap.Device, prefix string, base uint32) *OrderedMap {
	addr := base + dev.Offset

	om := NewOrderedMap()
	om.Set("name", dev.Name)
	om.Set("kind", dev.Kind)
	om.Set("description", dev.Description)
	om.Set("offset", fmt.Sprintf("0x%X", dev.Offset))
	om.Set("address", fmt.Sprintf("0x%08X", addr))

	fields := make([]*OrderedMap, 0, len(dev.Fields()))
	for _, f := range dev.Fields() {
		fields = append(fields, describeField(f, prefix, addr))
	}
	om.Set("fields", fields)

	devices := make([]*OrderedMap, 0, len(dev.Devices()))
	for _, sub := range dev.Devices() {
		devices = append(devices, describeDevice(sub, prefix+sub.Name+".", addr))
	}
	om.Set("devices", devices)
	return om
}

func describeField(f *regmap.Field, prefix string, base uint32) *OrderedMap {
	om := NewOrderedMap()
	om.Set("name", f.Name)
	om.Set("path", prefix+f.Name)
	om.Set("description", f.Description)
	om.Set("address", fmt.Sprintf("0x%08X", base+f.Offset))
	om.Set("bit_offset", f.BitOffset)
	om.Set("bit_size", f.BitSize)
	om.Set("mode", f.Mode)
	om.Set("base", f.Base.String())
	if f.Disp != "" {
		om.Set("disp", f.Disp)
	}
	if f.Units != "" {
		om.Set("units", f.Units)
	}
	if f.PollInterval > 0 {
		om.Set("poll_interval_s", f.PollInterval.Seconds())
	}
	if f.IsCommand() {
		om.Set("command", f.Command.String())
	}
	return om
}
