package regmap

import (
	"fmt"
	"strings"
)

// Device is a named register block with fields and nested sub-devices.
// A Device is assembled once by a builder and only read afterwards.
type Device struct {
	Name        string
	Description string
	Kind        string
	Offset      uint32 // Relative to the parent base address
	Params      any    // Construction parameters, set by the builder

	fields  []*Field
	byName  map[string]*Field
	arrays  map[string][]*Field
	devices []*Device
	devByID map[string]*Device
}

// NewDevice creates an empty device
func NewDevice(name, kind, description string, offset uint32) *Device {
	return &Device{
		Name:        name,
		Description: description,
		Kind:        kind,
		Offset:      offset,
		byName:      make(map[string]*Field),
		arrays:      make(map[string][]*Field),
		devByID:     make(map[string]*Device),
	}
}

// Add validates a field and appends it to the device
func (d *Device) Add(f Field) error {
	if err := f.check(); err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	if d.nameTaken(f.Name) {
		return fmt.Errorf("%s: %w: %s", d.Name, ErrDuplicate, f.Name)
	}
	for _, other := range d.fields {
		if f.Overlaps(other) {
			return fmt.Errorf("%s: %w: %s and %s at offset 0x%X",
				d.Name, ErrOverlap, f.Name, other.Name, f.Offset)
		}
	}

	field := f
	d.fields = append(d.fields, &field)
	d.byName[field.Name] = &field
	return nil
}

// AddArray replicates a field template count times, adding stride to the
// offset of each instance. Instances are named Name[i].
func (d *Device) AddArray(f Field, count int, stride uint32) error {
	if count <= 0 {
		return fmt.Errorf("%s: %w: array %s has count %d", d.Name, ErrConfig, f.Name, count)
	}
	if stride == 0 {
		return fmt.Errorf("%s: %w: array %s has zero stride", d.Name, ErrConfig, f.Name)
	}
	if _, exists := d.arrays[f.Name]; exists {
		return fmt.Errorf("%s: %w: %s", d.Name, ErrDuplicate, f.Name)
	}

	elems := make([]*Field, 0, count)
	for i := 0; i < count; i++ {
		inst := f
		inst.Name = fmt.Sprintf("%s[%d]", f.Name, i)
		inst.Offset = f.Offset + uint32(i)*stride
		if err := d.Add(inst); err != nil {
			d.removeLast(len(elems))
			return err
		}
		elems = append(elems, d.byName[inst.Name])
	}
	d.arrays[f.Name] = elems
	return nil
}

// removeLast drops the n most recently added fields
func (d *Device) removeLast(n int) {
	for _, f := range d.fields[len(d.fields)-n:] {
		delete(d.byName, f.Name)
	}
	d.fields = d.fields[:len(d.fields)-n]
}

// AddDevice nests a sub-device
func (d *Device) AddDevice(sub *Device) error {
	if sub == nil {
		return fmt.Errorf("%s: %w: nil sub-device", d.Name, ErrConfig)
	}
	if d.nameTaken(sub.Name) {
		return fmt.Errorf("%s: %w: %s", d.Name, ErrDuplicate, sub.Name)
	}
	d.devices = append(d.devices, sub)
	d.devByID[sub.Name] = sub
	return nil
}

func (d *Device) nameTaken(name string) bool {
	if _, ok := d.byName[name]; ok {
		return true
	}
	_, ok := d.devByID[name]
	return ok
}

// Field returns a field of this device by name
func (d *Device) Field(name string) (*Field, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// Fields returns the fields in declaration order
func (d *Device) Fields() []*Field {
	out := make([]*Field, len(d.fields))
	copy(out, d.fields)
	return out
}

// Array returns the elements of a replicated field in index order
func (d *Device) Array(name string) []*Field {
	elems := d.arrays[name]
	out := make([]*Field, len(elems))
	copy(out, elems)
	return out
}

// Device returns a direct sub-device by name
func (d *Device) Device(name string) (*Device, bool) {
	sub, ok := d.devByID[name]
	return sub, ok
}

// Devices returns the sub-devices in declaration order
func (d *Device) Devices() []*Device {
	out := make([]*Device, len(d.devices))
	copy(out, d.devices)
	return out
}

// Lookup resolves a dot separated path such as "Ch[0].LinkMode" to a field
// and its address relative to this device's base.
func (d *Device) Lookup(path string) (*Field, uint32, error) {
	parts := strings.Split(path, ".")
	dev := d
	var base uint32
	for _, part := range parts[:len(parts)-1] {
		sub, ok := dev.devByID[part]
		if !ok {
			return nil, 0, fmt.Errorf("%w: device %q in %q", ErrNotFound, part, path)
		}
		base += sub.Offset
		dev = sub
	}

	f, ok := dev.byName[parts[len(parts)-1]]
	if !ok {
		return nil, 0, fmt.Errorf("%w: field %q", ErrNotFound, path)
	}
	return f, base + f.Offset, nil
}

// WalkFunc is called for every field with its full path and absolute address
type WalkFunc func(path string, addr uint32, f *Field) error

// Walk visits fields depth first: a device's own fields, then its sub-devices.
// base is the absolute address of d.
func (d *Device) Walk(base uint32, fn WalkFunc) error {
	return d.walk("", base, fn)
}

func (d *Device) walk(prefix string, base uint32, fn WalkFunc) error {
	for _, f := range d.fields {
		if err := fn(prefix+f.Name, base+f.Offset, f); err != nil {
			return err
		}
	}
	for _, sub := range d.devices {
		if err := sub.walk(prefix+sub.Name+".", base+sub.Offset, fn); err != nil {
			return err
		}
	}
	return nil
}

// Validate re-checks every field invariant across the whole tree
func (d *Device) Validate() error {
	for i, f := range d.fields {
		if err := f.check(); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
		for _, other := range d.fields[i+1:] {
			if f.Overlaps(other) {
				return fmt.Errorf("%s: %w: %s and %s", d.Name, ErrOverlap, f.Name, other.Name)
			}
		}
	}
	for _, sub := range d.devices {
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	return nil
}
