// Package snapshot saves and restores register values as YAML or CBOR files.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"github.com/linht/clink-manager/engine"
)

var ErrFormat = errors.New("unsupported snapshot format")

// Entry is one saved field value
type Entry struct {
	Path  string `cbor:"1,keyasint" json:"path"`
	Value uint32 `cbor:"2,keyasint" json:"value"`
}

// Snapshot is an ordered set of field values
type Snapshot struct {
	Root    string  `cbor:"1,keyasint" json:"root"`
	Entries []Entry `cbor:"2,keyasint" json:"entries"`
}

// Options control what Capture reads
type Options struct {
	// IncludeReadOnly adds status fields, producing a full state dump
	IncludeReadOnly bool
}

// Capture reads the engine's fields in tree order. Without IncludeReadOnly
// only read-write configuration fields are saved.
func Capture(e *engine.Engine, opts Options) (*Snapshot, error) {
	snap := &Snapshot{Root: e.Root().Name}
	for _, entry := range e.Entries() {
		f := entry.Field
		if !f.Readable() {
			continue
		}
		if !f.Writable() && !opts.IncludeReadOnly {
			continue
		}
		v, err := e.Read(entry.Path)
		if err != nil {
			return nil, err
		}
		snap.Entries = append(snap.Entries, Entry{Path: entry.Path, Value: v.Raw})
	}
	return snap, nil
}

// Result summarises an Apply
type Result struct {
	Written int      `json:"written"`
	Skipped int      `json:"skipped"`
	Unknown []string `json:"unknown,omitempty"`
}

// Apply writes every writable entry of snap. Read-only entries are skipped and
// paths missing from the map are reported in the result.
func Apply(e *engine.Engine, snap *Snapshot) (Result, error) {
	var res Result
	for _, item := range snap.Entries {
		entry, err := e.Entry(item.Path)
		if err != nil {
			res.Unknown = append(res.Unknown, item.Path)
			continue
		}
		if !entry.Field.Writable() {
			res.Skipped++
			continue
		}
		if err := e.Write(item.Path, item.Value); err != nil {
			return res, err
		}
		res.Written++
	}
	return res, nil
}

// EncodeYAML renders the snapshot as nested mappings in tree order
func (s *Snapshot) EncodeYAML() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, entry := range s.Entries {
		parts := strings.Split(entry.Path, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			node = childMapping(node, part)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: parts[len(parts)-1]},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(uint64(entry.Value), 10)},
		)
	}

	name := s.Root
	if name == "" {
		name = "root"
	}
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			root,
		},
	}}}
	return yaml.Marshal(doc)
}

// childMapping returns the mapping stored under key, creating it if needed
func childMapping(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key && node.Content[i+1].Kind == yaml.MappingNode {
			return node.Content[i+1]
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		child,
	)
	return child
}

// DecodeYAML parses a document written by EncodeYAML
func DecodeYAML(data []byte) (*Snapshot, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrFormat)
	}

	top := doc.Content[0]
	if top.Kind != yaml.MappingNode || len(top.Content) != 2 {
		return nil, fmt.Errorf("%w: expected a single root mapping", ErrFormat)
	}

	snap := &Snapshot{Root: top.Content[0].Value}
	if err := flatten(top.Content[1], "", snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func flatten(node *yaml.Node, prefix string, snap *Snapshot) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: %s is not a mapping", ErrFormat, strings.TrimSuffix(prefix, "."))
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]

		if value.Kind == yaml.MappingNode {
			if err := flatten(value, prefix+key+".", snap); err != nil {
				return err
			}
			continue
		}

		var v uint32
		if err := value.Decode(&v); err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrFormat, prefix, key, err)
		}
		snap.Entries = append(snap.Entries, Entry{Path: prefix + key, Value: v})
	}
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot CBOR decoder mode: %v", err))
	}
}

// EncodeCBOR encodes the snapshot in canonical CBOR
func (s *Snapshot) EncodeCBOR() ([]byte, error) {
	return encMode.Marshal(s)
}

// DecodeCBOR decodes a CBOR snapshot
func DecodeCBOR(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Encode picks the format from the file extension
func Encode(path string, s *Snapshot) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return s.EncodeYAML()
	case ".cbor":
		return s.EncodeCBOR()
	default:
		return nil, fmt.Errorf("%w: %s", ErrFormat, path)
	}
}

// Decode picks the format from the file extension
func Decode(path string, data []byte) (*Snapshot, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(data)
	case ".cbor":
		return DecodeCBOR(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrFormat, path)
	}
}

// Save writes the snapshot to path
func Save(path string, s *Snapshot) error {
	data, err := Encode(path, s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot from path
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Decode(path, data)
}
