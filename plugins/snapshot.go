package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"gopkg.in/yaml.v3"

	"github.com/linht/clink-manager/engine"
	"github.com/linht/clink-manager/snapshot"
)

// yamlNodeToOrderedJSON converts a yaml.Node to an ordered JSON-compatible structure
func yamlNodeToOrderedJSON(node *yaml.Node) interface{} {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) > 0 {
			return yamlNodeToOrderedJSON(node.Content[0])
		}
		return nil

	case yaml.MappingNode:
		om := NewOrderedMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			om.Set(node.Content[i].Value, yamlNodeToOrderedJSON(node.Content[i+1]))
		}
		return om

	case yaml.SequenceNode:
		result := make([]interface{}, len(node.Content))
		for i, item := range node.Content {
			result[i] = yamlNodeToOrderedJSON(item)
		}
		return result

	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			return nil
		case "!!bool":
			return node.Value == "true"
		case "!!int":
			var v uint64
			if err := node.Decode(&v); err == nil {
				return v
			}
			return node.Value
		default:
			return node.Value
		}

	case yaml.AliasNode:
		if node.Alias != nil {
			return yamlNodeToOrderedJSON(node.Alias)
		}
		return nil

	default:
		return node.Value
	}
}

// snapshotTree renders a snapshot as nested ordered JSON
func snapshotTree(snap *snapshot.Snapshot) (interface{}, error) {
	data, err := snap.EncodeYAML()
	if err != nil {
		return nil, err
	}

	var rootNode yaml.Node
	if err := yaml.Unmarshal(data, &rootNode); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return yamlNodeToOrderedJSON(&rootNode), nil
}

// SnapshotPlugin saves and restores the register configuration
type SnapshotPlugin struct {
	engine *engine.Engine
	path   string // Default snapshot file; named files live in the same directory
}

// NewSnapshotPlugin creates a new snapshot plugin instance
func NewSnapshotPlugin(eng *engine.Engine, path string) (*SnapshotPlugin, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if path == "" {
		return nil, fmt.Errorf("path is required in snapshot plugin configuration")
	}

	return &SnapshotPlugin{
		engine: eng,
		path:   path,
	}, nil
}

// Name returns the plugin identifier
func (p *SnapshotPlugin) Name() string {
	return "snapshot"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *SnapshotPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/snapshot")

	api.Get("/state", p.getState)
	api.Get("/file", p.getFile)
	api.Post("/save", p.save)
	api.Post("/load", p.load)

	// Stored files
	api.Get("/files", p.listFiles)
	api.Delete("/files", p.deleteFile)
	api.Post("/upload", p.uploadFile)
	api.Get("/download", p.downloadFile)
}

// Shutdown performs cleanup
func (p *SnapshotPlugin) Shutdown() error {
	return nil
}

type snapshotRequest struct {
	Name            string `json:"name"`
	IncludeReadOnly bool   `json:"include_read_only"`
}

// resolve maps a requested file name into the snapshot directory
func (p *SnapshotPlugin) resolve(name string) string {
	if name == "" {
		return p.path
	}
	return filepath.Join(filepath.Dir(p.path), filepath.Base(name))
}

func parseSnapshotRequest(c *fiber.Ctx) (snapshotRequest, error) {
	var req snapshotRequest
	if len(c.Body()) == 0 {
		return req, nil
	}
	err := c.BodyParser(&req)
	return req, err
}

// getState handles GET /api/snapshot/state
func (p *SnapshotPlugin) getState(c *fiber.Ctx) error {
	snap, err := snapshot.Capture(p.engine, snapshot.Options{IncludeReadOnly: true})
	if err != nil {
		return SendAccessError(c, err)
	}

	tree, err := snapshotTree(snap)
	if err != nil {
		return SendError(c, 500, err)
	}
	return SendSuccess(c, tree, "")
}

// getFile handles GET /api/snapshot/file?name=
func (p *SnapshotPlugin) getFile(c *fiber.Ctx) error {
	path := p.resolve(c.Query("name"))

	snap, err := snapshot.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SendErrorMessage(c, 404, "Snapshot not found")
		}
		return SendAccessError(c, err)
	}

	tree, err := snapshotTree(snap)
	if err != nil {
		return SendError(c, 500, err)
	}
	return SendSuccess(c, tree, "Snapshot loaded successfully")
}

// save handles POST /api/snapshot/save
func (p *SnapshotPlugin) save(c *fiber.Ctx) error {
	req, err := parseSnapshotRequest(c)
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	path := p.resolve(req.Name)

	snap, err := snapshot.Capture(p.engine, snapshot.Options{IncludeReadOnly: req.IncludeReadOnly})
	if err != nil {
		return SendAccessError(c, err)
	}
	if err := snapshot.Save(path, snap); err != nil {
		return SendAccessError(c, err)
	}

	slog.Info("Snapshot saved", "path", path, "entries", len(snap.Entries))
	return SendSuccess(c, map[string]interface{}{
		"path":    path,
		"entries": len(snap.Entries),
	}, "Snapshot saved successfully")
}

// load handles POST /api/snapshot/load
func (p *SnapshotPlugin) load(c *fiber.Ctx) error {
	req, err := parseSnapshotRequest(c)
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	path := p.resolve(req.Name)

	snap, err := snapshot.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SendErrorMessage(c, 404, "Snapshot not found")
		}
		return SendAccessError(c, err)
	}

	result, err := snapshot.Apply(p.engine, snap)
	if err != nil {
		return SendAccessError(c, err)
	}

	slog.Info("Snapshot applied", "path", path, "written", result.Written, "skipped", result.Skipped, "unknown", len(result.Unknown))
	return SendSuccess(c, result, "Snapshot applied successfully")
}

// Register the plugin
func init() {
	Register("snapshot", func(config interface{}) (Plugin, error) {
		configMap, ok := config.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid config for snapshot plugin: expected map[string]interface{}")
		}

		device, ok := configMap["device"].(*Device)
		if !ok {
			return nil, fmt.Errorf("invalid config for snapshot plugin: device must be *Device")
		}

		path, _ := configMap["path"].(string)

		return NewSnapshotPlugin(device.Engine, path)
	})
}
