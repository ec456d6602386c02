package plugins

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/linht/clink-manager/snapshot"
)

// MaxSnapshotUpload bounds uploaded snapshot files
const MaxSnapshotUpload = 1 * 1024 * 1024 // 1MB

// SnapshotFile describes a stored snapshot
type SnapshotFile struct {
	Name     string    `json:"name"`
	Format   string    `json:"format"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Default  bool      `json:"default"`
}

// snapshotName validates a file name given by a client
func snapshotName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("file name required")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid file name: directory traversal not allowed")
	}
	if snapshotFormat(name) == "" {
		return "", fmt.Errorf("%w: %s", snapshot.ErrFormat, name)
	}
	return name, nil
}

func snapshotFormat(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".cbor":
		return "cbor"
	}
	return ""
}

// listFiles handles GET /api/snapshot/files
func (p *SnapshotPlugin) listFiles(c *fiber.Ctx) error {
	dir := filepath.Dir(p.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SendSuccess(c, []SnapshotFile{}, "")
		}
		return SendError(c, 500, err)
	}

	files := make([]SnapshotFile, 0, len(entries))
	for _, entry := range entries {
		format := snapshotFormat(entry.Name())
		if entry.IsDir() || format == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, SnapshotFile{
			Name:     entry.Name(),
			Format:   format,
			Size:     info.Size(),
			Modified: info.ModTime(),
			Default:  entry.Name() == filepath.Base(p.path),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	return SendSuccess(c, files, "")
}

// uploadFile handles POST /api/snapshot/upload. The file must decode as a
// snapshot before it is stored.
func (p *SnapshotPlugin) uploadFile(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return SendErrorMessage(c, 400, "No file provided")
	}

	if file.Size > MaxSnapshotUpload {
		return SendErrorMessage(c, 413, fmt.Sprintf("File too large (max %d bytes)", MaxSnapshotUpload))
	}

	name, err := snapshotName(filepath.Base(file.Filename))
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	src, err := file.Open()
	if err != nil {
		return SendError(c, 500, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return SendError(c, 500, err)
	}
	if _, err := snapshot.Decode(name, data); err != nil {
		return SendError(c, 400, err)
	}

	dest := filepath.Join(filepath.Dir(p.path), name)
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return SendError(c, 500, err)
	}

	return SendSuccess(c, map[string]interface{}{"name": name}, "File uploaded successfully")
}

// downloadFile handles GET /api/snapshot/download?name=
func (p *SnapshotPlugin) downloadFile(c *fiber.Ctx) error {
	name, err := snapshotName(c.Query("name", filepath.Base(p.path)))
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	filePath := filepath.Join(filepath.Dir(p.path), name)
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SendErrorMessage(c, 404, "File not found")
		}
		return SendError(c, 500, err)
	}

	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	return c.SendFile(filePath)
}

// deleteFile handles DELETE /api/snapshot/files?name=
func (p *SnapshotPlugin) deleteFile(c *fiber.Ctx) error {
	name, err := snapshotName(c.Query("name"))
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	if err := os.Remove(filepath.Join(filepath.Dir(p.path), name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SendErrorMessage(c, 404, "File not found")
		}
		return SendError(c, 500, err)
	}

	return SendSuccess(c, nil, "File deleted successfully")
}
