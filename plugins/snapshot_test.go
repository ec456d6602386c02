package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSnapshotApp(t *testing.T) (*SnapshotPlugin, *Device, string) {
	t.Helper()
	d, _ := newTestDevice(t)
	dir := t.TempDir()

	p, err := NewSnapshotPlugin(d.Engine, filepath.Join(dir, "snapshot.yaml"))
	require.NoError(t, err)
	return p, d, dir
}

func TestSnapshotPlugin_RequiresPath(t *testing.T) {
	d, _ := newTestDevice(t)
	_, err := NewSnapshotPlugin(d.Engine, "")
	assert.Error(t, err)
	_, err = NewSnapshotPlugin(nil, "x.yaml")
	assert.Error(t, err)
}

func TestSnapshotPlugin_SaveAndLoad(t *testing.T) {
	p, d, dir := newSnapshotApp(t)
	app := newTestApp(p)
	const path = "Pll[1].DivClkHighTime"

	require.NoError(t, d.Engine.Write(path, 7))

	status, resp := doRequest(t, app, "POST", "/api/snapshot/save", "")
	require.Equal(t, 200, status, resp.Error)
	assert.Equal(t, filepath.Join(dir, "snapshot.yaml"), dataMap(t, resp)["path"])
	assert.FileExists(t, filepath.Join(dir, "snapshot.yaml"))

	require.NoError(t, d.Engine.Write(path, 1))

	status, resp = doRequest(t, app, "POST", "/api/snapshot/load", "")
	require.Equal(t, 200, status, resp.Error)
	result := dataMap(t, resp)
	assert.Greater(t, result["written"], float64(0))

	v, err := d.Engine.Read(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v.Raw)
}

func TestSnapshotPlugin_NamedCBOR(t *testing.T) {
	p, d, dir := newSnapshotApp(t)
	app := newTestApp(p)

	require.NoError(t, d.Engine.Write("Pll[2].PowerReg", 0xFFFF))

	status, resp := doRequest(t, app, "POST", "/api/snapshot/save", `{"name":"cal.cbor"}`)
	require.Equal(t, 200, status, resp.Error)
	assert.FileExists(t, filepath.Join(dir, "cal.cbor"))

	// Traversal collapses into the snapshot directory
	status, _ = doRequest(t, app, "POST", "/api/snapshot/save", `{"name":"../../escape.yaml"}`)
	require.Equal(t, 200, status)
	assert.FileExists(t, filepath.Join(dir, "escape.yaml"))

	status, _ = doRequest(t, app, "POST", "/api/snapshot/save", `{"name":"notes.txt"}`)
	assert.Equal(t, 400, status)
}

func TestSnapshotPlugin_State(t *testing.T) {
	p, _, _ := newSnapshotApp(t)
	app := newTestApp(p)

	status, resp := doRequest(t, app, "GET", "/api/snapshot/state", "")
	require.Equal(t, 200, status)

	root := dataMap(t, resp)
	top, ok := root["ClinkTop"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), top["ChanCount"])

	pll, ok := top["Pll[0]"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, pll, "ClkOut0HighTime")
}

func TestSnapshotPlugin_Files(t *testing.T) {
	p, _, dir := newSnapshotApp(t)
	app := newTestApp(p)

	status, resp := doRequest(t, app, "GET", "/api/snapshot/files", "")
	require.Equal(t, 200, status)
	assert.Empty(t, resp.Data)

	status, _ = doRequest(t, app, "POST", "/api/snapshot/save", "")
	require.Equal(t, 200, status)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("ignored"), 0644))

	status, resp = doRequest(t, app, "GET", "/api/snapshot/files", "")
	require.Equal(t, 200, status)
	files, ok := resp.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, files, 1)
	file := files[0].(map[string]interface{})
	assert.Equal(t, "snapshot.yaml", file["name"])
	assert.Equal(t, "yaml", file["format"])
	assert.Equal(t, true, file["default"])

	status, resp = doRequest(t, app, "GET", "/api/snapshot/file", "")
	require.Equal(t, 200, status, resp.Error)
	assert.Contains(t, dataMap(t, resp), "ClinkTop")

	status, _ = doRequest(t, app, "GET", "/api/snapshot/file?name=missing.yaml", "")
	assert.Equal(t, 404, status)

	status, _ = doRequest(t, app, "DELETE", "/api/snapshot/files?name=..%2Fsecret.yaml", "")
	assert.Equal(t, 400, status)

	status, _ = doRequest(t, app, "DELETE", "/api/snapshot/files?name=snapshot.yaml", "")
	require.Equal(t, 200, status)
	assert.NoFileExists(t, filepath.Join(dir, "snapshot.yaml"))

	status, _ = doRequest(t, app, "POST", "/api/snapshot/load", "")
	assert.Equal(t, 404, status)
}

func TestSnapshotName(t *testing.T) {
	for _, name := range []string{"a.yaml", "b.YML", "c.cbor"} {
		got, err := snapshotName(name)
		assert.NoError(t, err, name)
		assert.Equal(t, name, got)
	}
	for _, name := range []string{"", "a.json", "../a.yaml", "dir/a.yaml", `dir\a.yaml`} {
		_, err := snapshotName(name)
		assert.Error(t, err, name)
	}
}
