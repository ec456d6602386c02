package plugins

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/linht/clink-manager/engine"
)

// newTestDevice opens a device on the in-memory bus with no serial channels
func newTestDevice(t *testing.T) (*Device, *engine.MemoryBus) {
	t.Helper()

	d, err := OpenDevice(DeviceConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	bus, ok := d.transport.(*engine.MemoryBus)
	require.True(t, ok)
	return d, bus
}

func newTestApp(plugin Plugin) *fiber.App {
	app := fiber.New()
	plugin.RegisterRoutes(app)
	return app
}

// doRequest performs a request and decodes the API envelope
func doRequest(t *testing.T, app *fiber.App, method, path, body string) (int, APIResponse) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out APIResponse
	if resp.StatusCode != http.StatusUpgradeRequired {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

// dataMap returns the response payload as a JSON object
func dataMap(t *testing.T, resp APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", resp.Data)
	return m
}
