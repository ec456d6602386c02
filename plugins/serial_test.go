package plugins

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linht/clink-manager/clink"
)

// pipeSerial is a camera port whose output the test controls
type pipeSerial struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeSerial() *pipeSerial {
	r, w := io.Pipe()
	return &pipeSerial{r: r, w: w}
}

func (p *pipeSerial) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeSerial) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipeSerial) Name() string                { return "pipe" }
func (p *pipeSerial) Close() error                { return p.w.Close() }

func TestSerialPlugin_Ports(t *testing.T) {
	d, _ := newTestDevice(t)
	port := newPipeSerial()

	p, err := NewSerialPlugin(d.Engine, map[int]clink.SerialPort{1: port})
	require.NoError(t, err)
	app := newTestApp(p)

	status, resp := doRequest(t, app, "GET", "/api/serial/ports", "")
	require.Equal(t, 200, status)
	ports, ok := resp.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, ports, 1)
	entry := ports[0].(map[string]interface{})
	assert.Equal(t, float64(1), entry["channel"])
	assert.Equal(t, "pipe", entry["name"])
	assert.Equal(t, false, entry["in_use"])

	port.Close()
	p.Wait()
}

func TestSerialPlugin_OneSessionPerChannel(t *testing.T) {
	d, _ := newTestDevice(t)
	port := newPipeSerial()
	defer port.Close()

	p, err := NewSerialPlugin(d.Engine, map[int]clink.SerialPort{0: port})
	require.NoError(t, err)

	first, err := p.attach(0, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Same(t, first, p.session(0))

	_, err = p.attach(0, nil)
	assert.ErrorContains(t, err, "in use")

	p.detach(first)
	assert.Nil(t, p.session(0))

	second, err := p.attach(0, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// A stale session cannot detach its replacement
	p.detach(first)
	assert.Same(t, second, p.session(0))
	p.detach(second)
}

func TestSerialPlugin_WebSocketChecks(t *testing.T) {
	d, _ := newTestDevice(t)
	port := newPipeSerial()
	defer port.Close()

	p, err := NewSerialPlugin(d.Engine, map[int]clink.SerialPort{0: port})
	require.NoError(t, err)

	status, _ := doRequest(t, newTestApp(p), "GET", "/api/serial/ws?ch=0", "")
	assert.Equal(t, 426, status)

	_, err = NewSerialPlugin(nil, nil)
	assert.Error(t, err)
}

func TestSerialPlugin_PumpDiscardsWithoutSession(t *testing.T) {
	d, _ := newTestDevice(t)
	port := newPipeSerial()

	p, err := NewSerialPlugin(d.Engine, map[int]clink.SerialPort{0: port})
	require.NoError(t, err)

	// Nobody attached, so the write completes once the pump reads it
	_, err = port.w.Write([]byte("hello"))
	require.NoError(t, err)

	port.Close()
	p.Wait()
}
