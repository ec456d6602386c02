package plugins

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linht/clink-manager/clink"
)

func TestOpenDevice_DefaultBaud(t *testing.T) {
	d, err := OpenDevice(DeviceConfig{Channels: []ChannelConfig{
		{Enabled: true, CamType: clink.CamOpal1000},
		{Enabled: true, CamType: clink.CamPiranha4},
	}})
	if err != nil && strings.Contains(err.Error(), "failed to open PTY") {
		t.Skipf("no PTY available: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	v, err := d.Engine.Read("Ch[0].BaudRate")
	require.NoError(t, err)
	assert.Equal(t, uint32(57600), v.Raw)
	assert.Equal(t, "57600", v.Display)

	v, err = d.Engine.Read("Ch[1].BaudRate")
	require.NoError(t, err)
	assert.Equal(t, uint32(9600), v.Raw)
}

func TestOpenDevice_DisabledChannelHasNoBaud(t *testing.T) {
	d, err := OpenDevice(DeviceConfig{Channels: []ChannelConfig{
		{Enabled: true, CamType: clink.CamOpal1000},
		{Enabled: false},
	}})
	if err != nil && strings.Contains(err.Error(), "failed to open PTY") {
		t.Skipf("no PTY available: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	assert.Len(t, d.Serial, 1)
	_, err = d.Engine.Read("Ch[1].BaudRate")
	assert.Error(t, err)
}
