package snapshot

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linht/clink-manager/clink"
	"github.com/linht/clink-manager/engine"
)

type nullSerial struct{ bytes.Buffer }

func (n *nullSerial) Name() string { return "null" }

func newEngine(t *testing.T) (*engine.Engine, *engine.MemoryBus) {
	t.Helper()
	top, err := clink.NewTop("ClinkTop", []*clink.ChannelSlot{{Serial: &nullSerial{}}, nil})
	require.NoError(t, err)
	bus := engine.NewMemoryBus()
	e, err := engine.New(top, 0, bus)
	require.NoError(t, err)
	return e, bus
}

func TestCapture_ConfigOnlyByDefault(t *testing.T) {
	e, bus := newEngine(t)
	bus.Poke(0x100, 3)   // Ch[0].LinkMode
	bus.Poke(0x1C, 1000) // ClkInFreq[0]

	snap, err := Capture(e, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ClinkTop", snap.Root)
	require.NotEmpty(t, snap.Entries)
	assert.Equal(t, Entry{Path: "Ch[0].LinkMode", Value: 3}, snap.Entries[0])
	for _, entry := range snap.Entries {
		assert.NotEqual(t, "ClkInFreq[0]", entry.Path)
	}

	full, err := Capture(e, Options{IncludeReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, Entry{Path: "ChanCount", Value: 0}, full.Entries[0])
	assert.Greater(t, len(full.Entries), len(snap.Entries))
}

func TestYAML_KeepsTreeOrder(t *testing.T) {
	snap := &Snapshot{Root: "ClinkTop", Entries: []Entry{
		{Path: "Ch[0].LinkMode", Value: 1},
		{Path: "Ch[0].BaudRate", Value: 57600},
		{Path: "Pll[0].ClkOut0LowTime", Value: 4},
	}}

	data, err := snap.EncodeYAML()
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.HasPrefix(text, "ClinkTop:"), text)
	assert.Less(t, strings.Index(text, "LinkMode"), strings.Index(text, "BaudRate"))

	back, err := DecodeYAML(data)
	require.NoError(t, err)
	assert.Equal(t, snap, back)
}

func TestDecodeYAML_Rejects(t *testing.T) {
	_, err := DecodeYAML([]byte("a: 1\nb: 2\n"))
	assert.ErrorIs(t, err, ErrFormat)

	_, err = DecodeYAML([]byte("Top:\n  X: notanumber\n"))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestCBOR(t *testing.T) {
	snap := &Snapshot{Root: "ClinkTop", Entries: []Entry{{Path: "Ch[1].TapCount", Value: 2}}}

	data, err := snap.EncodeCBOR()
	require.NoError(t, err)
	back, err := DecodeCBOR(data)
	require.NoError(t, err)
	assert.Equal(t, snap, back)
}

func TestApply(t *testing.T) {
	e, bus := newEngine(t)

	snap := &Snapshot{Entries: []Entry{
		{Path: "Ch[0].TapCount", Value: 2},
		{Path: "ChanCount", Value: 9},
		{Path: "Ch[1].TapCount", Value: 1},
	}}
	res, err := Apply(e, snap)
	require.NoError(t, err)

	assert.Equal(t, Result{Written: 1, Skipped: 1, Unknown: []string{"Ch[1].TapCount"}}, res)
	assert.Equal(t, uint32(2), bus.Peek(0x10C))
	assert.Zero(t, bus.Peek(0x00))
}

func TestSaveLoad(t *testing.T) {
	e, bus := newEngine(t)
	bus.Poke(0x120, 9600)

	snap, err := Capture(e, Options{})
	require.NoError(t, err)

	dir := t.TempDir()
	for _, name := range []string{"config.yaml", "config.cbor"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, snap))
		back, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, snap.Entries, back.Entries, name)
	}

	assert.ErrorIs(t, Save(filepath.Join(dir, "config.txt"), snap), ErrFormat)
}
