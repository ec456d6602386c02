package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linht/clink-manager/regmap"
)

func testMap(t *testing.T) *regmap.Device {
	t.Helper()
	dev := regmap.NewDevice("Top", "Test", "", 0)
	require.NoError(t, regmap.Build(dev, []regmap.Row{
		{Field: regmap.Field{Name: "Version", Offset: 0x00, BitSize: 32, Mode: regmap.ModeRO}},
		{Field: regmap.Field{Name: "ResetA", Offset: 0x04, BitOffset: 0, BitSize: 1, Mode: regmap.ModeCommand, Command: regmap.CommandToggle}},
		{Field: regmap.Field{Name: "ResetB", Offset: 0x04, BitOffset: 2, BitSize: 1, Mode: regmap.ModeCommand, Command: regmap.CommandToggle}},
		{Field: regmap.Field{Name: "Start", Offset: 0x04, BitOffset: 4, BitSize: 1, Mode: regmap.ModeCommand, Command: regmap.CommandTouchOne}},
		{Field: regmap.Field{Name: "Locked", Offset: 0x08, BitOffset: 1, BitSize: 1, Mode: regmap.ModeRO, Base: regmap.BaseBool, PollInterval: 10 * time.Millisecond}},
		{Field: regmap.Field{Name: "Count", Offset: 0x08, BitOffset: 8, BitSize: 8, Mode: regmap.ModeRO, Disp: "{}", PollInterval: 10 * time.Millisecond}},
		{Field: regmap.Field{Name: "Mode", Offset: 0x0C, BitOffset: 4, BitSize: 4, Mode: regmap.ModeRW}},
		{Field: regmap.Field{Name: "Key", Offset: 0x0C, BitOffset: 16, BitSize: 8, Mode: regmap.ModeWO}},
	}))

	sub := regmap.NewDevice("Sub", "Block", "", 0x100)
	require.NoError(t, sub.Add(regmap.Field{Name: "Freq", Offset: 0x00, BitSize: 32, Mode: regmap.ModeRO, Disp: "{:d}", Units: "Hz"}))
	require.NoError(t, dev.AddDevice(sub))
	return dev
}

func newTestEngine(t *testing.T) (*Engine, *MemoryBus) {
	t.Helper()
	bus := NewMemoryBus()
	e, err := New(testMap(t), 0x1000, bus)
	require.NoError(t, err)
	return e, bus
}

func TestEngine_ReadDecodes(t *testing.T) {
	e, bus := newTestEngine(t)
	bus.Poke(0x1008, 0x00002A02)
	bus.Poke(0x1100, 125000000)

	v, err := e.Read("Locked")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v.Raw)
	assert.Equal(t, "True", v.Display)

	v, err = e.Read("Count")
	require.NoError(t, err)
	assert.Equal(t, "42", v.Display)

	v, err = e.Read("Sub.Freq")
	require.NoError(t, err)
	assert.Equal(t, "125000000", v.Display)
	assert.Equal(t, "Hz", v.Units)

	cached, ok := e.Cached("Sub.Freq")
	require.True(t, ok)
	assert.Equal(t, uint32(125000000), cached.Raw)
}

func TestEngine_ReadRejectsWriteOnly(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Read("Key")
	assert.ErrorIs(t, err, ErrWriteOnly)
	_, err = e.Read("ResetA")
	assert.ErrorIs(t, err, ErrWriteOnly)
	_, err = e.Read("Nope")
	assert.ErrorIs(t, err, regmap.ErrNotFound)
}

func TestEngine_WritePreservesNeighbours(t *testing.T) {
	e, bus := newTestEngine(t)
	bus.Poke(0x100C, 0xFFFF000F)

	require.NoError(t, e.Write("Mode", 0x5))
	assert.Equal(t, uint32(0xFFFF005F), bus.Peek(0x100C))

	require.NoError(t, e.Write("Key", 0xA5))
	assert.Equal(t, uint32(0xFFA5005F), bus.Peek(0x100C))
}

func TestEngine_WriteUpdatesCache(t *testing.T) {
	e, _ := newTestEngine(t)

	v, err := e.Read("Mode")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v.Raw)

	require.NoError(t, e.Write("Mode", 3))
	cached, ok := e.Cached("Mode")
	require.True(t, ok)
	assert.Equal(t, uint32(3), cached.Raw)
	assert.Equal(t, "0x3", cached.Display)

	// Write-only fields never enter the cache
	require.NoError(t, e.Write("Key", 0x11))
	_, ok = e.Cached("Key")
	assert.False(t, ok)

	// A failed write leaves the cache alone
	assert.Error(t, e.Write("Mode", 0x10))
	cached, _ = e.Cached("Mode")
	assert.Equal(t, uint32(3), cached.Raw)
}

func TestEngine_WriteErrors(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.ErrorIs(t, e.Write("Version", 1), ErrReadOnly)
	assert.ErrorIs(t, e.Write("ResetA", 1), ErrReadOnly)
	assert.ErrorIs(t, e.Write("Mode", 0x10), ErrValueRange)
}

func TestEngine_ToggleIsBitIsolated(t *testing.T) {
	e, bus := newTestEngine(t)
	bus.Poke(0x1004, 0x1) // ResetA held high by someone else

	require.NoError(t, e.Exec("ResetB"))

	assert.Equal(t, []BusWrite{
		{Addr: 0x1004, Value: 0x5},
		{Addr: 0x1004, Value: 0x1},
	}, bus.Writes())
}

func TestEngine_TouchOne(t *testing.T) {
	e, bus := newTestEngine(t)

	require.NoError(t, e.Exec("Start"))
	assert.Equal(t, []BusWrite{{Addr: 0x1004, Value: 0x10}}, bus.Writes())

	assert.ErrorIs(t, e.Exec("Mode"), ErrNotCommand)
}

func TestEngine_TransportErrorsWrap(t *testing.T) {
	e, bus := newTestEngine(t)
	busErr := errors.New("bus timeout")
	bus.FailAt(0x1004, busErr)

	err := e.Exec("ResetA")
	assert.ErrorIs(t, err, busErr)
	assert.Empty(t, bus.Writes())
}

func TestEngine_ReadAllSkipsUnreadable(t *testing.T) {
	e, _ := newTestEngine(t)

	values, err := e.ReadAll()
	require.NoError(t, err)

	paths := make([]string, len(values))
	for i, v := range values {
		paths[i] = v.Path
	}
	assert.Equal(t, []string{"Version", "Locked", "Count", "Mode", "Sub.Freq"}, paths)
}

func TestEngine_Subscribers(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Equal(t, 0, e.Subscribers())

	a := e.Subscribe(func(Value) {})
	b := e.Subscribe(func(Value) {})
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, e.Subscribers())

	e.Unsubscribe(a)
	e.Unsubscribe(a)
	assert.Equal(t, 1, e.Subscribers())
	e.Unsubscribe(b)
	assert.Equal(t, 0, e.Subscribers())
}

func TestEngine_PollPublishes(t *testing.T) {
	e, bus := newTestEngine(t)
	bus.Poke(0x1008, 0x00000702)

	groups := e.PollGroups()
	require.Len(t, groups, 1)
	assert.Len(t, groups[10*time.Millisecond], 2)

	var mu sync.Mutex
	seen := make(map[string]string)
	id := e.Subscribe(func(v Value) {
		mu.Lock()
		seen[v.Path] = v.Display
		mu.Unlock()
	})
	defer e.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Poll(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["Locked"] == "True" && seen["Count"] == "7"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	_, ok := e.Cached("Version")
	assert.False(t, ok, "fields without a poll interval are read on demand only")
}

func TestFormatValue(t *testing.T) {
	u := &regmap.Field{Name: "U", BitSize: 8, Mode: regmap.ModeRO}
	assert.Equal(t, "0x1f", FormatValue(u, 31))

	u.Disp = "{:d}"
	assert.Equal(t, "31", FormatValue(u, 31))

	u.Disp = "{:b}"
	assert.Equal(t, "0b101", FormatValue(u, 5))

	b := &regmap.Field{Name: "B", BitSize: 1, Mode: regmap.ModeRO, Base: regmap.BaseBool}
	assert.Equal(t, "False", FormatValue(b, 0))
}
