package awareness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/clock"
)

type event struct {
	change Change
	origin string
}

type events struct {
	mu  sync.Mutex
	got []event
}

func (e *events) handle(ch Change, origin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, event{ch, origin})
}

func (e *events) all() []event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event(nil), e.got...)
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAwareness_LocalStateTransitions(t *testing.T) {
	aw := New(1, clock.Fake(t0))
	ev := &events{}
	aw.On(ev.handle)

	aw.SetLocalState(State{"name": "alice"})
	aw.SetLocalState(State{"name": "alice"})
	aw.SetLocalState(State{"name": "alice", "cursor": 3})
	aw.SetLocalState(nil)

	got := ev.all()
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{1}, got[0].change.Added)
	assert.Equal(t, []uint64{1}, got[1].change.Updated)
	assert.Equal(t, []uint64{1}, got[2].change.Removed)
	assert.Equal(t, OriginLocal, got[0].origin)
	assert.NotContains(t, aw.States(), uint64(1))
}

func TestAwareness_ApplyUpdateLastWriteWins(t *testing.T) {
	a := New(1, clock.Fake(t0))
	b := New(2, clock.Fake(t0))
	ev := &events{}
	b.On(ev.handle)

	a.SetLocalState(State{"v": "first"})
	first, err := a.EncodeUpdate([]uint64{1})
	require.NoError(t, err)
	a.SetLocalState(State{"v": "second"})
	second, err := a.EncodeUpdate([]uint64{1})
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(second, "remote"))
	require.NoError(t, b.ApplyUpdate(first, "remote"))
	assert.Equal(t, State{"v": "second"}, b.States()[1])

	got := ev.all()
	require.Len(t, got, 1)
	assert.Equal(t, []uint64{1}, got[0].change.Added)
	assert.Equal(t, "remote", got[0].origin)

	// 同一时钟的墓碑视为移除
	a.SetLocalState(nil)
	gone, err := a.EncodeUpdate([]uint64{1})
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(gone, "remote"))
	assert.NotContains(t, b.States(), uint64(1))
	assert.Equal(t, []uint64{1}, ev.all()[1].change.Removed)
}

func TestAwareness_RemoteCannotEvictLiveLocalState(t *testing.T) {
	a := New(1, clock.Fake(t0))
	a.SetLocalState(State{"x": 1.0})

	forged := []byte(`[{"clientId":1,"clock":5,"state":null}]`)
	require.NoError(t, a.ApplyUpdate(forged, "remote"))
	assert.Equal(t, State{"x": 1.0}, a.LocalState())

	// 本地时钟越过伪造的时钟，下一次发布会覆盖对方
	a.SetLocalState(State{"x": 2.0})
	upd, err := a.EncodeUpdate([]uint64{1})
	require.NoError(t, err)
	assert.Contains(t, string(upd), `"clock":7`)
}

func TestAwareness_MalformedUpdate(t *testing.T) {
	a := New(1, nil)
	assert.ErrorIs(t, a.ApplyUpdate([]byte("{"), "remote"), ErrMalformedUpdate)
	assert.ErrorIs(t, a.ApplyUpdate([]byte(`[{"clientId":2,"clock":1,"state":"str"}]`), "remote"), ErrMalformedUpdate)
	assert.Empty(t, a.States())
}

func TestAwareness_SweepRemovesOutdated(t *testing.T) {
	fc := clock.Fake(t0)
	a := New(1, fc)
	b := New(2, fc)
	ev := &events{}
	a.On(ev.handle)

	a.SetLocalState(State{"me": true})
	b.SetLocalState(State{"peer": true})
	upd, err := b.EncodeUpdate([]uint64{2})
	require.NoError(t, err)
	require.NoError(t, a.ApplyUpdate(upd, "remote"))

	fc.Advance(OutdatedTimeout - time.Second)
	assert.Empty(t, a.Sweep())
	fc.Advance(time.Second)
	assert.Equal(t, []uint64{2}, a.Sweep())

	states := a.States()
	assert.Contains(t, states, uint64(1))
	assert.NotContains(t, states, uint64(2))
	last := ev.all()[len(ev.all())-1]
	assert.Equal(t, OriginTimeout, last.origin)
}

func TestAwareness_RemoveStates(t *testing.T) {
	a := New(1, nil)
	a.SetLocalState(State{"k": "v"})
	ev := &events{}
	a.On(ev.handle)

	a.RemoveStates([]uint64{1, 42}, "test")
	require.Len(t, ev.all(), 1)
	assert.Equal(t, []uint64{1}, ev.all()[0].change.Removed)
	assert.Nil(t, a.LocalState())
}

func TestAwareness_Destroy(t *testing.T) {
	a := New(1, nil)
	a.SetLocalState(State{"k": "v"})
	ev := &events{}
	a.On(ev.handle)

	a.Destroy()
	a.Destroy()
	require.Len(t, ev.all(), 1)
	assert.Equal(t, []uint64{1}, ev.all()[0].change.Removed)

	a.SetLocalState(State{"k": "again"})
	assert.Empty(t, a.States())
	assert.True(t, a.Destroyed())
	assert.Len(t, ev.all(), 1)
}
