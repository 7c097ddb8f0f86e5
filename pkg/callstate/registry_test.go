package callstate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phone_core/pkg/callstate"
)

func newRegistry() (*callstate.Registry, *callstate.LinePool) {
	pool := callstate.NewLinePool()
	return callstate.NewRegistry(pool, nil), pool
}

// TestAddSessionBindsLine проверяет вставку и привязку к линии.
func TestAddSessionBindsLine(t *testing.T) {
	reg, pool := newRegistry()

	reg.AddSession(&callstate.Session{
		ID:        "s1",
		Direction: callstate.DirectionOutgoing,
		Target:    "2002",
		State:     callstate.StateInitiating,
		Line:      1,
	})

	s, ok := reg.Session("s1")
	require.True(t, ok)
	assert.Equal(t, 1, s.Line)
	assert.False(t, s.StartTime.IsZero(), "start time must be filled on add")

	ln, _ := pool.Get(1)
	assert.Equal(t, "s1", ln.SessionID)
}

// TestAddSessionBusyLineDoesNotCorrupt проверяет, что попытка
// привязать вторую сессию к занятой линии не искажает состояние.
func TestAddSessionBusyLineDoesNotCorrupt(t *testing.T) {
	reg, pool := newRegistry()

	reg.AddSession(&callstate.Session{
		ID: "s1", Direction: callstate.DirectionOutgoing,
		State: callstate.StateEstablished, Line: 1,
	})
	reg.AddSession(&callstate.Session{
		ID: "s2", Direction: callstate.DirectionOutgoing,
		State: callstate.StateInitiating, Line: 1,
	})

	assert.True(t, reg.Has("s1"))
	assert.False(t, reg.Has("s2"), "second session on a busy line must be refused")

	ln, _ := pool.Get(1)
	assert.Equal(t, "s1", ln.SessionID)
}

// TestUpdateUnknownSessionIsNoop проверяет доброкачественность гонки
// обновления с завершением.
func TestUpdateUnknownSessionIsNoop(t *testing.T) {
	reg, _ := newRegistry()

	st := callstate.StateEstablished
	reg.UpdateSession("ghost", callstate.SessionUpdate{State: &st})
	reg.RemoveSession("ghost")

	assert.Zero(t, reg.Count())
}

// TestTerminatedIsAbsorbing проверяет, что после terminated все
// дальнейшие события по id игнорируются, а линия освобождена ровно
// одна.
func TestTerminatedIsAbsorbing(t *testing.T) {
	reg, pool := newRegistry()

	reg.AddSession(&callstate.Session{
		ID: "s1", Direction: callstate.DirectionIncoming,
		Target: "1001", State: callstate.StateRinging, Line: 1,
	})
	reg.AddSession(&callstate.Session{
		ID: "s2", Direction: callstate.DirectionOutgoing,
		Target: "2002", State: callstate.StateEstablished, Line: 2,
	})

	term := callstate.StateTerminated
	reg.UpdateSession("s1", callstate.SessionUpdate{State: &term})
	assert.False(t, reg.Has("s1"))

	// Дубликат завершения и запоздавшие события - no-op
	reg.UpdateSession("s1", callstate.SessionUpdate{State: &term})
	est := callstate.StateEstablished
	reg.UpdateSession("s1", callstate.SessionUpdate{State: &est})
	assert.False(t, reg.Has("s1"))

	// Чужая линия не тронута
	ln1, _ := pool.Get(1)
	ln2, _ := pool.Get(2)
	assert.Equal(t, callstate.LineIdle, ln1.State)
	assert.Equal(t, "s2", ln2.SessionID)
	assert.Equal(t, callstate.LineActive, ln2.State)
}

// TestInvalidTransitionIgnored проверяет защиту от перехода из
// установленного состояния назад в ringing.
func TestInvalidTransitionIgnored(t *testing.T) {
	reg, _ := newRegistry()

	reg.AddSession(&callstate.Session{
		ID: "s1", Direction: callstate.DirectionOutgoing,
		State: callstate.StateEstablished, Line: 1,
	})

	back := callstate.StateRinging
	reg.UpdateSession("s1", callstate.SessionUpdate{State: &back})

	s, _ := reg.Session("s1")
	assert.Equal(t, callstate.StateEstablished, s.State)
}

// TestCurrentAndIncomingAccessors проверяет составные аксессоры.
func TestCurrentAndIncomingAccessors(t *testing.T) {
	reg, pool := newRegistry()

	_, ok := reg.CurrentSession()
	assert.False(t, ok, "idle selected line yields nothing")

	reg.AddSession(&callstate.Session{
		ID: "out", Direction: callstate.DirectionOutgoing,
		Target: "2002", State: callstate.StateEstablished, Line: 1,
	})
	reg.AddSession(&callstate.Session{
		ID: "in", Direction: callstate.DirectionIncoming,
		Target: "1001", State: callstate.StateRinging, Line: 2,
	})

	cur, ok := reg.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, "out", cur.ID)

	require.NoError(t, pool.Select(2))
	cur, ok = reg.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, "in", cur.ID)

	inc, ok := reg.IncomingSession()
	require.True(t, ok)
	assert.Equal(t, "in", inc.ID)

	// Выбор линии не двигает сессии
	require.NoError(t, pool.Select(3))
	_, ok = reg.CurrentSession()
	assert.False(t, ok)
	assert.Equal(t, 2, reg.Count())
}

// TestTwoIndependentSessions сценарий: набор на линии 1, выбор линии
// 2, второй набор - две независимые сессии с корректным кэшем.
func TestTwoIndependentSessions(t *testing.T) {
	reg, pool := newRegistry()

	reg.AddSession(&callstate.Session{
		ID: "s1", Direction: callstate.DirectionOutgoing,
		Target: "2001", RemoteName: "Bob", State: callstate.StateEstablished, Line: 1,
	})
	require.NoError(t, pool.Select(2))
	reg.AddSession(&callstate.Session{
		ID: "s2", Direction: callstate.DirectionOutgoing,
		Target: "2002", RemoteName: "Carol", State: callstate.StateInitiating, Line: 2,
	})

	ln1, _ := pool.Get(1)
	ln2, _ := pool.Get(2)
	assert.Equal(t, callstate.LineActive, ln1.State)
	assert.Equal(t, "2001", ln1.Caller.Number)
	assert.Equal(t, "Bob", ln1.Caller.Name)
	assert.Equal(t, callstate.LineDialing, ln2.State)
	assert.Equal(t, "2002", ln2.Caller.Number)
	assert.Equal(t, "Carol", ln2.Caller.Name)

	s1, _ := reg.SessionByLine(1)
	s2, _ := reg.SessionByLine(2)
	assert.NotEqual(t, s1.ID, s2.ID)
}
