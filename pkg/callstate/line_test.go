package callstate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phone_core/pkg/callstate"
)

// TestLinePoolAllocateFirstFit проверяет first-fit выделение и ошибку
// занятости при полном пуле.
func TestLinePoolAllocateFirstFit(t *testing.T) {
	pool := callstate.NewLinePool()
	reg := callstate.NewRegistry(pool, nil)

	for i := 1; i <= callstate.NumLines; i++ {
		n, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, i, n, "first-fit should pick lowest idle line")
		reg.AddSession(&callstate.Session{
			ID:        string(rune('a' + i)),
			Direction: callstate.DirectionOutgoing,
			State:     callstate.StateInitiating,
			Line:      n,
		})
	}

	_, err := pool.Allocate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, callstate.ErrNoFreeLine))
}

// TestLinePoolSelect проверяет переключение выбранной линии.
func TestLinePoolSelect(t *testing.T) {
	pool := callstate.NewLinePool()
	assert.Equal(t, 1, pool.Selected())

	require.NoError(t, pool.Select(2))
	assert.Equal(t, 2, pool.Selected())

	assert.ErrorIs(t, pool.Select(0), callstate.ErrInvalidLine)
	assert.ErrorIs(t, pool.Select(callstate.NumLines+1), callstate.ErrInvalidLine)
	assert.Equal(t, 2, pool.Selected(), "failed select must not move the pointer")
}

// TestLineReleaseLeavesNoResidue проверяет, что освобождение линии не
// оставляет кэша информации о вызове.
func TestLineReleaseLeavesNoResidue(t *testing.T) {
	pool := callstate.NewLinePool()
	reg := callstate.NewRegistry(pool, nil)

	reg.AddSession(&callstate.Session{
		ID:         "s1",
		Direction:  callstate.DirectionIncoming,
		Target:     "1001",
		RemoteName: "Alice",
		State:      callstate.StateRinging,
		Line:       2,
	})

	ln, ok := pool.Get(2)
	require.True(t, ok)
	assert.Equal(t, "1001", ln.Caller.Number)
	assert.Equal(t, callstate.LineRinging, ln.State)

	reg.RemoveSession("s1")

	ln, ok = pool.Get(2)
	require.True(t, ok)
	assert.Equal(t, callstate.LineIdle, ln.State)
	assert.Empty(t, ln.SessionID)
	assert.Empty(t, ln.Caller.Number)
	assert.Empty(t, ln.Caller.Name)
}

// TestLineStateDerivation проверяет отображение состояний сессии в
// состояния линии.
func TestLineStateDerivation(t *testing.T) {
	pool := callstate.NewLinePool()
	reg := callstate.NewRegistry(pool, nil)

	reg.AddSession(&callstate.Session{
		ID:        "s1",
		Direction: callstate.DirectionOutgoing,
		Target:    "2002",
		State:     callstate.StateInitiating,
		Line:      1,
	})

	line := func() callstate.Line {
		ln, _ := pool.Get(1)
		return ln
	}
	assert.Equal(t, callstate.LineDialing, line().State)

	st := callstate.StateRinging
	reg.UpdateSession("s1", callstate.SessionUpdate{State: &st})
	assert.Equal(t, callstate.LineRinging, line().State)

	st = callstate.StateEstablished
	reg.UpdateSession("s1", callstate.SessionUpdate{State: &st})
	assert.Equal(t, callstate.LineActive, line().State)

	hold := true
	reg.UpdateSession("s1", callstate.SessionUpdate{OnHold: &hold})
	assert.Equal(t, callstate.LineHold, line().State)

	hold = false
	reg.UpdateSession("s1", callstate.SessionUpdate{OnHold: &hold})
	assert.Equal(t, callstate.LineActive, line().State)

	st = callstate.StateTerminated
	reg.UpdateSession("s1", callstate.SessionUpdate{State: &st})
	assert.Equal(t, callstate.LineIdle, line().State)
}

// TestCallerInfoCachePersists проверяет, что пустые поля обновления не
// затирают кэш информации о вызове на линии.
func TestCallerInfoCachePersists(t *testing.T) {
	pool := callstate.NewLinePool()
	reg := callstate.NewRegistry(pool, nil)

	reg.AddSession(&callstate.Session{
		ID:         "s1",
		Direction:  callstate.DirectionIncoming,
		Target:     "1001",
		RemoteName: "Alice",
		State:      callstate.StateRinging,
		Line:       1,
	})

	st := callstate.StateEstablished
	reg.UpdateSession("s1", callstate.SessionUpdate{State: &st})

	ln, _ := pool.Get(1)
	assert.Equal(t, "1001", ln.Caller.Number)
	assert.Equal(t, "Alice", ln.Caller.Name)
	assert.Equal(t, callstate.DirectionIncoming, ln.Caller.Direction)
}
