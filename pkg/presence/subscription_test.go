package presence_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phone_core/pkg/presence"
)

// fakeSubscriber считает команды подписки и умеет отказывать по
// конкретным номерам.
type fakeSubscriber struct {
	mu         sync.Mutex
	subscribes []string
	unsubs     []string
	failing    map[string]error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{failing: make(map[string]error)}
}

func (f *fakeSubscriber) SubscribePresence(_ context.Context, ext string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing[ext]; err != nil {
		return err
	}
	f.subscribes = append(f.subscribes, ext)
	return nil
}

func (f *fakeSubscriber) UnsubscribePresence(_ context.Context, ext string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, ext)
	return nil
}

func (f *fakeSubscriber) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes), len(f.unsubs)
}

// TestRecomputeSubscribesWanted проверяет подписку на желаемый набор.
func TestRecomputeSubscribesWanted(t *testing.T) {
	sub := newFakeSubscriber()
	m := presence.NewManager(sub, presence.NewTracker(nil), nil)
	ctx := context.Background()

	m.Recompute(ctx, []string{"101", "102"}, true)

	assert.ElementsMatch(t, []string{"101", "102"}, m.Subscribed())
	nSub, nUnsub := sub.counts()
	assert.Equal(t, 2, nSub)
	assert.Zero(t, nUnsub)
}

// TestRecomputeIsIdempotent проверяет отсутствие дёргания при
// неизменном наборе.
func TestRecomputeIsIdempotent(t *testing.T) {
	sub := newFakeSubscriber()
	m := presence.NewManager(sub, presence.NewTracker(nil), nil)
	ctx := context.Background()

	m.Recompute(ctx, []string{"101", "102"}, true)
	for i := 0; i < 10; i++ {
		m.Recompute(ctx, []string{"102", "101"}, true) // порядок не важен
	}

	nSub, nUnsub := sub.counts()
	assert.Equal(t, 2, nSub, "no churn on unchanged set")
	assert.Zero(t, nUnsub)
}

// TestRecomputeDiff проверяет подписку/отписку по разности множеств.
func TestRecomputeDiff(t *testing.T) {
	sub := newFakeSubscriber()
	tr := presence.NewTracker(nil)
	m := presence.NewManager(sub, tr, nil)
	ctx := context.Background()

	m.Recompute(ctx, []string{"101", "102"}, true)
	tr.Update("101", "busy")
	tr.Update("102", "idle")

	m.Recompute(ctx, []string{"102", "103"}, true)

	assert.ElementsMatch(t, []string{"102", "103"}, m.Subscribed())
	sub.mu.Lock()
	assert.Equal(t, []string{"101"}, sub.unsubs)
	sub.mu.Unlock()

	// Запись отписанного номера удалена, остальное на месте
	_, ok := tr.Get("101")
	assert.False(t, ok)
	st, _ := tr.Get("102")
	assert.Equal(t, presence.State("idle"), st)
}

// TestRecomputeInactiveSurface проверяет снятие всех подписок при
// неактивной поверхности набора.
func TestRecomputeInactiveSurface(t *testing.T) {
	sub := newFakeSubscriber()
	m := presence.NewManager(sub, presence.NewTracker(nil), nil)
	ctx := context.Background()

	m.Recompute(ctx, []string{"101", "102"}, true)
	m.Recompute(ctx, []string{"101", "102"}, false)

	assert.Empty(t, m.Subscribed())
	_, nUnsub := sub.counts()
	assert.Equal(t, 2, nUnsub)
}

// TestFailedSubscribeRetriedNextPass проверяет оппортунистический
// повтор неудачной подписки.
func TestFailedSubscribeRetriedNextPass(t *testing.T) {
	sub := newFakeSubscriber()
	sub.failing["102"] = errors.New("407 Proxy Authentication Required")
	m := presence.NewManager(sub, presence.NewTracker(nil), nil)
	ctx := context.Background()

	m.Recompute(ctx, []string{"101", "102"}, true)
	assert.ElementsMatch(t, []string{"101"}, m.Subscribed())

	// Ошибка ушла - следующий пересчёт добирает номер
	sub.mu.Lock()
	delete(sub.failing, "102")
	sub.mu.Unlock()

	m.Recompute(ctx, []string{"101", "102"}, true)
	assert.ElementsMatch(t, []string{"101", "102"}, m.Subscribed())
}

// TestTeardownClearsEverything проверяет полный снос без команд
// отписки.
func TestTeardownClearsEverything(t *testing.T) {
	sub := newFakeSubscriber()
	tr := presence.NewTracker(nil)
	m := presence.NewManager(sub, tr, nil)
	ctx := context.Background()

	m.Recompute(ctx, []string{"101", "102"}, true)
	tr.Update("101", "busy")

	m.Teardown()

	require.Empty(t, m.Subscribed())
	require.Empty(t, tr.Snapshot())
	_, nUnsub := sub.counts()
	assert.Zero(t, nUnsub, "no unsubscribe commands across a transport reset")

	// После сноса пересчёт подписывает заново
	m.Recompute(ctx, []string{"101"}, true)
	assert.ElementsMatch(t, []string{"101"}, m.Subscribed())
}
