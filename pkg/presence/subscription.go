package presence

import (
	"context"
	"log/slog"
	"sync"
)

// Subscriber команды подписки, уходящие в сигнальный слой.
// Повторная подписка на уже подписанный номер безвредна.
type Subscriber interface {
	SubscribePresence(ctx context.Context, extension string) error
	UnsubscribePresence(ctx context.Context, extension string) error
}

// Manager решает, какие подписки должны быть активны, исходя из
// набора "интересных" номеров и активности поверхности набора.
//
// Пересчёт идемпотентен и работает по разности множеств: если желаемый
// набор не изменился, команды не выдаются вовсе - никакого дёргания
// subscribe/unsubscribe на каждый рендер.
type Manager struct {
	mu         sync.Mutex
	subscriber Subscriber
	tracker    *Tracker
	subscribed map[string]struct{}
	log        *slog.Logger
}

// NewManager создает менеджер подписок поверх трекера.
func NewManager(subscriber Subscriber, tracker *Tracker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		subscriber: subscriber,
		tracker:    tracker,
		subscribed: make(map[string]struct{}),
		log:        logger.With("component", "presence_subs"),
	}
}

// Recompute приводит активные подписки к желаемому набору.
//
// Желаемый набор - настроенные для отображения номера, и только пока
// поверхность с ними активна. Ошибка подписки не фатальна: номер не
// попадает в учтённые и будет повторён на следующем пересчёте.
// Ошибка отписки тоже не фатальна, но локальный учёт и запись трекера
// снимаются сразу - удалённый ресурс мог уже умереть.
func (m *Manager) Recompute(ctx context.Context, extensions []string, surfaceActive bool) {
	wanted := make(map[string]struct{})
	if surfaceActive {
		for _, ext := range extensions {
			if ext != "" {
				wanted[ext] = struct{}{}
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if setsEqual(wanted, m.subscribed) {
		return
	}

	for ext := range m.subscribed {
		if _, keep := wanted[ext]; keep {
			continue
		}
		if err := m.subscriber.UnsubscribePresence(ctx, ext); err != nil {
			m.log.Warn("unsubscribe failed", "extension", ext, "error", err)
		}
		delete(m.subscribed, ext)
		m.tracker.Remove(ext)
	}

	for ext := range wanted {
		if _, have := m.subscribed[ext]; have {
			continue
		}
		if err := m.subscriber.SubscribePresence(ctx, ext); err != nil {
			// Повторим на следующем пересчёте.
			m.log.Warn("subscribe failed, will retry", "extension", ext, "error", err)
			continue
		}
		m.subscribed[ext] = struct{}{}
	}
}

// Teardown локально снимает все подписки и атомарно чистит трекер.
// Команд отписки не выдаётся: вызывается при сбросе транспорта, когда
// подтверждениям доверять нельзя.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.subscribed = make(map[string]struct{})
	m.mu.Unlock()
	m.tracker.ResetAll()
}

// Subscribed снимок учтённых подписок.
func (m *Manager) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribed))
	for ext := range m.subscribed {
		out = append(out, ext)
	}
	return out
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
