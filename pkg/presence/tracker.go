// Package presence ведёт живое состояние наблюдаемых добавочных
// номеров (BLF) и решает, какие подписки должны существовать прямо
// сейчас.
//
// Состояние добавочного номера непрозрачно: словарь значений задаёт
// сигнальный слой, ядро лишь хранит последнее значение. Отсутствие
// записи означает "неизвестно/не подписаны" - представление обязано
// рисовать нейтральный индикатор, а не "свободен".
package presence

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State непрозрачное состояние добавочного номера, как его сообщил
// сигнальный слой (обычно inactive/idle/ringing/busy).
type State string

var presenceEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "softphone_presence_entries",
	Help: "Number of extensions with a known presence state",
})

// Tracker карта добавочный номер -> состояние, last-write-wins.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]State
	log     *slog.Logger
}

// NewTracker создает пустой трекер.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries: make(map[string]State),
		log:     logger.With("component", "presence"),
	}
}

// Update применяет уведомление о присутствии. Последняя запись по
// номеру выигрывает.
func (t *Tracker) Update(extension string, state State) {
	t.mu.Lock()
	t.entries[extension] = state
	presenceEntries.Set(float64(len(t.entries)))
	t.mu.Unlock()
	t.log.Debug("presence updated", "extension", extension, "state", state)
}

// Remove убирает запись номера (явная отписка).
func (t *Tracker) Remove(extension string) {
	t.mu.Lock()
	delete(t.entries, extension)
	presenceEntries.Set(float64(len(t.entries)))
	t.mu.Unlock()
}

// Get состояние номера. Второе значение false - состояние неизвестно.
func (t *Tracker) Get(extension string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.entries[extension]
	return s, ok
}

// Snapshot копия всех записей для слоя представления.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]State, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// ResetAll атомарно очищает все записи. Используется при полном сносе
// (потеря регистрации): пер-номерные подтверждения отписки через
// сброшенный транспорт не приходят, частичной карты остаться не
// должно.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	n := len(t.entries)
	t.entries = make(map[string]State)
	presenceEntries.Set(0)
	t.mu.Unlock()
	if n > 0 {
		t.log.Info("presence state cleared", "entries", n)
	}
}
