package softphone

import (
	"time"

	"github.com/arzzra/phone_core/pkg/callstate"
	"github.com/arzzra/phone_core/pkg/presence"
	"github.com/arzzra/phone_core/pkg/transfer"
)

// Event входящее событие сигнального слоя. Закрытое множество
// вариантов; каждый применяется диспетчером синхронно и целиком.
//
// Гарантии упорядочивания: события одной сессии приходят в причинном
// порядке, между сессиями порядка нет. Дубликаты и запоздавшие
// события допустимы - применение обязано быть идемпотентным.
type Event interface {
	isEvent()
}

// SessionEvent смена жизненного цикла одной сессии.
//
// Для неизвестного id с Direction=incoming и State=ringing создаёт
// сессию (входящий вызов); для известного - частичное обновление.
// State=terminated удаляет сессию и освобождает линию; последующие
// события этого id игнорируются.
type SessionEvent struct {
	ID         string
	State      callstate.SessionState
	Direction  callstate.Direction
	Remote     string
	RemoteName string
	OnHold     *bool
	AnswerTime time.Time
	Reason     string
}

func (SessionEvent) isEvent() {}

// TransferOutcomeEvent именованный исход перевода: успех/провал,
// опционально цель и человекочитаемая причина от сигнального слоя.
type TransferOutcomeEvent struct {
	SourceID string
	Mode     transfer.Mode
	Success  bool
	Target   string
	Reason   string
}

func (TransferOutcomeEvent) isEvent() {}

// PresenceEvent уведомление о состоянии наблюдаемого номера.
type PresenceEvent struct {
	Extension string
	State     presence.State
}

func (PresenceEvent) isEvent() {}

// RegistrationLostEvent потеря регистрации: полный снос присутствия и
// локальный сброс всех попыток перевода.
type RegistrationLostEvent struct {
	Reason string
}

func (RegistrationLostEvent) isEvent() {}
