package callstate

import (
	"sync"
	"time"
)

// SessionState состояние сессии в её жизненном цикле.
//
// Исходящие сессии проходят initiating -> dialing/connecting -> established,
// входящие начинают с ringing. Hold моделируется флагом на установленной
// сессии, а не отдельным состоянием: вызов остаётся адресуемым и может
// быть возобновлён. Terminated - терминальное, поглощающее состояние.
type SessionState string

const (
	StateInitiating  SessionState = "initiating"
	StateDialing     SessionState = "dialing"
	StateConnecting  SessionState = "connecting"
	StateRinging     SessionState = "ringing"
	StateEstablished SessionState = "established"
	StateTerminated  SessionState = "terminated"
)

// Direction направление сессии.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// maxSaneDuration верхняя граница любой вычисляемой длительности.
// Значения сверх неё считаются следствием сдвига часов или битых
// временных меток и отбрасываются.
const maxSaneDuration = 24 * time.Hour

// Session одна попытка вызова, входящая или исходящая.
//
// Идентификатор непрозрачен и стабилен на всё время жизни сессии.
// AnswerTime заполняется в момент ответа удалённой стороны и отличается
// от StartTime: первый используется для таймера разговора, второй -
// для таймера дозвона.
type Session struct {
	ID         string
	Direction  Direction
	Target     string
	RemoteName string
	State      SessionState
	OnHold     bool
	Line       int
	StartTime  time.Time
	AnswerTime time.Time
}

// RingDuration длительность дозвона на момент now.
//
// Накапливается только пока входящая сессия находится в ringing.
// Для всех остальных комбинаций возвращает 0.
func (s *Session) RingDuration(now time.Time) time.Duration {
	if s.Direction != DirectionIncoming || s.State != StateRinging {
		return 0
	}
	return clampDuration(now.Sub(s.StartTime))
}

// TalkDuration длительность разговора на момент now.
//
// Отсчитывается от AnswerTime и не останавливается на hold:
// удержание вызова не пауза разговора с точки зрения биллинга и
// истории. До ответа удалённой стороны возвращает 0.
func (s *Session) TalkDuration(now time.Time) time.Duration {
	if s.State != StateEstablished || s.AnswerTime.IsZero() {
		return 0
	}
	return clampDuration(now.Sub(s.AnswerTime))
}

// clampDuration отбрасывает отрицательные и абсурдно большие значения.
func clampDuration(d time.Duration) time.Duration {
	if d < 0 || d > maxSaneDuration {
		return 0
	}
	return d
}

// SessionUpdate частичное обновление полей сессии. Нулевые указатели
// означают "поле не менять".
type SessionUpdate struct {
	State      *SessionState
	OnHold     *bool
	Target     *string
	RemoteName *string
	AnswerTime *time.Time
}

// apply вливает непустые поля обновления в сессию.
func (u SessionUpdate) apply(s *Session) {
	if u.State != nil {
		s.State = *u.State
	}
	if u.OnHold != nil {
		s.OnHold = *u.OnHold
	}
	if u.Target != nil && *u.Target != "" {
		s.Target = *u.Target
	}
	if u.RemoteName != nil && *u.RemoteName != "" {
		s.RemoteName = *u.RemoteName
	}
	if u.AnswerTime != nil && !u.AnswerTime.IsZero() {
		s.AnswerTime = *u.AnswerTime
	}
}

// StateValidator валидирует переходы состояний сессии по матрице
// допустимых переходов.
type StateValidator struct {
	mu               sync.RWMutex
	validTransitions map[SessionState]map[SessionState]bool
}

// NewStateValidator создает валидатор с матрицей переходов ядра.
func NewStateValidator() *StateValidator {
	sv := &StateValidator{
		validTransitions: make(map[SessionState]map[SessionState]bool),
	}
	sv.initValidTransitions()
	return sv
}

func (sv *StateValidator) initValidTransitions() {
	// Исходящая ветка
	sv.addTransition(StateInitiating, StateDialing)
	sv.addTransition(StateInitiating, StateConnecting)
	sv.addTransition(StateInitiating, StateRinging)
	sv.addTransition(StateInitiating, StateEstablished)
	sv.addTransition(StateInitiating, StateTerminated)

	sv.addTransition(StateDialing, StateConnecting)
	sv.addTransition(StateDialing, StateRinging)
	sv.addTransition(StateDialing, StateEstablished)
	sv.addTransition(StateDialing, StateTerminated)

	sv.addTransition(StateConnecting, StateRinging)
	sv.addTransition(StateConnecting, StateEstablished)
	sv.addTransition(StateConnecting, StateTerminated)

	// Входящая ветка начинается с ringing
	sv.addTransition(StateRinging, StateEstablished)
	sv.addTransition(StateRinging, StateTerminated)

	sv.addTransition(StateEstablished, StateTerminated)

	// Из Terminated переходов нет - состояние поглощающее.
}

func (sv *StateValidator) addTransition(from, to SessionState) {
	if sv.validTransitions[from] == nil {
		sv.validTransitions[from] = make(map[SessionState]bool)
	}
	sv.validTransitions[from][to] = true
}

// IsValidTransition проверяет допустимость перехода from -> to.
// Переход в то же состояние допустим (повторная доставка события).
func (sv *StateValidator) IsValidTransition(from, to SessionState) bool {
	if from == to {
		return true
	}
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.validTransitions[from][to]
}
