package callstate

import (
	"log/slog"
	"sync"
	"time"
)

// Registry единственный источник истины обо всех активных сессиях.
//
// Владеет пулом линий: привязка, перевычисление производного состояния
// и освобождение линии выполняются реестром при каждой мутации сессии.
// Создаётся на время прикладной сессии (login/logout), а не процесса.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	lines     *LinePool
	validator *StateValidator
	log       *slog.Logger
}

// NewRegistry создает пустой реестр поверх пула линий.
func NewRegistry(lines *LinePool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		lines:     lines,
		validator: NewStateValidator(),
		log:       logger.With("component", "callstate"),
	}
}

// Lines пул линий, которым владеет реестр.
func (r *Registry) Lines() *LinePool {
	return r.lines
}

// AddSession вставляет сессию в реестр и привязывает её к объявленной
// линии. Если линия уже занята, это баг вызывающей стороны: сессия не
// добавляется, существующее состояние не искажается, ошибка только
// логируется.
func (r *Registry) AddSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		r.log.Warn("session already registered, ignoring add", "session_id", s.ID)
		return
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now()
	}
	if err := r.lines.bind(s.Line, s); err != nil {
		r.log.Error("cannot bind session to line",
			"session_id", s.ID, "line", s.Line, "error", err)
		return
	}
	r.sessions[s.ID] = s

	activeSessions.Set(float64(len(r.sessions)))
	sessionsTotal.WithLabelValues(string(s.Direction)).Inc()
	r.log.Info("session added",
		"session_id", s.ID, "line", s.Line,
		"direction", s.Direction, "state", s.State)
}

// UpdateSession вливает частичное обновление в существующую сессию и
// перевычисляет состояние линии. Неизвестный id - no-op: сессия могла
// быть уже снесена гонкой с событием завершения.
//
// Переход в Terminated эквивалентен удалению: Terminated поглощающее,
// сессия убирается из реестра, линия освобождается.
func (r *Registry) UpdateSession(id string, upd SessionUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		r.log.Debug("update for unknown session, ignoring", "session_id", id)
		return
	}

	if upd.State != nil {
		if !r.validator.IsValidTransition(s.State, *upd.State) {
			r.log.Warn("invalid state transition, ignoring",
				"session_id", id, "from", s.State, "to", *upd.State)
			return
		}
		if *upd.State == StateTerminated {
			r.removeLocked(id)
			return
		}
		if *upd.State == StateEstablished && s.AnswerTime.IsZero() && upd.AnswerTime == nil {
			s.AnswerTime = time.Now()
		}
	}

	upd.apply(s)
	r.lines.refresh(s)
}

// RemoveSession удаляет сессию и безусловно сбрасывает её линию в
// idle. Неизвестный id - no-op.
func (r *Registry) RemoveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	r.lines.release(s.Line)
	activeSessions.Set(float64(len(r.sessions)))
	r.log.Info("session removed", "session_id", id, "line", s.Line)
}

// Session копия сессии по id.
func (r *Registry) Session(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return *s, true
	}
	return Session{}, false
}

// Has сообщает, известен ли реестру id сессии.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// SessionByLine сессия, привязанная к линии n.
func (r *Registry) SessionByLine(n int) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Line == n {
			return *s, true
		}
	}
	return Session{}, false
}

// CurrentSession сессия на выбранной линии. Если линия свободна,
// возвращает false - это штатная ситуация, не ошибка.
func (r *Registry) CurrentSession() (Session, bool) {
	return r.SessionByLine(r.lines.Selected())
}

// IncomingSession любая входящая сессия в состоянии ringing.
func (r *Registry) IncomingSession() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Direction == DirectionIncoming && s.State == StateRinging {
			return *s, true
		}
	}
	return Session{}, false
}

// Count число активных сессий.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions копии всех сессий. Порядок не имеет семантики.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}
