package softphone

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/phone_core/pkg/callstate"
	"github.com/arzzra/phone_core/pkg/presence"
	"github.com/arzzra/phone_core/pkg/transfer"
)

// Config конфигурация фасада.
type Config struct {
	// Signaler сигнальный слой. Обязателен.
	Signaler Signaler
	// Logger опциональный логгер; nil - slog.Default().
	Logger *slog.Logger
	// TransferGrace льготное окно фазы failed перевода;
	// 0 - transfer.DefaultGracePeriod.
	TransferGrace time.Duration
}

// Phone фасад ядра: реестр сессий, пул линий, переводы, присутствие.
//
// Живёт от логина до логаута. Все мутации проходят через команды и
// Dispatch; читатели получают копии.
type Phone struct {
	sig       Signaler
	registry  *callstate.Registry
	lines     *callstate.LinePool
	transfers *transfer.Orchestrator
	tracker   *presence.Tracker
	subs      *presence.Manager
	log       *slog.Logger

	mu        sync.Mutex
	onOutcome func(TransferOutcomeEvent)
}

// New собирает фасад из компонентов ядра.
func New(cfg Config) (*Phone, error) {
	if cfg.Signaler == nil {
		return nil, &callstate.CoreError{
			Code:      "NO_SIGNALER",
			Message:   "signaler is required",
			Category:  callstate.ErrorCategoryState,
			Severity:  callstate.ErrorSeverityError,
			Timestamp: time.Now(),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lines := callstate.NewLinePool()
	registry := callstate.NewRegistry(lines, logger)
	tracker := presence.NewTracker(logger)

	p := &Phone{
		sig:      cfg.Signaler,
		registry: registry,
		lines:    lines,
		tracker:  tracker,
		log:      logger.With("component", "softphone"),
	}
	p.transfers = transfer.New(
		transferSignaling{cfg.Signaler},
		consultationDialer{p},
		registry,
		cfg.TransferGrace,
		logger,
	)
	p.subs = presence.NewManager(presenceSubscriber{cfg.Signaler}, tracker, logger)
	return p, nil
}

// transferSignaling сужает Signaler до команд оркестратора переводов.
type transferSignaling struct{ sig Signaler }

func (t transferSignaling) BlindTransfer(ctx context.Context, sourceID, target string) error {
	return t.sig.BlindTransfer(ctx, sourceID, target)
}

func (t transferSignaling) CompleteAttendedTransfer(ctx context.Context, sourceID, consultationID string) error {
	return t.sig.CompleteAttendedTransfer(ctx, sourceID, consultationID)
}

func (t transferSignaling) Hangup(ctx context.Context, sessionID string) error {
	return t.sig.Hangup(ctx, sessionID)
}

// consultationDialer создает консультационную сессию обычным путём
// набора, потребляя линию из общего пула.
type consultationDialer struct{ p *Phone }

func (d consultationDialer) DialConsultation(ctx context.Context, target string) (callstate.Session, error) {
	return d.p.Dial(ctx, target, "")
}

// presenceSubscriber сужает Signaler до команд подписки.
type presenceSubscriber struct{ sig Signaler }

func (s presenceSubscriber) SubscribePresence(ctx context.Context, ext string) error {
	return s.sig.SubscribePresence(ctx, ext)
}

func (s presenceSubscriber) UnsubscribePresence(ctx context.Context, ext string) error {
	return s.sig.UnsubscribePresence(ctx, ext)
}

// --- Команды ---

// Dial начинает исходящий вызов. Линия выделяется first-fit среди
// свободных; при полном пуле команда отклоняется ошибкой занятости,
// без постановки в очередь.
func (p *Phone) Dial(ctx context.Context, target, displayName string) (callstate.Session, error) {
	line, err := p.lines.Allocate()
	if err != nil {
		p.log.Warn("dial rejected, no free line", "target", target)
		return callstate.Session{}, callstate.NewCapacityError()
	}

	s := &callstate.Session{
		ID:         uuid.NewString(),
		Direction:  callstate.DirectionOutgoing,
		Target:     target,
		RemoteName: displayName,
		State:      callstate.StateInitiating,
		Line:       line,
		StartTime:  time.Now(),
	}
	p.registry.AddSession(s)
	if !p.registry.Has(s.ID) {
		// Линию успели занять между Allocate и AddSession.
		return callstate.Session{}, callstate.ErrLineBusy
	}

	if err := p.sig.Dial(ctx, s.ID, target); err != nil {
		p.registry.RemoveSession(s.ID)
		return callstate.Session{}, err
	}
	return *s, nil
}

// Hangup завершает сессию. Само удаление произойдёт по событию
// terminated от сигнального слоя.
func (p *Phone) Hangup(ctx context.Context, sessionID string) error {
	if !p.registry.Has(sessionID) {
		return callstate.ErrUnknownSession
	}
	return p.sig.Hangup(ctx, sessionID)
}

// Answer принимает входящую сессию в состоянии ringing.
func (p *Phone) Answer(ctx context.Context, sessionID string) error {
	s, ok := p.registry.Session(sessionID)
	if !ok {
		return callstate.ErrUnknownSession
	}
	if s.Direction != callstate.DirectionIncoming || s.State != callstate.StateRinging {
		return callstate.ErrUnknownSession
	}
	return p.sig.Answer(ctx, sessionID)
}

// Reject отклоняет входящую сессию.
func (p *Phone) Reject(ctx context.Context, sessionID string) error {
	if !p.registry.Has(sessionID) {
		return callstate.ErrUnknownSession
	}
	return p.sig.Reject(ctx, sessionID)
}

// Hold ставит установленную сессию на удержание. Флаг на сессии
// изменится по событию от сигнального слоя, не здесь.
func (p *Phone) Hold(ctx context.Context, sessionID string) error {
	s, ok := p.registry.Session(sessionID)
	if !ok || s.State != callstate.StateEstablished {
		return callstate.ErrUnknownSession
	}
	return p.sig.Hold(ctx, sessionID)
}

// Unhold снимает сессию с удержания.
func (p *Phone) Unhold(ctx context.Context, sessionID string) error {
	s, ok := p.registry.Session(sessionID)
	if !ok || s.State != callstate.StateEstablished {
		return callstate.ErrUnknownSession
	}
	return p.sig.Unhold(ctx, sessionID)
}

// SelectLine переключает выбранную линию. Сессии не двигаются.
func (p *Phone) SelectLine(n int) error {
	return p.lines.Select(n)
}

// BlindTransfer слепой перевод сессии на target.
func (p *Phone) BlindTransfer(ctx context.Context, sessionID, target string) error {
	return p.transfers.Blind(ctx, sessionID, target)
}

// StartAttendedTransfer начинает сопровождаемый перевод.
func (p *Phone) StartAttendedTransfer(ctx context.Context, sessionID, target string) error {
	return p.transfers.StartAttended(ctx, sessionID, target)
}

// CompleteAttendedTransfer завершает сопровождаемый перевод.
func (p *Phone) CompleteAttendedTransfer(ctx context.Context, sessionID string) error {
	return p.transfers.Complete(ctx, sessionID)
}

// CancelAttendedTransfer отменяет сопровождаемый перевод.
func (p *Phone) CancelAttendedTransfer(ctx context.Context, sessionID string) error {
	return p.transfers.Cancel(ctx, sessionID)
}

// RecomputePresence приводит подписки присутствия к набору номеров,
// настроенных для отображения, с учётом активности поверхности.
func (p *Phone) RecomputePresence(ctx context.Context, extensions []string, surfaceActive bool) {
	p.subs.Recompute(ctx, extensions, surfaceActive)
}

// --- Чтение ---

// CurrentSession сессия на выбранной линии.
func (p *Phone) CurrentSession() (callstate.Session, bool) {
	return p.registry.CurrentSession()
}

// SessionByLine сессия на линии n.
func (p *Phone) SessionByLine(n int) (callstate.Session, bool) {
	return p.registry.SessionByLine(n)
}

// IncomingSession любая входящая сессия в ringing.
func (p *Phone) IncomingSession() (callstate.Session, bool) {
	return p.registry.IncomingSession()
}

// Lines снимок всех линий.
func (p *Phone) Lines() []callstate.Line {
	return p.lines.Snapshot()
}

// SelectedLine номер выбранной линии.
func (p *Phone) SelectedLine() int {
	return p.lines.Selected()
}

// Presence снимок состояний наблюдаемых номеров.
func (p *Phone) Presence() map[string]presence.State {
	return p.tracker.Snapshot()
}

// TransferPhase фаза попытки перевода для исходной сессии.
func (p *Phone) TransferPhase(sourceID string) string {
	return p.transfers.Phase(sourceID)
}

// TransferAttempt снимок попытки перевода.
func (p *Phone) TransferAttempt(sourceID string) (transfer.Attempt, bool) {
	return p.transfers.Attempt(sourceID)
}

// Registry даёт доступ к реестру для чтения (история, нотификации).
func (p *Phone) Registry() *callstate.Registry {
	return p.registry
}

// OnTransferOutcome регистрирует колбэк исходов переводов. UI слепого
// перевода закрывается по нему, а не по возврату команды.
func (p *Phone) OnTransferOutcome(fn func(TransferOutcomeEvent)) {
	p.mu.Lock()
	p.onOutcome = fn
	p.mu.Unlock()
}

// OnTransferPhase регистрирует колбэк смены фазы перевода.
func (p *Phone) OnTransferPhase(fn func(sourceID, phase, reason string)) {
	p.transfers.OnPhaseChange(fn)
}

// --- События ---

// Dispatch синхронно применяет одно событие сигнального слоя.
// Вся мутация ядра централизована здесь и в командах.
func (p *Phone) Dispatch(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case SessionEvent:
		p.applySessionEvent(ctx, e)
	case TransferOutcomeEvent:
		p.transfers.HandleOutcome(e.SourceID, e.Mode, e.Success, e.Reason)
		p.mu.Lock()
		fn := p.onOutcome
		p.mu.Unlock()
		if fn != nil {
			fn(e)
		}
	case PresenceEvent:
		p.tracker.Update(e.Extension, e.State)
	case RegistrationLostEvent:
		p.log.Warn("registration lost", "reason", e.Reason)
		p.subs.Teardown()
		p.transfers.AbortAll()
	default:
		p.log.Warn("unknown event type ignored")
	}
}

// Run потребляет события из канала до отмены контекста или закрытия
// канала. Один цикл - один диспетчер: параллельного применения нет.
func (p *Phone) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Dispatch(ctx, ev)
		}
	}
}

func (p *Phone) applySessionEvent(ctx context.Context, e SessionEvent) {
	if p.registry.Has(e.ID) {
		// Хуки переводов раньше мутации реестра: terminated удалит
		// сессию, а оркестратору нужен её id.
		switch e.State {
		case callstate.StateEstablished:
			p.transfers.OnConsultationAnswered(e.ID)
		case callstate.StateTerminated:
			p.transfers.OnSessionTerminated(e.ID, e.Reason)
		}

		upd := callstate.SessionUpdate{}
		if e.State != "" {
			st := e.State
			upd.State = &st
		}
		if e.OnHold != nil {
			upd.OnHold = e.OnHold
		}
		if e.Remote != "" {
			remote := e.Remote
			upd.Target = &remote
		}
		if e.RemoteName != "" {
			name := e.RemoteName
			upd.RemoteName = &name
		}
		if !e.AnswerTime.IsZero() {
			at := e.AnswerTime
			upd.AnswerTime = &at
		}
		p.registry.UpdateSession(e.ID, upd)
		return
	}

	// Неизвестный id: входящий invite создаёт сессию, всё остальное -
	// запоздавшие события уже снесённой сессии.
	if e.Direction == callstate.DirectionIncoming && e.State == callstate.StateRinging {
		line, err := p.lines.Allocate()
		if err != nil {
			p.log.Warn("incoming call rejected, no free line",
				"session_id", e.ID, "remote", e.Remote)
			if rerr := p.sig.Reject(ctx, e.ID); rerr != nil {
				p.log.Error("busy reject failed", "session_id", e.ID, "error", rerr)
			}
			return
		}
		p.registry.AddSession(&callstate.Session{
			ID:         e.ID,
			Direction:  callstate.DirectionIncoming,
			Target:     e.Remote,
			RemoteName: e.RemoteName,
			State:      callstate.StateRinging,
			Line:       line,
			StartTime:  time.Now(),
		})
		return
	}
	p.log.Debug("event for unknown session ignored", "session_id", e.ID, "state", e.State)
}
