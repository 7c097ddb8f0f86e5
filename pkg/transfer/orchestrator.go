// Package transfer реализует оркестрацию переводов вызова: слепой
// (одна команда, результат приходит событием) и сопровождаемый
// (консультационный вызов, затем подтверждение или отмена).
//
// Оркестратор держит по одной активной попытке на исходную сессию и
// слоем выше реестра сессий наблюдает за судьбой консультационной
// сессии. Сам он сессии не мутирует - только выдаёт команды
// сигнальному слою и ведёт фазу попытки.
package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/phone_core/pkg/callstate"
)

// Mode режим перевода.
type Mode string

const (
	ModeBlind    Mode = "blind"
	ModeAttended Mode = "attended"
)

// DefaultGracePeriod льготное окно, в течение которого фаза failed
// видна пользователю перед автоматическим возвратом в idle.
const DefaultGracePeriod = 3 * time.Second

// Signaling команды перевода, уходящие в сигнальный слой. Все
// асинхронны: успешный возврат означает лишь принятие команды.
type Signaling interface {
	BlindTransfer(ctx context.Context, sourceID, target string) error
	CompleteAttendedTransfer(ctx context.Context, sourceID, consultationID string) error
	Hangup(ctx context.Context, sessionID string) error
}

// ConsultationDialer создает исходящую консультационную сессию.
// Потребляет линию по обычному пути набора, поэтому может вернуть
// ошибку занятости всех линий.
type ConsultationDialer interface {
	DialConsultation(ctx context.Context, target string) (callstate.Session, error)
}

// Attempt снимок одной попытки перевода для слоя представления.
type Attempt struct {
	SourceID       string
	Target         string
	Mode           Mode
	Phase          string
	ConsultationID string
	Reason         string
}

type attempt struct {
	sourceID       string
	target         string
	mode           Mode
	consultationID string
	reason         string
	machine        *fsm.FSM
	grace          *time.Timer
}

// Orchestrator машина попыток перевода поверх реестра сессий.
type Orchestrator struct {
	mu       sync.Mutex
	attempts map[string]*attempt // по id исходной сессии
	byConsul map[string]string   // id консультации -> id исходной сессии

	sig      Signaling
	dialer   ConsultationDialer
	registry *callstate.Registry
	grace    time.Duration
	log      *slog.Logger

	// onPhase уведомляет подписчика о смене фазы попытки.
	onPhase func(sourceID, phase, reason string)
}

// New создает оркестратор. gracePeriod <= 0 заменяется на
// DefaultGracePeriod.
func New(sig Signaling, dialer ConsultationDialer, registry *callstate.Registry, gracePeriod time.Duration, logger *slog.Logger) *Orchestrator {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		attempts: make(map[string]*attempt),
		byConsul: make(map[string]string),
		sig:      sig,
		dialer:   dialer,
		registry: registry,
		grace:    gracePeriod,
		log:      logger.With("component", "transfer"),
	}
}

// OnPhaseChange регистрирует колбэк смены фазы. Вызывается вне
// мьютекса оркестратора.
func (o *Orchestrator) OnPhaseChange(fn func(sourceID, phase, reason string)) {
	o.mu.Lock()
	o.onPhase = fn
	o.mu.Unlock()
}

// Phase текущая фаза попытки для исходной сессии. Отсутствие попытки
// эквивалентно idle.
func (o *Orchestrator) Phase(sourceID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.attempts[sourceID]; ok {
		return a.machine.Current()
	}
	return PhaseIdle
}

// Attempt снимок попытки для исходной сессии.
func (o *Orchestrator) Attempt(sourceID string) (Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[sourceID]
	if !ok {
		return Attempt{}, false
	}
	return Attempt{
		SourceID:       a.sourceID,
		Target:         a.target,
		Mode:           a.mode,
		Phase:          a.machine.Current(),
		ConsultationID: a.consultationID,
		Reason:         a.reason,
	}, true
}

// Blind выполняет слепой перевод исходной сессии на target.
//
// Промежуточного состояния нет: команда уходит в сигнальный слой, а
// результат придёт именованным событием исхода. UI закрывается только
// по этому событию, не по возврату команды.
func (o *Orchestrator) Blind(ctx context.Context, sourceID, target string) error {
	if !o.registry.Has(sourceID) {
		return callstate.ErrUnknownSession
	}
	if err := o.sig.BlindTransfer(ctx, sourceID, target); err != nil {
		transfersTotal.WithLabelValues(string(ModeBlind), "error").Inc()
		return callstate.NewTransferError("BLIND_SEND_FAILED", err.Error(), sourceID, err)
	}
	o.log.Info("blind transfer requested", "session_id", sourceID, "target", target)
	return nil
}

// StartAttended начинает сопровождаемый перевод: создаёт
// консультационную сессию к target и переводит попытку в consulting.
// Исходная сессия не трогается - удержание выполняет сигнальный слой.
//
// На одну исходную сессию допускается только одна активная попытка.
func (o *Orchestrator) StartAttended(ctx context.Context, sourceID, target string) error {
	if !o.registry.Has(sourceID) {
		return callstate.ErrUnknownSession
	}

	o.mu.Lock()
	if a, ok := o.attempts[sourceID]; ok && a.machine.Current() != PhaseIdle {
		o.mu.Unlock()
		return callstate.NewTransferError("TRANSFER_IN_PROGRESS",
			"attended transfer already in progress", sourceID, nil)
	}
	o.mu.Unlock()

	// Набор консультации может упасть по занятости линий - это
	// пробрасывается вызывающему как есть.
	consult, err := o.dialer.DialConsultation(ctx, target)
	if err != nil {
		transfersTotal.WithLabelValues(string(ModeAttended), "error").Inc()
		return err
	}

	a := &attempt{
		sourceID:       sourceID,
		target:         target,
		mode:           ModeAttended,
		consultationID: consult.ID,
		machine:        newAttemptFSM(),
	}
	_ = a.machine.Event(ctx, eventStart)

	o.mu.Lock()
	o.attempts[sourceID] = a
	o.byConsul[consult.ID] = sourceID
	o.mu.Unlock()

	o.log.Info("attended transfer started",
		"session_id", sourceID, "consultation_id", consult.ID, "target", target)
	o.notify(sourceID, PhaseConsulting, "")
	return nil
}

// Complete завершает сопровождаемый перевод из фазы ready: сигнальный
// слой соединяет исходную сессию с целью. При ошибке отправки попытка
// остаётся в ready, чтобы пользователь мог повторить или отменить.
func (o *Orchestrator) Complete(ctx context.Context, sourceID string) error {
	o.mu.Lock()
	a, ok := o.attempts[sourceID]
	if !ok || a.machine.Current() != PhaseReady {
		o.mu.Unlock()
		return callstate.NewTransferError("NOT_READY",
			"no attended transfer ready to complete", sourceID, nil)
	}
	consultID := a.consultationID
	o.mu.Unlock()

	if err := o.sig.CompleteAttendedTransfer(ctx, sourceID, consultID); err != nil {
		o.mu.Lock()
		if a, ok := o.attempts[sourceID]; ok {
			a.reason = err.Error()
		}
		o.mu.Unlock()
		transfersTotal.WithLabelValues(string(ModeAttended), "error").Inc()
		o.notify(sourceID, PhaseReady, err.Error())
		return callstate.NewTransferError("COMPLETE_FAILED", err.Error(), sourceID, err)
	}
	o.log.Info("attended transfer completion requested",
		"session_id", sourceID, "consultation_id", consultID)
	return nil
}

// Cancel отменяет сопровождаемый перевод из любой нетерминальной фазы.
//
// Снос консультационной сессии только запрашивается; даже если он
// упал, попытка локально возвращается в idle - консистентность UI
// важнее зеркалирования возможно уже мёртвого удалённого ресурса.
func (o *Orchestrator) Cancel(ctx context.Context, sourceID string) error {
	o.mu.Lock()
	a, ok := o.attempts[sourceID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	consultID := a.consultationID
	phase := a.machine.Current()
	if phase == PhaseConsulting || phase == PhaseReady {
		_ = a.machine.Event(ctx, eventCancel)
	}
	o.removeLocked(sourceID)
	o.mu.Unlock()

	if phase == PhaseConsulting || phase == PhaseReady {
		if err := o.sig.Hangup(ctx, consultID); err != nil {
			o.log.Warn("consultation teardown failed, going idle anyway",
				"session_id", sourceID, "consultation_id", consultID, "error", err)
		}
	}
	transfersTotal.WithLabelValues(string(ModeAttended), "cancelled").Inc()
	o.log.Info("attended transfer cancelled", "session_id", sourceID)
	o.notify(sourceID, PhaseIdle, "")
	return nil
}

// HandleOutcome применяет событие исхода перевода от сигнального слоя.
//
// Для слепого перевода это единственный источник правды об успехе.
// Для сопровождаемого успех в фазе ready закрывает попытку, провал
// оставляет её в ready с причиной для повтора.
func (o *Orchestrator) HandleOutcome(sourceID string, mode Mode, success bool, reason string) {
	if mode == ModeBlind {
		result := "success"
		if !success {
			result = "failed"
		}
		transfersTotal.WithLabelValues(string(ModeBlind), result).Inc()
		o.log.Info("blind transfer outcome",
			"session_id", sourceID, "success", success, "reason", reason)
		return
	}

	o.mu.Lock()
	a, ok := o.attempts[sourceID]
	if !ok || a.machine.Current() != PhaseReady {
		o.mu.Unlock()
		return
	}
	if success {
		_ = a.machine.Event(context.Background(), eventComplete)
		o.removeLocked(sourceID)
		o.mu.Unlock()
		transfersTotal.WithLabelValues(string(ModeAttended), "success").Inc()
		o.log.Info("attended transfer completed", "session_id", sourceID)
		o.notify(sourceID, PhaseCompleted, "")
		return
	}
	a.reason = reason
	o.mu.Unlock()
	transfersTotal.WithLabelValues(string(ModeAttended), "failed").Inc()
	o.log.Warn("attended transfer completion failed",
		"session_id", sourceID, "reason", reason)
	o.notify(sourceID, PhaseReady, reason)
}

// OnConsultationAnswered вызывается, когда консультационная сессия
// перешла в established: цель ответила, можно завершать перевод.
func (o *Orchestrator) OnConsultationAnswered(consultationID string) {
	o.mu.Lock()
	sourceID, ok := o.byConsul[consultationID]
	if !ok {
		o.mu.Unlock()
		return
	}
	a := o.attempts[sourceID]
	if a == nil || a.machine.Current() != PhaseConsulting {
		o.mu.Unlock()
		return
	}
	_ = a.machine.Event(context.Background(), eventAnswered)
	o.mu.Unlock()

	o.log.Info("consultation answered",
		"session_id", sourceID, "consultation_id", consultationID)
	o.notify(sourceID, PhaseReady, "")
}

// OnConsultationTerminated вызывается при завершении консультационной
// сессии любым способом, кроме успешного слияния.
//
// Из consulting это отказ цели; из ready - обрыв уже отвеченной
// консультации. В обоих случаях попытка уходит в failed и после
// льготного окна автоматически возвращается в idle, не оставляя UI
// висеть на мёртвой сессии.
func (o *Orchestrator) OnConsultationTerminated(consultationID, reason string) {
	o.mu.Lock()
	sourceID, ok := o.byConsul[consultationID]
	if !ok {
		o.mu.Unlock()
		return
	}
	a := o.attempts[sourceID]
	if a == nil {
		o.mu.Unlock()
		return
	}
	switch a.machine.Current() {
	case PhaseConsulting, PhaseReady:
	default:
		o.mu.Unlock()
		return
	}
	if reason == "" {
		reason = "consultation call ended"
	}
	a.reason = reason
	_ = a.machine.Event(context.Background(), eventFail)
	a.grace = time.AfterFunc(o.grace, func() { o.resetAfterGrace(sourceID) })
	o.mu.Unlock()

	transfersTotal.WithLabelValues(string(ModeAttended), "failed").Inc()
	o.log.Warn("consultation terminated",
		"session_id", sourceID, "consultation_id", consultationID, "reason", reason)
	o.notify(sourceID, PhaseFailed, reason)
}

// OnSessionTerminated вызывается при завершении любой сессии.
//
// Для консультационной сессии делегирует OnConsultationTerminated.
// Для исходной сессии с активной попыткой переводить больше нечего:
// попытка снимается локально, консультация добивается best-effort.
func (o *Orchestrator) OnSessionTerminated(sessionID, reason string) {
	o.mu.Lock()
	if _, isConsult := o.byConsul[sessionID]; isConsult {
		o.mu.Unlock()
		o.OnConsultationTerminated(sessionID, reason)
		return
	}
	a, ok := o.attempts[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	consultID := a.consultationID
	o.removeLocked(sessionID)
	o.mu.Unlock()

	if err := o.sig.Hangup(context.Background(), consultID); err != nil {
		o.log.Warn("consultation teardown after source loss failed",
			"consultation_id", consultID, "error", err)
	}
	o.log.Info("transfer attempt dropped, source session ended",
		"session_id", sessionID)
	o.notify(sessionID, PhaseIdle, "")
}

// AbortAll локально сбрасывает все попытки. Используется при потере
// регистрации: команд в сигнальный слой не выдаётся, транспорт уже
// недоступен.
func (o *Orchestrator) AbortAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.attempts))
	for id := range o.attempts {
		ids = append(ids, id)
	}
	for _, id := range ids {
		o.removeLocked(id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.notify(id, PhaseIdle, "")
	}
	if len(ids) > 0 {
		o.log.Info("all transfer attempts aborted", "count", len(ids))
	}
}

func (o *Orchestrator) resetAfterGrace(sourceID string) {
	o.mu.Lock()
	a, ok := o.attempts[sourceID]
	if !ok || a.machine.Current() != PhaseFailed {
		o.mu.Unlock()
		return
	}
	_ = a.machine.Event(context.Background(), eventReset)
	o.removeLocked(sourceID)
	o.mu.Unlock()
	o.notify(sourceID, PhaseIdle, "")
}

// removeLocked снимает попытку и её индексы; вызывается под мьютексом.
func (o *Orchestrator) removeLocked(sourceID string) {
	a, ok := o.attempts[sourceID]
	if !ok {
		return
	}
	if a.grace != nil {
		a.grace.Stop()
	}
	delete(o.byConsul, a.consultationID)
	delete(o.attempts, sourceID)
}

func (o *Orchestrator) notify(sourceID, phase, reason string) {
	o.mu.Lock()
	fn := o.onPhase
	o.mu.Unlock()
	if fn != nil {
		fn(sourceID, phase, reason)
	}
}
