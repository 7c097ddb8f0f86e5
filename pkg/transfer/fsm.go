package transfer

import "github.com/looplab/fsm"

// Фазы попытки сопровождаемого перевода.
//
// idle      - перевода нет, можно начинать новый;
// consulting - консультационная сессия создана, ждём ответа цели;
// ready     - цель ответила, можно говорить приватно и завершать;
// completed - сигнальный слой соединил стороны, попытка закрыта;
// failed    - консультация отклонена или оборвалась; после льготного
//             окна автоматически возвращаемся в idle для повтора.
const (
	PhaseIdle       = "idle"
	PhaseConsulting = "consulting"
	PhaseReady      = "ready_to_complete"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
)

// События FSM попытки перевода.
const (
	eventStart    = "start"
	eventAnswered = "answered"
	eventFail     = "fail"
	eventComplete = "complete"
	eventCancel   = "cancel"
	eventReset    = "reset"
)

// newAttemptFSM оборачивает looplab/fsm для фаз сопровождаемого
// перевода. Отмена допустима из любой нетерминальной фазы; fail из
// ready покрывает обрыв консультации после ответа цели.
func newAttemptFSM() *fsm.FSM {
	return fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{PhaseIdle}, Dst: PhaseConsulting},
			{Name: eventAnswered, Src: []string{PhaseConsulting}, Dst: PhaseReady},
			{Name: eventFail, Src: []string{PhaseConsulting, PhaseReady}, Dst: PhaseFailed},
			{Name: eventComplete, Src: []string{PhaseReady}, Dst: PhaseCompleted},
			{Name: eventCancel, Src: []string{PhaseConsulting, PhaseReady}, Dst: PhaseIdle},
			{Name: eventReset, Src: []string{PhaseFailed, PhaseCompleted}, Dst: PhaseIdle},
		}, nil,
	)
}
