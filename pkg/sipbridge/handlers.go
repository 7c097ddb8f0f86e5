package sipbridge

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/phone_core/pkg/callstate"
	"github.com/arzzra/phone_core/pkg/presence"
	"github.com/arzzra/phone_core/pkg/softphone"
)

// handleInvite входящий вызов: отвечаем 180 Ringing и отдаём ядру
// событие новой входящей сессии. Решение принять/отклонить остаётся
// за пользователем.
func (b *Bridge) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if _, exists := b.lookupByCallID(callID); exists {
		// re-INVITE внутри диалога; подтверждаем без смены состояния.
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		return
	}

	c := &call{
		sessionID: uuid.NewString(),
		callID:    callID,
		localTag:  newTag(),
		incoming:  true,
		inviteReq: req,
		serverTx:  tx,
	}
	if from := req.From(); from != nil {
		c.remoteTag = from.Params["tag"]
	}
	b.register(c)

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params["tag"] = c.localTag
	}
	if err := tx.Respond(ringing); err != nil {
		b.log.Error("180 Ringing failed", "call_id", callID, "error", err)
	}

	var remote, remoteName string
	if from := req.From(); from != nil {
		remote = from.Address.User
		remoteName = from.DisplayName
	}
	b.emit(softphone.SessionEvent{
		ID:         c.sessionID,
		State:      callstate.StateRinging,
		Direction:  callstate.DirectionIncoming,
		Remote:     remote,
		RemoteName: remoteName,
	})
}

// handleBye удалённая сторона завершила вызов.
func (b *Bridge) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	c, ok := b.lookupByCallID(callID)
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if !ok {
		return
	}
	b.unregister(c.sessionID)
	b.emit(softphone.SessionEvent{
		ID:     c.sessionID,
		State:  callstate.StateTerminated,
		Reason: "remote hangup",
	})
}

// handleCancel звонящий отменил ещё не отвеченный INVITE.
func (b *Bridge) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	c, ok := b.lookupByCallID(callID)
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if !ok {
		return
	}
	// Висящая INVITE-транзакция закрывается 487, иначе звонящий будет
	// ждать её таймаута.
	b.mu.Lock()
	answered := c.inviteResp != nil
	b.mu.Unlock()
	if c.serverTx != nil && !answered {
		term := sip.NewResponseFromRequest(c.inviteReq,
			sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := c.serverTx.Respond(term); err != nil {
			b.log.Warn("487 on cancelled INVITE failed", "call_id", callID, "error", err)
		}
	}
	b.unregister(c.sessionID)
	b.emit(softphone.SessionEvent{
		ID:     c.sessionID,
		State:  callstate.StateTerminated,
		Reason: "cancelled",
	})
}

// handleNotify делит NOTIFY по типу события: sipfrag-исход REFER либо
// уведомление присутствия.
func (b *Bridge) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = strings.ToLower(h.Value())
	}

	switch {
	case strings.HasPrefix(event, "refer"):
		b.handleReferNotify(req)
	case strings.HasPrefix(event, "presence"), strings.HasPrefix(event, "dialog"):
		b.handlePresenceNotify(req)
	default:
		b.log.Debug("unhandled NOTIFY event", "event", event)
	}
}

func (b *Bridge) handleReferNotify(req *sip.Request) {
	c, ok := b.lookupByCallID(req.CallID().Value())
	if !ok {
		return
	}
	code := parseSipfragStatusCode(req.Body())
	switch {
	case code >= 200 && code < 300:
		b.emitTransferOutcome(c, true, "")
	case code >= 300:
		b.emitTransferOutcome(c, false, sipfragReason(req.Body()))
	}
	// 1xx - прогресс перевода, исходом не является.
}

func (b *Bridge) handlePresenceNotify(req *sip.Request) {
	b.mu.Lock()
	var ext string
	callID := req.CallID().Value()
	for e, c := range b.subs {
		if c.callID == callID {
			ext = e
			break
		}
	}
	b.mu.Unlock()
	if ext == "" {
		// Подписку могли уже снять; поздний NOTIFY игнорируем.
		return
	}
	b.emit(softphone.PresenceEvent{
		Extension: ext,
		State:     presence.State(parsePresenceState(req.Body())),
	})
}

func (b *Bridge) emitTransferOutcome(c *call, success bool, reason string) {
	b.mu.Lock()
	mode := c.referMode
	target := c.referTarget
	b.mu.Unlock()
	if mode == "" {
		mode = "blind"
	}
	b.emit(softphone.TransferOutcomeEvent{
		SourceID: c.sessionID,
		Mode:     mode,
		Success:  success,
		Target:   target,
		Reason:   reason,
	})
}

// parseSipfragStatusCode извлекает SIP status code из тела NOTIFY
// (message/sipfrag). Формат первой строки: "SIP/2.0 200 OK".
// Возвращает 0, если определить не удалось.
func parseSipfragStatusCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

// sipfragReason человекочитаемая причина из первой строки sipfrag:
// всё после кода статуса.
func sipfragReason(body []byte) string {
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.SplitN(strings.TrimSpace(string(firstLine)), " ", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return "transfer failed"
}

// parsePresenceState упрощённое извлечение состояния из тела NOTIFY.
// Для dialog-info (BLF) это <state>, для PIDF - <basic>. Словарь
// значений ядро не интерпретирует, строка отдаётся как есть.
func parsePresenceState(body []byte) string {
	s := strings.ToLower(string(body))
	for _, token := range []string{"early", "confirmed", "terminated", "busy", "ringing", "open", "closed"} {
		if strings.Contains(s, ">"+token+"<") {
			switch token {
			case "early", "ringing":
				return "ringing"
			case "confirmed", "busy", "closed":
				return "busy"
			case "terminated", "open":
				return "idle"
			}
		}
	}
	return "inactive"
}
