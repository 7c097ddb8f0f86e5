package sipbridge

import (
	"context"
	"fmt"
	"net/url"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/phone_core/pkg/callstate"
	"github.com/arzzra/phone_core/pkg/transfer"
)

// BlindTransfer выполняет слепой перевод через REFER (RFC 3515).
// Исход придёт NOTIFY с телом message/sipfrag и будет переведён в
// TransferOutcomeEvent обработчиком handleNotify.
func (b *Bridge) BlindTransfer(ctx context.Context, sessionID, target string) error {
	c, ok := b.lookup(sessionID)
	if !ok {
		return callstate.ErrUnknownSession
	}
	uri, err := b.targetURI(target)
	if err != nil {
		return err
	}

	req := b.buildInDialogRequest(c, sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+uri.String()+">"))
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	b.mu.Lock()
	c.referMode = transfer.ModeBlind
	c.referTarget = target
	b.mu.Unlock()

	tx, err := b.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("send REFER: %w", err)
	}
	go b.watchReferAccepted(c, tx)
	return nil
}

// CompleteAttendedTransfer завершает сопровождаемый перевод: REFER с
// Replaces (RFC 3891), замещающий консультационный диалог.
func (b *Bridge) CompleteAttendedTransfer(ctx context.Context, sourceID, consultationID string) error {
	src, ok := b.lookup(sourceID)
	if !ok {
		return callstate.ErrUnknownSession
	}
	consult, ok := b.lookup(consultationID)
	if !ok {
		return callstate.ErrUnknownSession
	}

	// Refer-To указывает на цель консультации с параметром Replaces
	// её диалога: call-id;to-tag=..;from-tag=..
	b.mu.Lock()
	consultRemoteTag := consult.remoteTag
	b.mu.Unlock()
	replaces := fmt.Sprintf("%s;to-tag=%s;from-tag=%s",
		consult.callID, consultRemoteTag, consult.localTag)
	referTo := fmt.Sprintf("<%s?Replaces=%s>",
		consult.inviteReq.Recipient.String(), url.QueryEscape(replaces))

	req := b.buildInDialogRequest(src, sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	req.AppendHeader(sip.NewHeader("Require", "replaces"))
	b.mu.Lock()
	src.referMode = transfer.ModeAttended
	src.referTarget = consult.inviteReq.Recipient.String()
	b.mu.Unlock()

	tx, err := b.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("send REFER w/Replaces: %w", err)
	}
	go b.watchReferAccepted(src, tx)
	return nil
}

// watchReferAccepted следит за ответом на сам REFER. Отказ на REFER -
// это уже исход: NOTIFY в таком случае не придёт.
func (b *Bridge) watchReferAccepted(c *call, tx sip.ClientTransaction) {
	for res := range tx.Responses() {
		if res.StatusCode < 200 {
			continue
		}
		if res.StatusCode >= 300 {
			b.emitTransferOutcome(c, false, res.Reason)
		}
		return
	}
}

// --- Присутствие (BLF) ---

// SubscribePresence подписывается на состояние добавочного номера
// (SUBSCRIBE, Event: presence). Повторная подписка на тот же номер
// безвредна: существующий диалог подписки переиспользуется.
func (b *Bridge) SubscribePresence(ctx context.Context, extension string) error {
	b.mu.Lock()
	if _, exists := b.subs[extension]; exists {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	uri, err := b.targetURI(extension)
	if err != nil {
		return err
	}
	c := &call{
		sessionID: "sub-" + extension,
		callID:    uuid.NewString(),
		localTag:  newTag(),
	}

	req := sip.NewRequest(sip.SUBSCRIBE, uri)
	req.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	req.AppendHeader(&sip.FromHeader{
		Address: b.localURI(),
		Params:  sip.HeaderParams{"tag": c.localTag},
	})
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextCSeq(), MethodName: sip.SUBSCRIBE})
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	req.AppendHeader(sip.NewHeader("Expires", "3600"))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	c.inviteReq = req

	tx, err := b.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("send SUBSCRIBE: %w", err)
	}
	go func() {
		for range tx.Responses() {
		}
	}()

	b.mu.Lock()
	b.subs[extension] = c
	b.byCallID[c.callID] = c.sessionID
	b.mu.Unlock()
	return nil
}

// UnsubscribePresence снимает подписку (SUBSCRIBE, Expires: 0).
func (b *Bridge) UnsubscribePresence(ctx context.Context, extension string) error {
	b.mu.Lock()
	c, ok := b.subs[extension]
	if ok {
		delete(b.subs, extension)
		delete(b.byCallID, c.callID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	req := b.buildInDialogRequest(c, sip.SUBSCRIBE)
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	req.AppendHeader(sip.NewHeader("Expires", "0"))

	tx, err := b.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("send un-SUBSCRIBE: %w", err)
	}
	go func() {
		for range tx.Responses() {
		}
	}()
	return nil
}
