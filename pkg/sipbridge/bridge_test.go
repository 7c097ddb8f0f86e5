package sipbridge

import (
	"context"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phone_core/pkg/callstate"
	"github.com/arzzra/phone_core/pkg/softphone"
	"github.com/arzzra/phone_core/pkg/transfer"
)

// fakeServerTx записывает ответы, отправленные во входящую
// INVITE-транзакцию.
type fakeServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (f *fakeServerTx) Respond(res *sip.Response) error {
	f.mu.Lock()
	f.responses = append(f.responses, res)
	f.mu.Unlock()
	return nil
}

func (f *fakeServerTx) Acks() <-chan *sip.Request { return nil }

func (f *fakeServerTx) OnCancel(fn func(r *sip.Request)) bool { return false }

func (f *fakeServerTx) Terminate() {}

func (f *fakeServerTx) OnTerminate(fn func(key string, err error)) bool { return false }

func (f *fakeServerTx) Done() <-chan struct{} { return nil }

func (f *fakeServerTx) Err() error { return nil }

func (f *fakeServerTx) codes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.responses))
	for _, r := range f.responses {
		out = append(out, int(r.StatusCode))
	}
	return out
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b, err := New(Config{
		UserAgent: "phone_core_test/1.0",
		User:      "alice",
		Host:      "127.0.0.1",
		Port:      5060,
		Domain:    "127.0.0.1:5061",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func mustParseURI(t *testing.T, raw string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(raw, &uri))
	return uri
}

// inboundInvite входящий INVITE от bob к alice с Contact звонящего.
func inboundInvite(t *testing.T, callID string, withContact bool) *sip.Request {
	t.Helper()
	to := mustParseURI(t, "sip:alice@127.0.0.1:5060")
	from := mustParseURI(t, "sip:bob@127.0.0.1:5061")

	req := sip.NewRequest(sip.INVITE, to)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Bob",
		Address:     from,
		Params:      sip.HeaderParams{"tag": "bob-tag-1"},
	})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.HeaderParams{}})
	if withContact {
		req.AppendHeader(&sip.ContactHeader{
			Address: mustParseURI(t, "sip:bob@127.0.0.1:5070"),
			Params:  sip.HeaderParams{},
		})
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return req
}

// ringingSessionID вычитывает из канала событий id входящей сессии.
func ringingSessionID(t *testing.T, b *Bridge) string {
	t.Helper()
	select {
	case ev := <-b.Events():
		se, ok := ev.(softphone.SessionEvent)
		require.True(t, ok)
		require.Equal(t, callstate.StateRinging, se.State)
		return se.ID
	default:
		t.Fatal("no ringing event emitted")
		return ""
	}
}

// TestHangupAfterAnswerTakesByePath проверяет, что разрыв отвеченного
// входящего вызова не уходит ответом 486 в уже закрытую 200-кой
// INVITE-транзакцию.
func TestHangupAfterAnswerTakesByePath(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	tx := &fakeServerTx{}
	b.handleInvite(inboundInvite(t, "call-answered-1", true), tx)
	id := ringingSessionID(t, b)

	require.NoError(t, b.Answer(ctx, id))
	assert.Equal(t, []int{int(sip.StatusRinging), int(sip.StatusOK)}, tx.codes())

	c, ok := b.lookup(id)
	require.True(t, ok)
	b.mu.Lock()
	answered := c.inviteResp != nil
	b.mu.Unlock()
	require.True(t, answered, "answer must mark the dialog as answered")

	// Разрыв после ответа: в INVITE-транзакцию больше ничего не
	// отправляется, завершение идёт отдельным BYE.
	_ = b.Hangup(ctx, id)
	assert.Equal(t, []int{int(sip.StatusRinging), int(sip.StatusOK)}, tx.codes(),
		"no 486 may follow the 200 OK")
}

// TestHangupBeforeAnswerRejects проверяет, что неотвеченный входящий
// по-прежнему отклоняется в рамках INVITE-транзакции.
func TestHangupBeforeAnswerRejects(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	tx := &fakeServerTx{}
	b.handleInvite(inboundInvite(t, "call-unanswered-1", true), tx)
	id := ringingSessionID(t, b)

	require.NoError(t, b.Hangup(ctx, id))
	assert.Equal(t, []int{int(sip.StatusRinging), int(sip.StatusBusyHere)}, tx.codes())
	_, ok := b.lookup(id)
	assert.False(t, ok)
}

// TestInDialogRequestTargetsRemoteParty проверяет, что
// внутридиалоговые запросы входящего диалога адресуются звонящему,
// а не собственному URI.
func TestInDialogRequestTargetsRemoteParty(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	tx := &fakeServerTx{}
	b.handleInvite(inboundInvite(t, "call-indialog-1", true), tx)
	id := ringingSessionID(t, b)
	require.NoError(t, b.Answer(ctx, id))

	c, ok := b.lookup(id)
	require.True(t, ok)

	for _, method := range []sip.RequestMethod{sip.BYE, sip.REFER, sip.INVITE} {
		req := b.buildInDialogRequest(c, method)
		assert.Equal(t, "sip:bob@127.0.0.1:5070", req.Recipient.String(),
			"%s must target the caller's Contact", method)
		assert.Equal(t, "bob", req.To().Address.User)
		assert.Equal(t, "bob-tag-1", req.To().Params["tag"])
		assert.Equal(t, "alice", req.From().Address.User)
	}
}

// TestInDialogRequestFallsBackToFrom без Contact в INVITE целью
// становится адрес из From.
func TestInDialogRequestFallsBackToFrom(t *testing.T) {
	b := newTestBridge(t)

	tx := &fakeServerTx{}
	b.handleInvite(inboundInvite(t, "call-nocontact-1", false), tx)
	id := ringingSessionID(t, b)

	c, ok := b.lookup(id)
	require.True(t, ok)
	req := b.buildInDialogRequest(c, sip.BYE)
	assert.Equal(t, "sip:bob@127.0.0.1:5061", req.Recipient.String())
}

// TestCancelAnswersPendingInviteWith487 проверяет, что CANCEL
// закрывает висящую INVITE-транзакцию ответом 487.
func TestCancelAnswersPendingInviteWith487(t *testing.T) {
	b := newTestBridge(t)

	inviteTx := &fakeServerTx{}
	invite := inboundInvite(t, "call-cancelled-1", true)
	b.handleInvite(invite, inviteTx)
	id := ringingSessionID(t, b)

	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.AppendHeader(sip.NewHeader("Call-ID", "call-cancelled-1"))
	cancelTx := &fakeServerTx{}
	b.handleCancel(cancel, cancelTx)

	assert.Equal(t, []int{int(sip.StatusOK)}, cancelTx.codes())
	assert.Equal(t, []int{int(sip.StatusRinging), int(sip.StatusRequestTerminated)}, inviteTx.codes())
	_, ok := b.lookup(id)
	assert.False(t, ok)

	select {
	case ev := <-b.Events():
		se, ok := ev.(softphone.SessionEvent)
		require.True(t, ok)
		assert.Equal(t, callstate.StateTerminated, se.State)
		assert.Equal(t, "cancelled", se.Reason)
	default:
		t.Fatal("no terminated event emitted")
	}
}

// TestReferNotifyCarriesTarget проверяет, что исход перевода несёт
// цель, указанную в REFER.
func TestReferNotifyCarriesTarget(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	tx := &fakeServerTx{}
	b.handleInvite(inboundInvite(t, "call-refer-1", true), tx)
	id := ringingSessionID(t, b)
	require.NoError(t, b.Answer(ctx, id))

	c, ok := b.lookup(id)
	require.True(t, ok)
	b.mu.Lock()
	c.referMode = transfer.ModeBlind
	c.referTarget = "3003"
	b.mu.Unlock()

	notify := sip.NewRequest(sip.NOTIFY, mustParseURI(t, "sip:alice@127.0.0.1:5060"))
	notify.AppendHeader(sip.NewHeader("Call-ID", "call-refer-1"))
	notify.SetBody([]byte("SIP/2.0 200 OK"))
	b.handleReferNotify(notify)

	var outcome softphone.TransferOutcomeEvent
	found := false
	for !found {
		select {
		case ev := <-b.Events():
			if oc, ok := ev.(softphone.TransferOutcomeEvent); ok {
				outcome = oc
				found = true
			}
		default:
			t.Fatal("no transfer outcome emitted")
		}
	}
	assert.True(t, outcome.Success)
	assert.Equal(t, transfer.ModeBlind, outcome.Mode)
	assert.Equal(t, "3003", outcome.Target)
	assert.Equal(t, id, outcome.SourceID)
}
