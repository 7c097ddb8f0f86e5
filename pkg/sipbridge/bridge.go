// Package sipbridge реализует softphone.Signaler поверх сигнального
// стека sipgo.
//
// Мост переводит абстрактные команды ядра в SIP запросы
// (INVITE/BYE/REFER/SUBSCRIBE) и входящую сигнализацию - в события
// ядра. Медиа-переговоры сознательно не ведутся: мост отдаёт
// минимальный SDP и не трогает RTP, это зона внешних слоёв.
package sipbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/phone_core/pkg/callstate"
	"github.com/arzzra/phone_core/pkg/softphone"
	"github.com/arzzra/phone_core/pkg/transfer"
)

// Config конфигурация моста.
type Config struct {
	// UserAgent строка User-Agent в исходящих запросах.
	UserAgent string
	// User локальный пользователь (часть From URI).
	User string
	// Host локальный адрес для прослушивания и From URI.
	Host string
	// Port локальный порт, по умолчанию 5060.
	Port int
	// Domain домен АТС для Request-URI исходящих вызовов.
	Domain string
	// Transport "udp" или "tcp", по умолчанию "udp".
	Transport string
}

// call состояние одного SIP диалога моста.
//
// sessionID, callID, localTag, incoming, inviteReq и serverTx
// неизменны после регистрации. Остальные поля мутируют из разных
// горутин (команды, watchInvite, обработчики сервера) и читаются и
// пишутся только под b.mu.
type call struct {
	sessionID string
	callID    string
	localTag  string
	remoteTag string
	incoming  bool

	inviteReq *sip.Request
	serverTx  sip.ServerTransaction // входящий INVITE

	// inviteResp финальный ответ диалога: принятый 2xx для исходящего,
	// отправленный 200 OK для входящего. nil - вызов ещё не отвечен.
	inviteResp *sip.Response

	// referMode и referTarget режим и цель последнего REFER по этому
	// диалогу, чтобы приписать NOTIFY-исход нужному типу перевода.
	referMode   transfer.Mode
	referTarget string

	cseq uint32
}

// remoteTarget адрес удалённой стороны для Request-URI
// внутридиалоговых запросов. Вызывается под b.mu.
//
// Для входящего диалога это Contact звонящего (либо его From), а не
// Recipient нашего же INVITE: тот указывает на нас самих. Для
// исходящего - Contact из 2xx, либо изначально набранный URI.
func (c *call) remoteTarget() sip.Uri {
	if c.incoming {
		if ct := c.inviteReq.Contact(); ct != nil {
			return ct.Address
		}
		return c.inviteReq.From().Address
	}
	if c.inviteResp != nil {
		if ct := c.inviteResp.Contact(); ct != nil {
			return ct.Address
		}
	}
	return c.inviteReq.Recipient
}

func (c *call) nextCSeq() uint32 {
	return atomic.AddUint32(&c.cseq, 1)
}

// Bridge sipgo-бэкенд команд ядра. Реализует softphone.Signaler.
type Bridge struct {
	cfg    Config
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	events chan softphone.Event
	log    *slog.Logger

	mu       sync.Mutex
	calls    map[string]*call  // id сессии -> диалог
	byCallID map[string]string // SIP Call-ID -> id сессии
	subs     map[string]*call  // добавочный номер -> диалог подписки
}

var _ softphone.Signaler = (*Bridge)(nil)

// New создает мост. Сервер не слушает до вызова Start.
func New(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if logger == nil {
		logger = slog.Default()
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.Host),
	)
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	b := &Bridge{
		cfg:      cfg,
		ua:       ua,
		server:   server,
		client:   client,
		events:   make(chan softphone.Event, 64),
		log:      logger.With("component", "sipbridge"),
		calls:    make(map[string]*call),
		byCallID: make(map[string]string),
		subs:     make(map[string]*call),
	}
	return b, nil
}

// Events канал событий для softphone.Phone.Run.
func (b *Bridge) Events() <-chan softphone.Event {
	return b.events
}

// Start регистрирует обработчики и запускает прослушивание.
func (b *Bridge) Start(ctx context.Context) {
	b.server.OnInvite(b.handleInvite)
	b.server.OnBye(b.handleBye)
	b.server.OnNotify(b.handleNotify)
	b.server.OnCancel(b.handleCancel)

	addr := fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)
	go func() {
		if err := b.server.ListenAndServe(ctx, b.cfg.Transport, addr); err != nil && ctx.Err() == nil {
			b.log.Error("sip server stopped", "error", err)
			b.emit(softphone.RegistrationLostEvent{Reason: err.Error()})
		}
	}()
}

// Close закрывает стек.
func (b *Bridge) Close() error {
	return b.ua.Close()
}

func (b *Bridge) emit(ev softphone.Event) {
	select {
	case b.events <- ev:
	default:
		b.log.Warn("event channel full, dropping event")
	}
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// targetURI собирает Request-URI из набранного номера.
func (b *Bridge) targetURI(target string) (sip.Uri, error) {
	var uri sip.Uri
	raw := target
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		if strings.Contains(raw, "@") {
			raw = "sip:" + raw
		} else {
			raw = "sip:" + raw + "@" + b.cfg.Domain
		}
	}
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("parse target %q: %w", target, err)
	}
	return uri, nil
}

func (b *Bridge) localURI() sip.Uri {
	var uri sip.Uri
	_ = sip.ParseUri(fmt.Sprintf("sip:%s@%s:%d", b.cfg.User, b.cfg.Host, b.cfg.Port), &uri)
	return uri
}

func (b *Bridge) lookup(sessionID string) (*call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[sessionID]
	return c, ok
}

func (b *Bridge) lookupByCallID(callID string) (*call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byCallID[callID]
	if !ok {
		return nil, false
	}
	c, ok := b.calls[id]
	return c, ok
}

func (b *Bridge) register(c *call) {
	b.mu.Lock()
	b.calls[c.sessionID] = c
	b.byCallID[c.callID] = c.sessionID
	b.mu.Unlock()
}

func (b *Bridge) unregister(sessionID string) {
	b.mu.Lock()
	if c, ok := b.calls[sessionID]; ok {
		delete(b.byCallID, c.callID)
		delete(b.calls, sessionID)
	}
	b.mu.Unlock()
}

// buildInDialogRequest строит запрос внутри установленного диалога:
// Call-ID, From/To с тегами и растущий CSeq. Request-URI - адрес
// удалённой стороны, не Recipient исходного INVITE.
func (b *Bridge) buildInDialogRequest(c *call, method sip.RequestMethod) *sip.Request {
	b.mu.Lock()
	target := c.remoteTarget()
	remoteTag := c.remoteTag
	b.mu.Unlock()

	req := sip.NewRequest(method, target)
	req.AppendHeader(sip.NewHeader("Call-ID", c.callID))

	fromURI := b.localURI()
	var toURI sip.Uri
	if c.incoming {
		toURI = c.inviteReq.From().Address
	} else {
		toURI = c.inviteReq.To().Address
	}

	req.AppendHeader(&sip.FromHeader{
		Address: fromURI,
		Params:  sip.HeaderParams{"tag": c.localTag},
	})
	to := &sip.ToHeader{Address: toURI, Params: sip.HeaderParams{}}
	if remoteTag != "" {
		to.Params["tag"] = remoteTag
	}
	req.AppendHeader(to)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextCSeq(), MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return req
}

// --- Исходящие вызовы ---

// Dial отправляет INVITE и следит за ответами транзакции, переводя их
// в события жизненного цикла сессии.
func (b *Bridge) Dial(ctx context.Context, sessionID, target string) error {
	uri, err := b.targetURI(target)
	if err != nil {
		return err
	}

	c := &call{
		sessionID: sessionID,
		callID:    uuid.NewString(),
		localTag:  newTag(),
	}
	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	req.AppendHeader(&sip.FromHeader{
		Address: b.localURI(),
		Params:  sip.HeaderParams{"tag": c.localTag},
	})
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextCSeq(), MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(b.minimalSDP(false)))
	c.inviteReq = req

	tx, err := b.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("send INVITE: %w", err)
	}
	b.register(c)

	go b.watchInvite(c, tx)
	return nil
}

// watchInvite переводит ответы на INVITE в события сессии.
func (b *Bridge) watchInvite(c *call, tx sip.ClientTransaction) {
	for res := range tx.Responses() {
		switch {
		case res.StatusCode < 180:
			b.emit(softphone.SessionEvent{
				ID:        c.sessionID,
				State:     callstate.StateConnecting,
				Direction: callstate.DirectionOutgoing,
			})
		case res.StatusCode < 200:
			b.emit(softphone.SessionEvent{
				ID:        c.sessionID,
				State:     callstate.StateRinging,
				Direction: callstate.DirectionOutgoing,
			})
		case res.StatusCode < 300:
			b.mu.Lock()
			c.inviteResp = res
			if tag := res.To().Params["tag"]; tag != "" {
				c.remoteTag = tag
			}
			b.mu.Unlock()
			b.sendACK(c, res)
			b.emit(softphone.SessionEvent{
				ID:         c.sessionID,
				State:      callstate.StateEstablished,
				Direction:  callstate.DirectionOutgoing,
				AnswerTime: time.Now(),
			})
		default:
			b.unregister(c.sessionID)
			b.emit(softphone.SessionEvent{
				ID:        c.sessionID,
				State:     callstate.StateTerminated,
				Direction: callstate.DirectionOutgoing,
				Reason:    res.Reason,
			})
			return
		}
	}
}

// sendACK подтверждает 2xx ответ. ACK к 2xx ходит вне транзакции.
func (b *Bridge) sendACK(c *call, res *sip.Response) {
	ack := sip.NewRequest(sip.ACK, c.inviteReq.Recipient)
	ack.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	ack.AppendHeader(c.inviteReq.From())
	ack.AppendHeader(res.To())
	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      c.inviteReq.CSeq().SeqNo,
		MethodName: sip.ACK,
	})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	if err := b.client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
		b.log.Error("ACK send failed", "session_id", c.sessionID, "error", err)
	}
}

// minimalSDP минимальное SDP предложение. hold переключает поток в
// sendonly по RFC 3264 §8.4.
func (b *Bridge) minimalSDP(hold bool) string {
	dir := "sendrecv"
	if hold {
		dir = "sendonly"
	}
	return fmt.Sprintf("v=0\r\n"+
		"o=- %d %d IN IP4 %s\r\n"+
		"s=phone_core\r\n"+
		"c=IN IP4 %s\r\n"+
		"t=0 0\r\n"+
		"m=audio 4000 RTP/AVP 0 8\r\n"+
		"a=rtpmap:0 PCMU/8000\r\n"+
		"a=rtpmap:8 PCMA/8000\r\n"+
		"a=%s\r\n",
		time.Now().Unix(), time.Now().Unix(), b.cfg.Host, b.cfg.Host, dir)
}

// --- Управление сессией ---

// Hangup завершает сессию: BYE для установленного диалога, 486 для
// неотвеченного входящего.
func (b *Bridge) Hangup(ctx context.Context, sessionID string) error {
	c, ok := b.lookup(sessionID)
	if !ok {
		return callstate.ErrUnknownSession
	}
	b.mu.Lock()
	answered := c.inviteResp != nil
	b.mu.Unlock()
	if c.incoming && !answered {
		return b.Reject(ctx, sessionID)
	}

	bye := b.buildInDialogRequest(c, sip.BYE)
	tx, err := b.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	go func() {
		for range tx.Responses() {
		}
	}()
	b.unregister(sessionID)
	b.emit(softphone.SessionEvent{
		ID:     sessionID,
		State:  callstate.StateTerminated,
		Reason: "hangup",
	})
	return nil
}

// Answer отвечает 200 OK на входящий INVITE.
func (b *Bridge) Answer(ctx context.Context, sessionID string) error {
	c, ok := b.lookup(sessionID)
	if !ok || !c.incoming || c.serverTx == nil {
		return callstate.ErrUnknownSession
	}
	res := sip.NewResponseFromRequest(c.inviteReq, sip.StatusOK, "OK", []byte(b.minimalSDP(false)))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := res.To(); to != nil {
		to.Params["tag"] = c.localTag
	}
	if err := c.serverTx.Respond(res); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	// Диалог отвечен: Hangup отсюда идёт по ветке BYE, а не Reject.
	b.mu.Lock()
	c.inviteResp = res
	b.mu.Unlock()
	b.emit(softphone.SessionEvent{
		ID:         sessionID,
		State:      callstate.StateEstablished,
		Direction:  callstate.DirectionIncoming,
		AnswerTime: time.Now(),
	})
	return nil
}

// Reject отклоняет входящий INVITE кодом 486 Busy Here.
func (b *Bridge) Reject(_ context.Context, sessionID string) error {
	c, ok := b.lookup(sessionID)
	if !ok || !c.incoming || c.serverTx == nil {
		return callstate.ErrUnknownSession
	}
	res := sip.NewResponseFromRequest(c.inviteReq, sip.StatusBusyHere, "Busy Here", nil)
	if err := c.serverTx.Respond(res); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	b.unregister(sessionID)
	b.emit(softphone.SessionEvent{
		ID:     sessionID,
		State:  callstate.StateTerminated,
		Reason: "rejected",
	})
	return nil
}

// Hold ставит сессию на удержание через re-INVITE с a=sendonly.
func (b *Bridge) Hold(ctx context.Context, sessionID string) error {
	return b.reinvite(ctx, sessionID, true)
}

// Unhold снимает удержание через re-INVITE с a=sendrecv.
func (b *Bridge) Unhold(ctx context.Context, sessionID string) error {
	return b.reinvite(ctx, sessionID, false)
}

func (b *Bridge) reinvite(ctx context.Context, sessionID string, hold bool) error {
	c, ok := b.lookup(sessionID)
	if !ok {
		return callstate.ErrUnknownSession
	}
	req := b.buildInDialogRequest(c, sip.INVITE)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(b.minimalSDP(hold)))

	tx, err := b.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("send re-INVITE: %w", err)
	}
	go func() {
		for res := range tx.Responses() {
			if res.StatusCode >= 200 && res.StatusCode < 300 {
				onHold := hold
				b.emit(softphone.SessionEvent{
					ID:     sessionID,
					State:  callstate.StateEstablished,
					OnHold: &onHold,
				})
				return
			}
			if res.StatusCode >= 300 {
				b.log.Warn("re-INVITE rejected",
					"session_id", sessionID, "status", res.StatusCode)
				return
			}
		}
	}()
	return nil
}
