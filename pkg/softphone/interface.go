package softphone

import "context"

// Signaler абстрактные команды, которые ядро выдаёт сигнальному слою.
//
// Все команды асинхронны: успешный возврат означает, что команда
// принята транспортом, а не что операция завершилась. Результат
// приходит событиями (Event) и применяется диспетчером.
type Signaler interface {
	// Dial начинает исходящий вызов с заранее выданным id сессии.
	Dial(ctx context.Context, sessionID, target string) error
	// Hangup завершает сессию.
	Hangup(ctx context.Context, sessionID string) error
	// Answer принимает входящую сессию.
	Answer(ctx context.Context, sessionID string) error
	// Reject отклоняет входящую сессию.
	Reject(ctx context.Context, sessionID string) error
	// Hold ставит установленную сессию на удержание.
	Hold(ctx context.Context, sessionID string) error
	// Unhold снимает сессию с удержания.
	Unhold(ctx context.Context, sessionID string) error
	// BlindTransfer выполняет слепой перевод сессии на target.
	BlindTransfer(ctx context.Context, sessionID, target string) error
	// CompleteAttendedTransfer просит сигнальный слой соединить
	// исходную сессию с уже отвеченной консультационной.
	CompleteAttendedTransfer(ctx context.Context, sourceID, consultationID string) error
	// SubscribePresence подписывается на состояние добавочного номера.
	SubscribePresence(ctx context.Context, extension string) error
	// UnsubscribePresence снимает подписку.
	UnsubscribePresence(ctx context.Context, extension string) error
}
