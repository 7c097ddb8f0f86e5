// Package callstate содержит ядро координации вызовов софтфона:
// реестр сессий и пул линий.
//
// Реестр (Registry) является единственным источником истины обо всех
// активных попытках вызова. Каждая сессия на всё время жизни привязана
// ровно к одной линии из статического пула (LinePool), а отображаемое
// состояние линии выводится из состояния привязанной сессии после
// каждой мутации. Внешний сигнальный слой в пакет не входит - реестр
// только применяет его события.
//
// Все мутации синхронны относительно вызвавшего их события или команды.
// Состояние Terminated поглощающее: после него сессия удаляется, линия
// освобождается, а повторные/запоздавшие события по тому же id
// игнорируются.
package callstate
