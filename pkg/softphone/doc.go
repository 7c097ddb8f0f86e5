// Package softphone собирает ядро софтфона в единый фасад: реестр
// сессий с пулом линий, оркестратор переводов и трекер присутствия.
//
// Команды пользователя (набор, отбой, удержание, переводы, подписки)
// уходят через интерфейс Signaler в сигнальный слой и не блокируют
// ядро: состояние меняется только по пришедшим событиям. События
// сигнального слоя - типизированные варианты, применяемые одним
// синхронным диспетчером (Dispatch), либо циклом Run поверх канала.
package softphone
