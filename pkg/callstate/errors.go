package callstate

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категории ошибок ядра для классификации.
type ErrorCategory string

const (
	ErrorCategoryCapacity ErrorCategory = "CAPACITY"
	ErrorCategorySession  ErrorCategory = "SESSION"
	ErrorCategoryTransfer ErrorCategory = "TRANSFER"
	ErrorCategoryPresence ErrorCategory = "PRESENCE"
	ErrorCategoryState    ErrorCategory = "STATE"
)

// ErrorSeverity уровни критичности. Ничто в ядре не фатально для
// процесса: любая ошибка деградирует до восстановимого состояния.
type ErrorSeverity string

const (
	ErrorSeverityError   ErrorSeverity = "ERROR"
	ErrorSeverityWarning ErrorSeverity = "WARNING"
	ErrorSeverityInfo    ErrorSeverity = "INFO"
)

// Сторожевые ошибки ядра. Проверяются через errors.Is.
var (
	// ErrNoFreeLine нет свободной линии для нового набора.
	ErrNoFreeLine = errors.New("no free line available")
	// ErrLineBusy линия уже привязана к другой сессии.
	ErrLineBusy = errors.New("line already bound to another session")
	// ErrInvalidLine номер линии вне пула 1..NumLines.
	ErrInvalidLine = errors.New("invalid line number")
	// ErrUnknownSession операция ссылается на неизвестный id сессии.
	// Для update/remove это доброкачественная гонка с завершением и
	// наружу не всплывает; для команд пользователя - ошибка вызова.
	ErrUnknownSession = errors.New("unknown session id")
)

// CoreError структурированная ошибка ядра с контекстом.
type CoreError struct {
	Code        string
	Message     string
	Category    ErrorCategory
	Severity    ErrorSeverity
	SessionID   string
	Line        int
	Timestamp   time.Time
	Cause       error
	Retryable   bool
	UserVisible bool
}

// Error реализует интерфейс error.
func (e *CoreError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[%s:%s] %s (session: %s)", e.Category, e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// NewCapacityError ошибка занятости всех линий. Отклоняется синхронно
// и показывается пользователю.
func NewCapacityError() *CoreError {
	return &CoreError{
		Code:        "NO_FREE_LINE",
		Message:     "all lines are busy",
		Category:    ErrorCategoryCapacity,
		Severity:    ErrorSeverityError,
		Timestamp:   time.Now(),
		Cause:       ErrNoFreeLine,
		Retryable:   true,
		UserVisible: true,
	}
}

// NewTransferError ошибка протокола перевода с причиной от
// сигнального слоя.
func NewTransferError(code, reason, sessionID string, cause error) *CoreError {
	return &CoreError{
		Code:        code,
		Message:     reason,
		Category:    ErrorCategoryTransfer,
		Severity:    ErrorSeverityError,
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		Cause:       cause,
		Retryable:   true,
		UserVisible: true,
	}
}
