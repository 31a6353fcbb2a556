package exchange

import (
	"errors"
	"fmt"
)

// ErrAlreadyTerminal - отмена пришла к ордеру, который уже исполнен
// или уже отменён. Для реконсилятора это успех, не ошибка: ордер мог
// исполниться раньше, чем долетел cancel-запрос.
var ErrAlreadyTerminal = errors.New("order already in terminal state")

// TransientError - временный отказ биржи (сеть, таймаут, rate limit).
// Воркер повторяет действие с backoff'ом.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient exchange error: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Retryable() bool { return true }

func (e *TransientError) Temporary() bool { return true }

// PermanentError - отказ бизнес-уровня (неизвестный символ, нехватка
// баланса, невалидные параметры). Retry бессмысленен, действие
// помечается FAILED.
type PermanentError struct {
	Op   string
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent exchange error: %s (code %s): %v", e.Op, e.Code, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Retryable() bool { return false }

// IsTransient проверяет, является ли ошибка временной
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent проверяет, является ли ошибка permanent-отказом
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
