// Package mterr описывает таксономию ошибок движка MTProto-сессии.
// Каждая ошибка несёт политику распространения:
//   - ConnectivityError, транспорт недоступен; ретраится с backoff, наружу только при исчерпании;
//   - IntegrityError, сбой MAC/msg_key; сессия инвалидируется, требуется новый handshake;
//   - TimeoutError, истёк дедлайн конкретного запроса, получает только его вызывающий;
//   - ErrDisconnected, запрос был «в полёте» при разрыве, получают все ожидающие;
//   - ServerError, типизированная ошибка бэкенда (код + описание) для ветвления в коде приложения;
//   - SequenceGapError, внутренняя, запускает ресинхронизацию и наружу не выходит.
package mterr

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
)

// ErrDisconnected возвращается всем ожидающим запросам при потере соединения
// и любым вызовам после остановки клиента.
var ErrDisconnected = errors.New("mtproto: disconnected")

// ConnectivityError: удалённый узел недоступен (DNS, сокет, исчерпан лимит переподключений).
type ConnectivityError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("mtproto: connect %s failed after %d attempts: %v", e.Addr, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mtproto: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IntegrityError: расшифрованный пакет не прошёл проверку целостности.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "mtproto: integrity check failed: " + e.Reason
}

// NewIntegrityError создаёт IntegrityError с форматированной причиной.
func NewIntegrityError(format string, args ...any) *IntegrityError {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError: запрос RequestID не получил ответа за After.
type TimeoutError struct {
	RequestID int64
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mtproto: request %d timed out after %s", e.RequestID, e.After)
}

// Timeout делает ошибку совместимой с проверками в стиле net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// ServerError: ошибка, присланная бэкендом в ответ на запрос. Оборачивает
// *tgerr.Error, поэтому tgerr.As, tgerr.Is и tgerr.AsFloodWait работают напрямую.
type ServerError struct {
	RequestID int64
	Err       *tgerr.Error
}

// NewServerError разбирает message (например, "FLOOD_WAIT_3") в тип и аргумент.
func NewServerError(requestID int64, code int, message string) *ServerError {
	return &ServerError{RequestID: requestID, Err: tgerr.New(code, message)}
}

func (e *ServerError) Error() string {
	if e.Err == nil {
		return "mtproto: rpc error"
	}
	return fmt.Sprintf("mtproto: rpc error %d: %s", e.Err.Code, e.Err.Message)
}

func (e *ServerError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// Code возвращает числовой код ошибки бэкенда.
func (e *ServerError) Code() int {
	if e.Err == nil {
		return 0
	}
	return e.Err.Code
}

// Type возвращает тип ошибки без числового аргумента (FLOOD_WAIT_3 → FLOOD_WAIT).
func (e *ServerError) Type() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Type
}

// SequenceGapError: обнаружен пропуск в последовательности апдейтов.
type SequenceGapError struct {
	Expected int32
	Got      int32
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("mtproto: update sequence gap: expected %d, got %d", e.Expected, e.Got)
}

// Коды ошибок бэкенда, по которым приложение обычно ветвится.
const (
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeFlood        = 420
	CodeInternal     = 500
)

// IsRateLimited сообщает, что запрос отклонён ограничением частоты (FLOOD_WAIT).
func IsRateLimited(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == CodeFlood || se.Type() == "FLOOD_WAIT"
}

// IsPermissionDenied сообщает об ошибках авторизации/прав доступа.
func IsPermissionDenied(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == CodeUnauthorized || se.Code() == CodeForbidden
}

// IsInvalidParameter сообщает о некорректных параметрах запроса.
func IsInvalidParameter(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == CodeBadRequest
}

// IsTimeout проверяет, что err, таймаут запроса.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsIntegrity проверяет, что err, сбой проверки целостности.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
