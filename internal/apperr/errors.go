package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind классифицирует ошибки пространственного хранилища.
type Kind int

const (
	// Unknown — ошибка вне таксономии (не должна выходить за пределы пакета).
	Unknown Kind = iota
	// OutOfBounds — позиция вне любого чанка.
	OutOfBounds
	// NotALeaf — блочная операция над внутренним чанком.
	NotALeaf
	// NotFound — неизвестный объект, чанк или блок.
	NotFound
	// StorageFailure — ошибка ввода-вывода долговременного хранилища.
	StorageFailure
	// LockTimeout — срок запроса истёк: при ожидании блокировки позиции
	// или во время обращения к хранилищу. Запрос можно повторить.
	LockTimeout
)

// String возвращает строковое представление вида ошибки
func (k Kind) String() string {
	switch k {
	case OutOfBounds:
		return "OutOfBounds"
	case NotALeaf:
		return "NotALeaf"
	case NotFound:
		return "NotFound"
	case StorageFailure:
		return "StorageFailure"
	case LockTimeout:
		return "LockTimeout"
	default:
		return "Unknown"
	}
}

// Error — типизированная ошибка с видом, операцией и причиной.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по виду, поэтому errors.Is(err, ErrNotFound)
// срабатывает для любой ошибки вида NotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Сентинелы для errors.Is
var (
	ErrOutOfBounds    = &Error{Kind: OutOfBounds}
	ErrNotALeaf       = &Error{Kind: NotALeaf}
	ErrNotFound       = &Error{Kind: NotFound}
	ErrStorageFailure = &Error{Kind: StorageFailure}
	ErrLockTimeout    = &Error{Kind: LockTimeout}
)

// New создаёт ошибку заданного вида с форматированным сообщением.
func New(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap оборачивает err в ошибку заданного вида. Если err уже имеет вид,
// он сохраняется; истёкший или отменённый контекст получает вид LockTimeout.
// nil остаётся nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = LockTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf возвращает вид ошибки или Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is проверяет, что ошибка имеет указанный вид.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
