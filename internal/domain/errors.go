package domain

import "errors"

// ErrPostNotFound возвращается источником метрик, если пост удалён или недоступен.
// Такая проверка снимается без повторов.
var ErrPostNotFound = errors.New("пост не найден")

// ErrChannelNotFound возвращается, если канал отсутствует в хранилище.
var ErrChannelNotFound = errors.New("канал не найден")

// TransientError помечает временный сбой внешнего вызова: проверка остаётся
// в реестре и будет повторена на следующем проходе.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

// Unwrap раскрывает исходную ошибку.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient оборачивает ошибку как временную.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient сообщает, подлежит ли ошибка повтору.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
