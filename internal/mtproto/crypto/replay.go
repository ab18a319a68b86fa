package crypto

import (
	"slices"
	"sync"

	"github.com/go-faster/errors"
)

// ErrReplay: сообщение с таким msg_id уже принималось либо старше окна.
// Кадр отбрасывается, сессия остаётся действующей.
var ErrReplay = errors.New("crypto: replayed message")

// DefaultReplayWindow: сколько последних msg_id помнит ReplayWindow.
const DefaultReplayWindow = 256

// ReplayWindow помнит последние принятые msg_id одной стороны сессии.
// Повтор и msg_id старше самого старого в заполненном окне отвергаются.
// Нулевое значение готово к работе с окном DefaultReplayWindow.
type ReplayWindow struct {
	mu   sync.Mutex
	size int
	ids  []int64 // по возрастанию
}

// NewReplayWindow создаёт окно на size сообщений; size <= 0 даёт DefaultReplayWindow.
func NewReplayWindow(size int) *ReplayWindow {
	return &ReplayWindow{size: size}
}

// Accept регистрирует msgID. Возвращает ErrReplay для повтора или
// слишком старого сообщения.
func (w *ReplayWindow) Accept(msgID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	size := w.size
	if size <= 0 {
		size = DefaultReplayWindow
	}
	if len(w.ids) >= size && msgID < w.ids[0] {
		return ErrReplay
	}
	i, found := slices.BinarySearch(w.ids, msgID)
	if found {
		return ErrReplay
	}
	w.ids = slices.Insert(w.ids, i, msgID)
	if len(w.ids) > size {
		w.ids = slices.Delete(w.ids, 0, len(w.ids)-size)
	}
	return nil
}

// Reset забывает все msg_id, например при смене ключа.
func (w *ReplayWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids = w.ids[:0]
}
