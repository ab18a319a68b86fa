package wire

import (
	"sync"
	"time"
)

// MsgKind: младшие два бита msg_id, кодирующие направление и тип сообщения.
type MsgKind int64

const (
	MsgFromClient     MsgKind = 0 // запросы клиента: msg_id кратен 4
	MsgServerResponse MsgKind = 1 // ответы сервера на запросы
	MsgServerUpdate   MsgKind = 3 // незапрошенные сообщения сервера
)

// MsgIDGen выдаёт строго возрастающие идентификаторы сообщений вида
// unixtime<<32 | дробная часть секунды, с видом сообщения в младших битах.
// Потокобезопасен.
type MsgIDGen struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewMsgIDGen создаёт генератор. now == nil означает time.Now.
func NewMsgIDGen(now func() time.Time) *MsgIDGen {
	if now == nil {
		now = time.Now
	}
	return &MsgIDGen{now: now}
}

// New возвращает следующий идентификатор вида kind.
func (g *MsgIDGen) New(kind MsgKind) int64 {
	t := g.now()
	id := t.Unix()<<32 | int64(t.Nanosecond())
	id = id&^3 | int64(kind)

	g.mu.Lock()
	defer g.mu.Unlock()
	if id <= g.last {
		id = (g.last&^3 + 4) | int64(kind)
	}
	g.last = id
	return id
}

// KindOf возвращает вид сообщения по его идентификатору.
func KindOf(msgID int64) MsgKind {
	return MsgKind(msgID & 3)
}

// TimeOf восстанавливает время создания идентификатора (с точностью до секунды).
func TimeOf(msgID int64) time.Time {
	return time.Unix(msgID>>32, 0)
}
