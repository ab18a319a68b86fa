package server

import (
	"sync"
	"time"

	"telegram-mtengine/internal/mtproto/wire"
)

// Ошибки бэкенда в формате RPCError.
var (
	errMessageEmpty   = &wire.RPCError{ErrorCode: 400, ErrorMessage: "MESSAGE_EMPTY"}
	errPeerInvalid    = &wire.RPCError{ErrorCode: 400, ErrorMessage: "PEER_ID_INVALID"}
	errMessageInvalid = &wire.RPCError{ErrorCode: 400, ErrorMessage: "MESSAGE_ID_INVALID"}
	errAuthorRequired = &wire.RPCError{ErrorCode: 403, ErrorMessage: "MESSAGE_AUTHOR_REQUIRED"}
)

const defaultDifferenceLimit = 100

// event: апдейт в ленте. Флаг Out в сообщении вычисляется для каждого
// получателя отдельно.
type event struct {
	seq    int32
	date   int32
	sender int64
	update wire.UpdateClass
}

// forUser возвращает апдейт глазами пользователя user.
func (e *event) forUser(user int64) wire.UpdateShort {
	u := e.update
	switch v := e.update.(type) {
	case *wire.UpdateNewMessage:
		m := v.Message
		m.Out = m.SenderID == user
		u = &wire.UpdateNewMessage{Message: m}
	case *wire.UpdateEditMessage:
		m := v.Message
		m.Out = m.SenderID == user
		u = &wire.UpdateEditMessage{Message: m}
	}
	return wire.UpdateShort{Seq: e.seq, Date: e.date, Update: u}
}

// feed: общая лента апдейтов с ограниченной историей и хранилище сообщений.
type feed struct {
	mu      sync.Mutex
	limit   int
	now     func() time.Time
	seq     int32
	date    int32
	history []*event
	lastMsg int32
	chats   map[int64]map[int32]*wire.Message
}

func newFeed(limit int, now func() time.Time) *feed {
	return &feed{limit: limit, now: now, chats: make(map[int64]map[int32]*wire.Message)}
}

func (f *feed) state() wire.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wire.State{Seq: f.seq, Date: f.date}
}

// push добавляет апдейт в ленту. Вызывается под f.mu.
func (f *feed) push(sender int64, u wire.UpdateClass) *event {
	f.seq++
	f.date = int32(f.now().Unix())
	ev := &event{seq: f.seq, date: f.date, sender: sender, update: u}
	f.history = append(f.history, ev)
	if over := len(f.history) - f.limit; over > 0 {
		f.history = append(f.history[:0:0], f.history[over:]...)
	}
	return ev
}

func (f *feed) newMessage(sender, chatID int64, chatType int32, text string) (*event, error) {
	if text == "" {
		return nil, errMessageEmpty
	}
	if chatID == 0 {
		return nil, errPeerInvalid
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastMsg++
	m := wire.Message{
		ID:       f.lastMsg,
		ChatID:   chatID,
		ChatType: chatType,
		SenderID: sender,
		Text:     text,
		Date:     int32(f.now().Unix()),
	}
	chat, ok := f.chats[chatID]
	if !ok {
		chat = make(map[int32]*wire.Message)
		f.chats[chatID] = chat
	}
	stored := m
	chat[m.ID] = &stored
	return f.push(sender, &wire.UpdateNewMessage{Message: m}), nil
}

func (f *feed) editMessage(user, chatID int64, id int32, text string) (*event, error) {
	if text == "" {
		return nil, errMessageEmpty
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.chats[chatID][id]
	if !ok {
		return nil, errMessageInvalid
	}
	if m.SenderID != user {
		return nil, errAuthorRequired
	}
	m.Text = text
	return f.push(user, &wire.UpdateEditMessage{Message: *m}), nil
}

func (f *feed) deleteMessages(user, chatID int64, ids []int32) (*event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	chat := f.chats[chatID]
	for _, id := range ids {
		m, ok := chat[id]
		if !ok {
			return nil, errMessageInvalid
		}
		if m.SenderID != user {
			return nil, errAuthorRequired
		}
	}
	if len(ids) == 0 {
		return nil, errMessageInvalid
	}
	for _, id := range ids {
		delete(chat, id)
	}
	deleted := append([]int32(nil), ids...)
	return f.push(user, &wire.UpdateDeleteMessages{ChatID: chatID, IDs: deleted}), nil
}

// difference возвращает апдейты с seq >= from глазами user, не больше limit.
// Если часть запрошенного уже вытеснена из истории, возвращает TooLong.
func (f *feed) difference(user int64, from, limit int32) wire.DifferenceClass {
	if limit <= 0 {
		limit = defaultDifferenceLimit
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	current := wire.State{Seq: f.seq, Date: f.date}
	if from > f.seq {
		return &wire.DifferenceEmpty{State: current}
	}
	oldest := f.seq + 1
	if len(f.history) > 0 {
		oldest = f.history[0].seq
	}
	if from < oldest && from <= f.seq {
		// Всё, что раньше oldest, уже недоступно. from == 0 означает
		// «с самого начала» и допустимо, пока история не обрезана.
		if oldest > 1 || from < 0 {
			return &wire.DifferenceTooLong{State: current}
		}
	}

	d := &wire.Difference{State: current}
	for _, ev := range f.history {
		if ev.seq < from {
			continue
		}
		if int32(len(d.Updates)) == limit {
			last := d.Updates[len(d.Updates)-1]
			d.State = wire.State{Seq: last.Seq, Date: last.Date}
			break
		}
		d.Updates = append(d.Updates, ev.forUser(user))
	}
	return d
}
