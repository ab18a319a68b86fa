// Package dispatch доставляет апдейты обработчикам приложения.
//
// Обработчик регистрируется вместе с предикатом из закрытого набора
// (TextPattern, FromSenders, ChatTypeIs, Incoming, Outgoing, KindIs, All,
// Any). Для каждого события обработчики вызываются в порядке регистрации;
// ошибка или паника одного обработчика логируется и не мешает остальным.
// ErrStopPropagation прекращает обход для текущего события.
package dispatch

import (
	"telegram-mtengine/internal/mtproto/wire"
)

// Kind: вид события.
type Kind int

const (
	KindNewMessage Kind = iota + 1
	KindEditMessage
	KindDeleteMessages
	// KindStateReset: клиент перешёл к состоянию сервера, часть апдейтов
	// потеряна безвозвратно.
	KindStateReset
)

func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return "new_message"
	case KindEditMessage:
		return "edit_message"
	case KindDeleteMessages:
		return "delete_messages"
	case KindStateReset:
		return "state_reset"
	default:
		return "unknown"
	}
}

// Message: сообщение в событии.
type Message struct {
	ID       int32
	ChatID   int64
	ChatType int32
	SenderID int64
	Out      bool
	Text     string
	Date     int32
}

// Event: нормализованный апдейт.
type Event struct {
	Kind Kind
	Seq  int32
	Date int32
	// Message заполнен для KindNewMessage и KindEditMessage.
	Message *Message
	// ChatID и DeletedIDs заполнены для KindDeleteMessages.
	ChatID     int64
	DeletedIDs []int32
	// ResetFrom: последний seq, применённый до KindStateReset.
	ResetFrom int32
	// Match: группы совпадения TextPattern текущей регистрации:
	// Match[0]: всё совпадение.
	Match []string
}

// FromUpdate строит событие из апдейта сервера. nil, апдейт не
// интересен обработчикам.
func FromUpdate(seq, date int32, u wire.UpdateClass) *Event {
	switch u := u.(type) {
	case *wire.UpdateNewMessage:
		return &Event{Kind: KindNewMessage, Seq: seq, Date: date, Message: messageOf(&u.Message), ChatID: u.Message.ChatID}
	case *wire.UpdateEditMessage:
		return &Event{Kind: KindEditMessage, Seq: seq, Date: date, Message: messageOf(&u.Message), ChatID: u.Message.ChatID}
	case *wire.UpdateDeleteMessages:
		return &Event{Kind: KindDeleteMessages, Seq: seq, Date: date, ChatID: u.ChatID, DeletedIDs: append([]int32(nil), u.IDs...)}
	default:
		return nil
	}
}

// StateReset строит событие о переходе к состоянию сервера.
func StateReset(from int32, st wire.State) *Event {
	return &Event{Kind: KindStateReset, Seq: st.Seq, Date: st.Date, ResetFrom: from}
}

func messageOf(m *wire.Message) *Message {
	return &Message{
		ID:       m.ID,
		ChatID:   m.ChatID,
		ChatType: m.ChatType,
		SenderID: m.SenderID,
		Out:      m.Out,
		Text:     m.Text,
		Date:     m.Date,
	}
}
