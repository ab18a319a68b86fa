package wire

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
)

// Message: сообщение чата в том виде, в каком его видит конкретная сессия:
// Out выставляется сервером для каждого получателя отдельно.
type Message struct {
	ID       int32
	ChatID   int64
	ChatType int32
	SenderID int64
	Out      bool
	Text     string
	Date     int32
}

func (*Message) TypeID() uint32 { return MessageTypeID }

func (m *Message) Encode(b *bin.Buffer) error {
	b.PutID(MessageTypeID)
	b.PutInt32(m.ID)
	b.PutLong(m.ChatID)
	b.PutInt32(m.ChatType)
	b.PutLong(m.SenderID)
	b.PutBool(m.Out)
	b.PutString(m.Text)
	b.PutInt32(m.Date)
	return nil
}

func (m *Message) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, MessageTypeID); err != nil {
		return err
	}
	if m.ID, err = b.Int32(); err != nil {
		return err
	}
	if m.ChatID, err = b.Long(); err != nil {
		return err
	}
	if m.ChatType, err = b.Int32(); err != nil {
		return err
	}
	if m.SenderID, err = b.Long(); err != nil {
		return err
	}
	if m.Out, err = b.Bool(); err != nil {
		return err
	}
	if m.Text, err = b.String(); err != nil {
		return err
	}
	m.Date, err = b.Int32()
	return err
}

// UpdateClass: полезная нагрузка апдейта.
type UpdateClass interface {
	Object
	updateClass()
}

// UpdateNewMessage: в чате появилось сообщение.
type UpdateNewMessage struct {
	Message Message
}

func (*UpdateNewMessage) TypeID() uint32 { return UpdateNewMessageTypeID }
func (*UpdateNewMessage) updateClass()   {}

func (u *UpdateNewMessage) Encode(b *bin.Buffer) error {
	b.PutID(UpdateNewMessageTypeID)
	return u.Message.Encode(b)
}

func (u *UpdateNewMessage) Decode(b *bin.Buffer) error {
	if err := consumeID(b, UpdateNewMessageTypeID); err != nil {
		return err
	}
	return u.Message.Decode(b)
}

// UpdateEditMessage: сообщение изменено.
type UpdateEditMessage struct {
	Message Message
}

func (*UpdateEditMessage) TypeID() uint32 { return UpdateEditMessageTypeID }
func (*UpdateEditMessage) updateClass()   {}

func (u *UpdateEditMessage) Encode(b *bin.Buffer) error {
	b.PutID(UpdateEditMessageTypeID)
	return u.Message.Encode(b)
}

func (u *UpdateEditMessage) Decode(b *bin.Buffer) error {
	if err := consumeID(b, UpdateEditMessageTypeID); err != nil {
		return err
	}
	return u.Message.Decode(b)
}

// UpdateDeleteMessages: сообщения чата удалены.
type UpdateDeleteMessages struct {
	ChatID int64
	IDs    []int32
}

func (*UpdateDeleteMessages) TypeID() uint32 { return UpdateDeleteMessagesTypeID }
func (*UpdateDeleteMessages) updateClass()   {}

func (u *UpdateDeleteMessages) Encode(b *bin.Buffer) error {
	b.PutID(UpdateDeleteMessagesTypeID)
	b.PutLong(u.ChatID)
	putInt32Vector(b, u.IDs)
	return nil
}

func (u *UpdateDeleteMessages) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, UpdateDeleteMessagesTypeID); err != nil {
		return err
	}
	if u.ChatID, err = b.Long(); err != nil {
		return err
	}
	u.IDs, err = int32Vector(b)
	return err
}

// DecodeUpdate читает любой вариант UpdateClass.
func DecodeUpdate(b *bin.Buffer) (UpdateClass, error) {
	id, err := b.PeekID()
	if err != nil {
		return nil, err
	}
	var u UpdateClass
	switch id {
	case UpdateNewMessageTypeID:
		u = &UpdateNewMessage{}
	case UpdateEditMessageTypeID:
		u = &UpdateEditMessage{}
	case UpdateDeleteMessagesTypeID:
		u = &UpdateDeleteMessages{}
	default:
		return nil, errors.Errorf("unexpected update constructor %#x", id)
	}
	if err := u.Decode(b); err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateShort: апдейт с номером в общей последовательности сессии.
type UpdateShort struct {
	Seq    int32
	Date   int32
	Update UpdateClass
}

func (*UpdateShort) TypeID() uint32 { return UpdateShortTypeID }

func (u *UpdateShort) Encode(b *bin.Buffer) error {
	if u.Update == nil {
		return errors.New("update_short: nil update")
	}
	b.PutID(UpdateShortTypeID)
	b.PutInt32(u.Seq)
	b.PutInt32(u.Date)
	return u.Update.Encode(b)
}

func (u *UpdateShort) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, UpdateShortTypeID); err != nil {
		return err
	}
	if u.Seq, err = b.Int32(); err != nil {
		return err
	}
	if u.Date, err = b.Int32(); err != nil {
		return err
	}
	u.Update, err = DecodeUpdate(b)
	return err
}
