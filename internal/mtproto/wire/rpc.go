package wire

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
)

// Ping: проверка живости соединения.
type Ping struct {
	PingID int64
}

func (*Ping) TypeID() uint32 { return PingTypeID }

func (p *Ping) Encode(b *bin.Buffer) error {
	b.PutID(PingTypeID)
	b.PutLong(p.PingID)
	return nil
}

func (p *Ping) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, PingTypeID); err != nil {
		return err
	}
	p.PingID, err = b.Long()
	return err
}

// Pong: ответ на Ping.
type Pong struct {
	MsgID  int64
	PingID int64
}

func (*Pong) TypeID() uint32 { return PongTypeID }

func (p *Pong) Encode(b *bin.Buffer) error {
	b.PutID(PongTypeID)
	b.PutLong(p.MsgID)
	b.PutLong(p.PingID)
	return nil
}

func (p *Pong) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, PongTypeID); err != nil {
		return err
	}
	if p.MsgID, err = b.Long(); err != nil {
		return err
	}
	p.PingID, err = b.Long()
	return err
}

// Echo возвращает Text обратно; удобен для проверки туннеля.
type Echo struct {
	Text string
}

func (*Echo) TypeID() uint32 { return EchoTypeID }

func (e *Echo) Encode(b *bin.Buffer) error {
	b.PutID(EchoTypeID)
	b.PutString(e.Text)
	return nil
}

func (e *Echo) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, EchoTypeID); err != nil {
		return err
	}
	e.Text, err = b.String()
	return err
}

// EchoResult: ответ на Echo.
type EchoResult struct {
	Text string
}

func (*EchoResult) TypeID() uint32 { return EchoResultTypeID }

func (e *EchoResult) Encode(b *bin.Buffer) error {
	b.PutID(EchoResultTypeID)
	b.PutString(e.Text)
	return nil
}

func (e *EchoResult) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, EchoResultTypeID); err != nil {
		return err
	}
	e.Text, err = b.String()
	return err
}

// SendMessage публикует сообщение в чат; все сессии получают UpdateNewMessage.
type SendMessage struct {
	ChatID   int64
	ChatType int32
	Text     string
}

func (*SendMessage) TypeID() uint32 { return SendMessageTypeID }

func (s *SendMessage) Encode(b *bin.Buffer) error {
	b.PutID(SendMessageTypeID)
	b.PutLong(s.ChatID)
	b.PutInt32(s.ChatType)
	b.PutString(s.Text)
	return nil
}

func (s *SendMessage) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, SendMessageTypeID); err != nil {
		return err
	}
	if s.ChatID, err = b.Long(); err != nil {
		return err
	}
	if s.ChatType, err = b.Int32(); err != nil {
		return err
	}
	s.Text, err = b.String()
	return err
}

// EditMessage меняет текст ранее отправленного сообщения.
type EditMessage struct {
	ChatID    int64
	MessageID int32
	Text      string
}

func (*EditMessage) TypeID() uint32 { return EditMessageTypeID }

func (e *EditMessage) Encode(b *bin.Buffer) error {
	b.PutID(EditMessageTypeID)
	b.PutLong(e.ChatID)
	b.PutInt32(e.MessageID)
	b.PutString(e.Text)
	return nil
}

func (e *EditMessage) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, EditMessageTypeID); err != nil {
		return err
	}
	if e.ChatID, err = b.Long(); err != nil {
		return err
	}
	if e.MessageID, err = b.Int32(); err != nil {
		return err
	}
	e.Text, err = b.String()
	return err
}

// DeleteMessages удаляет сообщения чата.
type DeleteMessages struct {
	ChatID int64
	IDs    []int32
}

func (*DeleteMessages) TypeID() uint32 { return DeleteMessagesTypeID }

func (d *DeleteMessages) Encode(b *bin.Buffer) error {
	b.PutID(DeleteMessagesTypeID)
	b.PutLong(d.ChatID)
	putInt32Vector(b, d.IDs)
	return nil
}

func (d *DeleteMessages) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, DeleteMessagesTypeID); err != nil {
		return err
	}
	if d.ChatID, err = b.Long(); err != nil {
		return err
	}
	d.IDs, err = int32Vector(b)
	return err
}

// MessageSent: результат SendMessage/EditMessage/DeleteMessages:
// идентификатор сообщения и seq порождённого апдейта.
type MessageSent struct {
	MessageID int32
	Seq       int32
	Date      int32
}

func (*MessageSent) TypeID() uint32 { return MessageSentTypeID }

func (m *MessageSent) Encode(b *bin.Buffer) error {
	b.PutID(MessageSentTypeID)
	b.PutInt32(m.MessageID)
	b.PutInt32(m.Seq)
	b.PutInt32(m.Date)
	return nil
}

func (m *MessageSent) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, MessageSentTypeID); err != nil {
		return err
	}
	if m.MessageID, err = b.Int32(); err != nil {
		return err
	}
	if m.Seq, err = b.Int32(); err != nil {
		return err
	}
	m.Date, err = b.Int32()
	return err
}

// GetState запрашивает текущее состояние последовательности апдейтов.
type GetState struct{}

func (*GetState) TypeID() uint32 { return GetStateTypeID }

func (*GetState) Encode(b *bin.Buffer) error {
	b.PutID(GetStateTypeID)
	return nil
}

func (*GetState) Decode(b *bin.Buffer) error {
	return consumeID(b, GetStateTypeID)
}

// State: последний выданный сервером seq и его дата.
type State struct {
	Seq  int32
	Date int32
}

func (*State) TypeID() uint32 { return StateTypeID }

func (s *State) Encode(b *bin.Buffer) error {
	b.PutID(StateTypeID)
	b.PutInt32(s.Seq)
	b.PutInt32(s.Date)
	return nil
}

func (s *State) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, StateTypeID); err != nil {
		return err
	}
	if s.Seq, err = b.Int32(); err != nil {
		return err
	}
	s.Date, err = b.Int32()
	return err
}

// GetDifference запрашивает апдейты начиная с FromSeq включительно (не больше Limit).
type GetDifference struct {
	FromSeq int32
	Limit   int32
}

func (*GetDifference) TypeID() uint32 { return GetDifferenceTypeID }

func (g *GetDifference) Encode(b *bin.Buffer) error {
	b.PutID(GetDifferenceTypeID)
	b.PutInt32(g.FromSeq)
	b.PutInt32(g.Limit)
	return nil
}

func (g *GetDifference) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, GetDifferenceTypeID); err != nil {
		return err
	}
	if g.FromSeq, err = b.Int32(); err != nil {
		return err
	}
	g.Limit, err = b.Int32()
	return err
}

// DifferenceClass: результат GetDifference.
type DifferenceClass interface {
	Object
	GetState() State
}

// Difference: пропущенные апдейты по порядку seq и состояние после них.
type Difference struct {
	Updates []UpdateShort
	State   State
}

func (*Difference) TypeID() uint32    { return DifferenceTypeID }
func (d *Difference) GetState() State { return d.State }

func (d *Difference) Encode(b *bin.Buffer) error {
	b.PutID(DifferenceTypeID)
	b.PutVectorHeader(len(d.Updates))
	for i := range d.Updates {
		if err := d.Updates[i].Encode(b); err != nil {
			return errors.Wrapf(err, "encode update %d", i)
		}
	}
	return d.State.Encode(b)
}

func (d *Difference) Decode(b *bin.Buffer) error {
	if err := consumeID(b, DifferenceTypeID); err != nil {
		return err
	}
	n, err := b.VectorHeader()
	if err != nil {
		return err
	}
	d.Updates = make([]UpdateShort, n)
	for i := range d.Updates {
		if err := d.Updates[i].Decode(b); err != nil {
			return errors.Wrapf(err, "decode update %d", i)
		}
	}
	return d.State.Decode(b)
}

// DifferenceEmpty: пропусков нет.
type DifferenceEmpty struct {
	State State
}

func (*DifferenceEmpty) TypeID() uint32    { return DifferenceEmptyTypeID }
func (d *DifferenceEmpty) GetState() State { return d.State }

func (d *DifferenceEmpty) Encode(b *bin.Buffer) error {
	b.PutID(DifferenceEmptyTypeID)
	return d.State.Encode(b)
}

func (d *DifferenceEmpty) Decode(b *bin.Buffer) error {
	if err := consumeID(b, DifferenceEmptyTypeID); err != nil {
		return err
	}
	return d.State.Decode(b)
}

// DifferenceTooLong: история на сервере уже не покрывает запрошенный диапазон;
// клиенту остаётся перейти к State.
type DifferenceTooLong struct {
	State State
}

func (*DifferenceTooLong) TypeID() uint32    { return DifferenceTooLongTypeID }
func (d *DifferenceTooLong) GetState() State { return d.State }

func (d *DifferenceTooLong) Encode(b *bin.Buffer) error {
	b.PutID(DifferenceTooLongTypeID)
	return d.State.Encode(b)
}

func (d *DifferenceTooLong) Decode(b *bin.Buffer) error {
	if err := consumeID(b, DifferenceTooLongTypeID); err != nil {
		return err
	}
	return d.State.Decode(b)
}

// DifferenceBox декодирует любой вариант DifferenceClass.
type DifferenceBox struct {
	Difference DifferenceClass
}

func (d *DifferenceBox) Decode(b *bin.Buffer) error {
	id, err := b.PeekID()
	if err != nil {
		return err
	}
	var v DifferenceClass
	switch id {
	case DifferenceTypeID:
		v = &Difference{}
	case DifferenceEmptyTypeID:
		v = &DifferenceEmpty{}
	case DifferenceTooLongTypeID:
		v = &DifferenceTooLong{}
	default:
		return errors.Errorf("unexpected difference constructor %#x", id)
	}
	if err := v.Decode(b); err != nil {
		return err
	}
	d.Difference = v
	return nil
}

// Logout уничтожает auth key на сервере.
type Logout struct{}

func (*Logout) TypeID() uint32 { return LogoutTypeID }

func (*Logout) Encode(b *bin.Buffer) error {
	b.PutID(LogoutTypeID)
	return nil
}

func (*Logout) Decode(b *bin.Buffer) error {
	return consumeID(b, LogoutTypeID)
}

// BoolTrue: пустой успешный результат.
type BoolTrue struct{}

func (*BoolTrue) TypeID() uint32 { return BoolTrueTypeID }

func (*BoolTrue) Encode(b *bin.Buffer) error {
	b.PutID(BoolTrueTypeID)
	return nil
}

func (*BoolTrue) Decode(b *bin.Buffer) error {
	return consumeID(b, BoolTrueTypeID)
}

func putInt32Vector(b *bin.Buffer, v []int32) {
	b.PutVectorHeader(len(v))
	for _, x := range v {
		b.PutInt32(x)
	}
}

func int32Vector(b *bin.Buffer) ([]int32, error) {
	n, err := b.VectorHeader()
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		if out[i], err = b.Int32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
