package wire

import (
	"strconv"

	"github.com/gotd/td/bin"
)

// RPCResult несёт ответ на запрос ReqMsgID. Result, сериализованный объект
// результата (в том числе RPCError или GzipPacked), разбирается вызывающим.
type RPCResult struct {
	ReqMsgID int64
	Result   []byte
}

func (*RPCResult) TypeID() uint32 { return RPCResultTypeID }

func (r *RPCResult) Encode(b *bin.Buffer) error {
	b.PutID(RPCResultTypeID)
	b.PutLong(r.ReqMsgID)
	b.Put(r.Result)
	return nil
}

func (r *RPCResult) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, RPCResultTypeID); err != nil {
		return err
	}
	if r.ReqMsgID, err = b.Long(); err != nil {
		return err
	}
	r.Result = append([]byte(nil), b.Buf...)
	b.Buf = b.Buf[len(b.Buf):]
	return nil
}

// RPCError: типизированная ошибка обработки запроса.
type RPCError struct {
	ErrorCode    int32
	ErrorMessage string
}

func (*RPCError) TypeID() uint32 { return RPCErrorTypeID }

func (r *RPCError) Error() string {
	return "rpc error " + strconv.Itoa(int(r.ErrorCode)) + ": " + r.ErrorMessage
}

func (r *RPCError) Encode(b *bin.Buffer) error {
	b.PutID(RPCErrorTypeID)
	b.PutInt32(r.ErrorCode)
	b.PutString(r.ErrorMessage)
	return nil
}

func (r *RPCError) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, RPCErrorTypeID); err != nil {
		return err
	}
	if r.ErrorCode, err = b.Int32(); err != nil {
		return err
	}
	r.ErrorMessage, err = b.String()
	return err
}

// BadServerSalt: сообщение BadMsgID отправлено с устаревшей солью;
// его нужно переотправить с NewServerSalt.
type BadServerSalt struct {
	BadMsgID      int64
	BadMsgSeqNo   int32
	ErrorCode     int32
	NewServerSalt int64
}

func (*BadServerSalt) TypeID() uint32 { return BadServerSaltTypeID }

func (s *BadServerSalt) Encode(b *bin.Buffer) error {
	b.PutID(BadServerSaltTypeID)
	b.PutLong(s.BadMsgID)
	b.PutInt32(s.BadMsgSeqNo)
	b.PutInt32(s.ErrorCode)
	b.PutLong(s.NewServerSalt)
	return nil
}

func (s *BadServerSalt) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, BadServerSaltTypeID); err != nil {
		return err
	}
	if s.BadMsgID, err = b.Long(); err != nil {
		return err
	}
	if s.BadMsgSeqNo, err = b.Int32(); err != nil {
		return err
	}
	if s.ErrorCode, err = b.Int32(); err != nil {
		return err
	}
	s.NewServerSalt, err = b.Long()
	return err
}

// NewSessionCreated: сервер открыл новую сессию для session_id клиента.
type NewSessionCreated struct {
	FirstMsgID int64
	UniqueID   int64
	ServerSalt int64
}

func (*NewSessionCreated) TypeID() uint32 { return NewSessionCreatedTypeID }

func (n *NewSessionCreated) Encode(b *bin.Buffer) error {
	b.PutID(NewSessionCreatedTypeID)
	b.PutLong(n.FirstMsgID)
	b.PutLong(n.UniqueID)
	b.PutLong(n.ServerSalt)
	return nil
}

func (n *NewSessionCreated) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, NewSessionCreatedTypeID); err != nil {
		return err
	}
	if n.FirstMsgID, err = b.Long(); err != nil {
		return err
	}
	if n.UniqueID, err = b.Long(); err != nil {
		return err
	}
	n.ServerSalt, err = b.Long()
	return err
}
