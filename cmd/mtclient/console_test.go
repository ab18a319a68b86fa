package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-mtengine/internal/mtproto/dispatch"
	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/session"
	"telegram-mtengine/internal/mtproto/wire"
)

type call struct {
	method   string
	chatID   int64
	chatType int32
	msgIDs   []int32
	text     string
}

type fakeBackend struct {
	calls   []call
	err     error
	session *session.Session
	logout  bool
}

func (f *fakeBackend) Ping(context.Context) (time.Duration, error) {
	f.calls = append(f.calls, call{method: "ping"})
	return time.Millisecond, f.err
}

func (f *fakeBackend) Echo(_ context.Context, text string) (string, error) {
	f.calls = append(f.calls, call{method: "echo", text: text})
	return text, f.err
}

func (f *fakeBackend) SendMessage(_ context.Context, chatID int64, chatType int32, text string) (*wire.MessageSent, error) {
	f.calls = append(f.calls, call{method: "send", chatID: chatID, chatType: chatType, text: text})
	return &wire.MessageSent{MessageID: 1, Seq: 1}, f.err
}

func (f *fakeBackend) EditMessage(_ context.Context, chatID int64, messageID int32, text string) (*wire.MessageSent, error) {
	f.calls = append(f.calls, call{method: "edit", chatID: chatID, msgIDs: []int32{messageID}, text: text})
	return &wire.MessageSent{MessageID: messageID, Seq: 2}, f.err
}

func (f *fakeBackend) DeleteMessages(_ context.Context, chatID int64, ids ...int32) (*wire.MessageSent, error) {
	f.calls = append(f.calls, call{method: "delete", chatID: chatID, msgIDs: ids})
	return &wire.MessageSent{Seq: 3}, f.err
}

func (f *fakeBackend) GetState(context.Context) (*wire.State, error) {
	f.calls = append(f.calls, call{method: "state"})
	return &wire.State{Seq: 7, Date: 100}, f.err
}

func (f *fakeBackend) Session() *session.Session { return f.session.Clone() }

func (f *fakeBackend) ExportSession() (string, error) { return "1token", nil }

func (f *fakeBackend) Logout(context.Context) error {
	f.logout = true
	return f.err
}

func TestConsole_Commands(t *testing.T) {
	tests := []struct {
		line string
		want call
		out  string
	}{
		{"ping", call{method: "ping"}, "pong in 1ms"},
		{"echo hello world", call{method: "echo", text: "hello world"}, "hello world"},
		{"send 42 hi there", call{method: "send", chatID: 42, chatType: wire.ChatPrivate, text: "hi there"}, "sent #1 (seq 1)"},
		{"send group:5 yo", call{method: "send", chatID: 5, chatType: wire.ChatGroup, text: "yo"}, "sent #1"},
		{"send channel:6 news", call{method: "send", chatID: 6, chatType: wire.ChatChannel, text: "news"}, "sent #1"},
		{"edit 42 3 fixed text", call{method: "edit", chatID: 42, msgIDs: []int32{3}, text: "fixed text"}, "edited #3 (seq 2)"},
		{"delete 42 1 2", call{method: "delete", chatID: 42, msgIDs: []int32{1, 2}}, "deleted 2 (seq 3)"},
		{"state", call{method: "state"}, "Seq:"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			b := &fakeBackend{}
			var out bytes.Buffer
			c := &console{b: b, out: &out}
			require.NoError(t, c.execute(context.Background(), tt.line))
			require.Len(t, b.calls, 1)
			assert.Equal(t, tt.want, b.calls[0])
			assert.Contains(t, out.String(), tt.out)
		})
	}
}

func TestConsole_BadInput(t *testing.T) {
	for _, line := range []string{
		"bogus",
		"send abc hi",
		"send robot:1 hi",
		"edit 1 2",
		"edit 1 x text",
		"delete 1",
		"delete 1 99999999999",
	} {
		t.Run(line, func(t *testing.T) {
			b := &fakeBackend{}
			c := &console{b: b, out: &bytes.Buffer{}}
			require.Error(t, c.execute(context.Background(), line))
			assert.Empty(t, b.calls)
		})
	}
}

func TestConsole_QuitAndSession(t *testing.T) {
	b := &fakeBackend{session: &session.Session{AuthKey: []byte{1, 2, 3}, AuthKeyID: 99}}
	var out bytes.Buffer
	c := &console{b: b, out: &out}
	ctx := context.Background()

	require.NoError(t, c.execute(ctx, ""))
	require.NoError(t, c.execute(ctx, "session"))
	assert.Contains(t, out.String(), "99")
	assert.NotNil(t, b.session.AuthKey, "session dump must not touch the client copy")

	require.NoError(t, c.execute(ctx, "export"))
	assert.Contains(t, out.String(), "1token")

	require.ErrorIs(t, c.execute(ctx, "exit"), errQuit)
	require.ErrorIs(t, c.execute(ctx, "logout"), errQuit)
	assert.True(t, b.logout)

	b.err = errors.New("boom")
	require.ErrorContains(t, c.execute(ctx, "ping"), "boom")
}

func TestFormatEvent(t *testing.T) {
	msg := &dispatch.Message{ID: 3, ChatID: 10, SenderID: 7, Text: "hi"}
	tests := []struct {
		name string
		ev   *dispatch.Event
		want string
	}{
		{"incoming", &dispatch.Event{Kind: dispatch.KindNewMessage, Seq: 1, Message: msg}, "[1] <- chat 10 #3 from 7: hi"},
		{"edited", &dispatch.Event{Kind: dispatch.KindEditMessage, Seq: 2, Message: msg}, "[2] <- chat 10 #3 from 7 (edited): hi"},
		{"deleted", &dispatch.Event{Kind: dispatch.KindDeleteMessages, Seq: 3, ChatID: 10, DeletedIDs: []int32{3}}, "[3] chat 10: deleted [3]"},
		{"reset", &dispatch.Event{Kind: dispatch.KindStateReset, Seq: 9, ResetFrom: 4}, "[9] state reset from 4, some updates were lost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev))
		})
	}

	out := *msg
	out.Out = true
	assert.Contains(t, formatEvent(&dispatch.Event{Kind: dispatch.KindNewMessage, Message: &out}), "->")
}

func TestDescribeError(t *testing.T) {
	assert.Contains(t, describeError(mterr.NewServerError(1, 420, "FLOOD_WAIT_3")), "rate limited")
	assert.Contains(t, describeError(errors.Wrap(mterr.ErrDisconnected, "send")), "disconnected")
	assert.Equal(t, "boom", describeError(errors.New("boom")))
}
