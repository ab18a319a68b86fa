package dispatch

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-mtengine/internal/mtproto/wire"
)

func newMessage(text string, out bool) *Event {
	return FromUpdate(1, 100, &wire.UpdateNewMessage{Message: wire.Message{
		ID: 1, ChatID: 10, ChatType: wire.ChatGroup, SenderID: 42, Out: out, Text: text, Date: 100,
	}})
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	deleted := FromUpdate(2, 100, &wire.UpdateDeleteMessages{ChatID: 10, IDs: []int32{1}})
	tests := []struct {
		name string
		pred Predicate
		ev   *Event
		want bool
	}{
		{"any", Any(), deleted, true},
		{"pattern match", MustPattern(`^/ping`), newMessage("/ping now", false), true},
		{"pattern miss", MustPattern(`^/ping`), newMessage("hello", false), false},
		{"pattern on delete", MustPattern(`.*`), deleted, false},
		{"sender", FromSenders(1, 42), newMessage("x", false), true},
		{"sender miss", FromSenders(1), newMessage("x", false), false},
		{"chat type", ChatTypeIs(wire.ChatGroup, wire.ChatChannel), newMessage("x", false), true},
		{"chat type miss", ChatTypeIs(wire.ChatPrivate), newMessage("x", false), false},
		{"incoming", Incoming(), newMessage("x", false), true},
		{"incoming on outgoing", Incoming(), newMessage("x", true), false},
		{"outgoing", Outgoing(), newMessage("x", true), true},
		{"kind", KindIs(KindDeleteMessages), deleted, true},
		{"kind miss", KindIs(KindNewMessage, KindEditMessage), deleted, false},
		{"all", All(Outgoing(), MustPattern(`x`)), newMessage("x", true), true},
		{"all miss", All(Outgoing(), MustPattern(`y`)), newMessage("x", true), false},
		{"all empty", All(), deleted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok, _ := tt.pred.match(tt.ev)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestPatternRejectsBadExpression(t *testing.T) {
	t.Parallel()

	_, err := Pattern(`(`)
	assert.Error(t, err)
}

func TestDispatchOrderAndMatchGroups(t *testing.T) {
	t.Parallel()

	d := New(nil)
	var order []string
	var groups []string
	d.Register(Any(), func(_ context.Context, _ *Event) error {
		order = append(order, "first")
		return nil
	})
	d.Register(All(Incoming(), TextPattern(regexp.MustCompile(`^/echo (\w+)`))), func(_ context.Context, ev *Event) error {
		order = append(order, "echo")
		groups = ev.Match
		return nil
	})
	d.Register(Outgoing(), func(_ context.Context, _ *Event) error {
		order = append(order, "outgoing")
		return nil
	})

	ev := newMessage("/echo hello", false)
	assert.Equal(t, 2, d.Dispatch(context.Background(), ev))
	assert.Equal(t, []string{"first", "echo"}, order)
	assert.Equal(t, []string{"/echo hello", "hello"}, groups)
	assert.Nil(t, ev.Match, "match groups belong to the handler's view only")
}

func TestStopPropagation(t *testing.T) {
	t.Parallel()

	d := New(nil)
	var calls []int
	d.Register(Any(), func(context.Context, *Event) error {
		calls = append(calls, 1)
		return ErrStopPropagation
	})
	d.Register(Any(), func(context.Context, *Event) error {
		calls = append(calls, 2)
		return nil
	})

	d.Dispatch(context.Background(), newMessage("a", false))
	d.Dispatch(context.Background(), newMessage("b", false))
	assert.Equal(t, []int{1, 1}, calls, "stop applies per event")
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	d := New(nil)
	var reached bool
	d.Register(Any(), func(context.Context, *Event) error { return errors.New("boom") })
	d.Register(Any(), func(context.Context, *Event) error { panic("kaboom") })
	d.Register(Any(), func(context.Context, *Event) error {
		reached = true
		return nil
	})

	require.NotPanics(t, func() {
		assert.Equal(t, 3, d.Dispatch(context.Background(), newMessage("x", false)))
	})
	assert.True(t, reached)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	d := New(nil)
	var n int
	reg := d.Register(Any(), func(context.Context, *Event) error {
		n++
		return nil
	})
	keep := d.Register(nil, func(context.Context, *Event) error { return nil })

	d.Dispatch(context.Background(), newMessage("x", false))
	require.True(t, d.Remove(reg))
	assert.False(t, d.Remove(reg))
	d.Dispatch(context.Background(), newMessage("x", false))

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 0, keep.Order)
}

func TestConcurrentRegisterDuringDispatch(t *testing.T) {
	t.Parallel()

	d := New(nil)
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				reg := d.Register(Any(), func(context.Context, *Event) error { return nil })
				d.Dispatch(context.Background(), newMessage("x", false))
				d.Remove(reg)
			}
		})
	}
	wg.Wait()
	assert.Zero(t, d.Len())
}

func TestStateResetEvent(t *testing.T) {
	t.Parallel()

	ev := StateReset(5, wire.State{Seq: 90, Date: 7})
	assert.Equal(t, KindStateReset, ev.Kind)
	assert.Equal(t, int32(5), ev.ResetFrom)
	assert.Equal(t, int32(90), ev.Seq)
	assert.Equal(t, "state_reset", ev.Kind.String())
	assert.Nil(t, FromUpdate(1, 1, nil))
}
