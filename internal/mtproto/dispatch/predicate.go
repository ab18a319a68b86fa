package dispatch

import (
	"regexp"
	"slices"

	"github.com/go-faster/errors"
)

// Predicate решает, интересно ли событие обработчику. Набор реализаций
// закрыт: все они объявлены в этом пакете.
type Predicate interface {
	match(ev *Event) (ok bool, groups []string)
}

type anyPredicate struct{}

func (anyPredicate) match(*Event) (bool, []string) { return true, nil }

// Any совпадает с любым событием.
func Any() Predicate { return anyPredicate{} }

type textPattern struct {
	re *regexp.Regexp
}

func (p textPattern) match(ev *Event) (bool, []string) {
	if ev.Message == nil {
		return false, nil
	}
	groups := p.re.FindStringSubmatch(ev.Message.Text)
	if groups == nil {
		return false, nil
	}
	return true, groups
}

// TextPattern совпадает с сообщениями, текст которых подходит под re.
// Группы совпадения попадают в Event.Match.
func TextPattern(re *regexp.Regexp) Predicate { return textPattern{re: re} }

// Pattern компилирует expr и возвращает TextPattern.
func Pattern(expr string) (Predicate, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "compile pattern %q", expr)
	}
	return TextPattern(re), nil
}

// MustPattern: Pattern, паникующий на некорректном выражении.
func MustPattern(expr string) Predicate {
	return TextPattern(regexp.MustCompile(expr))
}

type fromSenders []int64

func (p fromSenders) match(ev *Event) (bool, []string) {
	return ev.Message != nil && slices.Contains(p, ev.Message.SenderID), nil
}

// FromSenders совпадает с сообщениями перечисленных отправителей.
func FromSenders(ids ...int64) Predicate { return fromSenders(slices.Clone(ids)) }

type chatTypeIs []int32

func (p chatTypeIs) match(ev *Event) (bool, []string) {
	return ev.Message != nil && slices.Contains(p, ev.Message.ChatType), nil
}

// ChatTypeIs совпадает с сообщениями из чатов перечисленных типов
// (wire.ChatPrivate, wire.ChatGroup, wire.ChatChannel).
func ChatTypeIs(types ...int32) Predicate { return chatTypeIs(slices.Clone(types)) }

type direction bool

func (p direction) match(ev *Event) (bool, []string) {
	return ev.Message != nil && ev.Message.Out == bool(p), nil
}

// Incoming совпадает с сообщениями, отправленными не этим клиентом.
func Incoming() Predicate { return direction(false) }

// Outgoing совпадает с сообщениями, отправленными этим аккаунтом.
func Outgoing() Predicate { return direction(true) }

type kindIs []Kind

func (p kindIs) match(ev *Event) (bool, []string) {
	return slices.Contains(p, ev.Kind), nil
}

// KindIs совпадает с событиями перечисленных видов.
func KindIs(kinds ...Kind) Predicate { return kindIs(slices.Clone(kinds)) }

type all []Predicate

func (p all) match(ev *Event) (bool, []string) {
	var groups []string
	for _, pred := range p {
		ok, g := pred.match(ev)
		if !ok {
			return false, nil
		}
		if groups == nil {
			groups = g
		}
	}
	return true, groups
}

// All совпадает, когда совпали все preds. Пустой список совпадает всегда.
func All(preds ...Predicate) Predicate { return all(slices.Clone(preds)) }
