package dispatch

import (
	"context"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// ErrStopPropagation, возвращённый обработчиком, прекращает обход
// оставшихся обработчиков для текущего события.
var ErrStopPropagation = errors.New("dispatch: stop propagation")

// Handler обрабатывает событие. Может вызывать Invoke клиента.
type Handler func(ctx context.Context, ev *Event) error

// Registration: регистрация обработчика; служит ключом для Remove.
type Registration struct {
	ID        uint64
	Predicate Predicate
	Handler   Handler
	Order     int
}

// Dispatcher хранит упорядоченный список регистраций. Потокобезопасен;
// регистрации можно добавлять и удалять во время обхода, изменение
// вступает в силу со следующего события.
type Dispatcher struct {
	mux    sync.RWMutex
	regs   []*Registration
	nextID uint64
	log    *zap.Logger
}

// New создаёт пустой Dispatcher. log == nil, без логирования.
func New(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log}
}

// Register добавляет обработчик в конец списка. pred == nil эквивалентен Any().
func (d *Dispatcher) Register(pred Predicate, h Handler) *Registration {
	if pred == nil {
		pred = Any()
	}
	d.mux.Lock()
	defer d.mux.Unlock()
	d.nextID++
	reg := &Registration{ID: d.nextID, Predicate: pred, Handler: h, Order: len(d.regs)}
	d.regs = append(d.regs, reg)
	return reg
}

// Remove удаляет регистрацию. false, она уже удалена.
func (d *Dispatcher) Remove(reg *Registration) bool {
	if reg == nil {
		return false
	}
	d.mux.Lock()
	defer d.mux.Unlock()
	i := slices.Index(d.regs, reg)
	if i < 0 {
		return false
	}
	d.regs = slices.Delete(slices.Clone(d.regs), i, i+1)
	for j, r := range d.regs {
		r.Order = j
	}
	return true
}

// Len: число регистраций.
func (d *Dispatcher) Len() int {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return len(d.regs)
}

// Dispatch передаёт ev подходящим обработчикам по порядку и возвращает
// число вызванных.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) int {
	d.mux.RLock()
	regs := d.regs
	d.mux.RUnlock()

	called := 0
	for _, reg := range regs {
		if ctx.Err() != nil {
			break
		}
		ok, groups := reg.Predicate.match(ev)
		if !ok {
			continue
		}
		called++
		view := *ev
		view.Match = groups
		err := d.call(ctx, reg, &view)
		if errors.Is(err, ErrStopPropagation) {
			break
		}
		if err != nil {
			d.log.Warn("handler failed",
				zap.Uint64("handler", reg.ID),
				zap.Stringer("kind", ev.Kind),
				zap.Int32("seq", ev.Seq),
				zap.Error(err))
		}
	}
	return called
}

func (d *Dispatcher) call(ctx context.Context, reg *Registration, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return reg.Handler(ctx, ev)
}
