// Package lifecycle упорядочивает запуск и остановку подсистем бинарника.
// Узлы образуют дерево контекстов: отмена родителя отменяет потомков.
// Кроме родителя узел может зависеть от других узлов; они запускаются
// раньше. Shutdown останавливает узлы в порядке, обратном фактическому запуску.
package lifecycle

import (
	"context"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// StartFunc запускает узел. Возвращённый контекст (если не nil) становится
// родительским для потомков узла.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc останавливает узел; его контекст к этому моменту уже отменён.
type StopFunc func(ctx context.Context) error

type state int

const (
	stateRegistered state = iota
	stateStarting
	stateRunning
	stateStopped
	stateFailed
)

const root = "root"

type node struct {
	name   string
	parent string
	deps   []string
	start  StartFunc
	stop   StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	state  state
	err    error
}

// Manager: дерево узлов. Потокобезопасен.
type Manager struct {
	log *zap.Logger

	mu    sync.Mutex
	nodes map[string]*node
	order []string
}

// New создаёт менеджер с корнем, привязанным к ctx.
func New(ctx context.Context, log *zap.Logger) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:   log.Named("lifecycle"),
		nodes: map[string]*node{root: {name: root, ctx: ctx, state: stateRunning}},
	}
}

// Register добавляет узел. Пустой parent означает корень.
func (m *Manager) Register(name, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == root {
		return errors.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = root
	}
	deps = slices.Compact(slices.Sorted(slices.Values(deps)))
	deps = slices.DeleteFunc(deps, func(d string) bool { return d == parent })
	if slices.Contains(deps, name) {
		return errors.Errorf("lifecycle: node %q depends on itself", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; ok {
		return errors.Errorf("lifecycle: node %q already registered", name)
	}
	if _, ok := m.nodes[parent]; !ok {
		return errors.Errorf("lifecycle: parent %q of %q not registered", parent, name)
	}
	m.nodes[name] = &node{name: name, parent: parent, deps: deps, start: start, stop: stop}
	return nil
}

// StartAll запускает все узлы. Обход по алфавиту, поэтому порядок
// детерминирован; ошибки узлов объединяются.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != root {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.Debug("started", zap.Strings("order", m.Order()))
	return errors.Join(errs...)
}

// Order возвращает фактический порядок запуска.
func (m *Manager) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.state {
	case stateRunning:
		m.mu.Unlock()
		return nil
	case stateStarting:
		m.mu.Unlock()
		return errors.Errorf("lifecycle: dependency cycle at %q", name)
	case stateFailed:
		m.mu.Unlock()
		return n.err
	}
	n.state = stateStarting
	m.mu.Unlock()

	for _, dep := range append([]string{n.parent}, n.deps...) {
		if err := m.startNode(dep); err != nil {
			err = errors.Wrapf(err, "start %s", name)
			m.fail(n, err)
			return err
		}
	}

	m.mu.Lock()
	parentCtx := m.nodes[n.parent].ctx
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(parentCtx)
	if n.start != nil {
		started, err := n.start(ctx)
		if err != nil {
			cancel()
			err = errors.Wrapf(err, "start %s", name)
			m.fail(n, err)
			return err
		}
		if started != nil && started != ctx {
			// Отмена узла должна гасить и контекст, который он вернул.
			bridged, bridgedCancel := context.WithCancel(started)
			stop := context.AfterFunc(ctx, bridgedCancel)
			own := cancel
			cancel = func() {
				own()
				stop()
				bridgedCancel()
			}
			ctx = bridged
		}
	}

	m.mu.Lock()
	n.ctx, n.cancel, n.state, n.err = ctx, cancel, stateRunning, nil
	m.order = append(m.order, name)
	m.mu.Unlock()
	m.log.Debug("node running", zap.String("node", name))
	return nil
}

func (m *Manager) fail(n *node, err error) {
	m.mu.Lock()
	n.state, n.err = stateFailed, err
	m.mu.Unlock()
	m.log.Error("node failed", zap.String("node", n.name), zap.Error(err))
}

// Shutdown останавливает запущенные узлы в обратном порядке.
func (m *Manager) Shutdown() error {
	order := m.Order()
	var errs []error
	for _, name := range slices.Backward(order) {
		if err := m.stopNode(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n := m.nodes[name]
	if n.state != stateRunning {
		m.mu.Unlock()
		return nil
	}
	cancel, stop, ctx := n.cancel, n.stop, n.ctx
	m.mu.Unlock()

	cancel()
	var err error
	if stop != nil {
		err = stop(ctx)
	}

	m.mu.Lock()
	if err != nil {
		n.state, n.err = stateFailed, err
	} else {
		n.state = stateStopped
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("node stopped with error", zap.String("node", name), zap.Error(err))
		return errors.Wrapf(err, "stop %s", name)
	}
	m.log.Debug("node stopped", zap.String("node", name))
	return nil
}
