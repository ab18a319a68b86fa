// Package correlator сопоставляет ответы сервера с ожидающими запросами.
//
// Каждый отправленный запрос регистрируется под своим msg_id и ждёт ровно
// одного исхода: ответа, ошибки сервера, таймаута или разрыва соединения.
// После исхода запись удаляется; ответ, пришедший позже, логируется и
// отбрасывается.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-mtengine/internal/mtproto/mterr"
)

// ErrDuplicate: запрос с таким идентификатором уже ожидает ответа.
var ErrDuplicate = errors.New("correlator: duplicate request id")

// Pending: запрос «в полёте». Принадлежит Correlator-у.
type Pending struct {
	ID        int64
	Payload   []byte
	Submitted time.Time

	done chan struct{}
	body []byte
	err  error
}

// Done закрывается, когда у запроса появился исход.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Options: параметры Correlator.
type Options struct {
	// Timeout: дедлайн ответа по умолчанию; 0, ждать только контекст.
	Timeout time.Duration
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Correlator: таблица ожидающих запросов. Потокобезопасен.
type Correlator struct {
	mux     sync.Mutex
	pending map[int64]*Pending
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// New создаёт пустую таблицу.
func New(opts Options) *Correlator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Correlator{
		pending: make(map[int64]*Pending),
		timeout: opts.Timeout,
		log:     opts.Logger,
		now:     opts.Clock,
	}
}

// Register заводит ожидание ответа на запрос id.
func (c *Correlator) Register(id int64, payload []byte) (*Pending, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicate
	}
	p := &Pending{ID: id, Payload: payload, Submitted: c.now(), done: make(chan struct{})}
	c.pending[id] = p
	return p, nil
}

// Wait блокируется до исхода запроса, таймаута или отмены ctx. При
// таймауте и отмене запись удаляется, так что поздний ответ будет отброшен.
func (c *Correlator) Wait(ctx context.Context, p *Pending) ([]byte, error) {
	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-p.done:
		return p.body, p.err
	case <-timeout:
		if id, ok := c.evict(p); ok {
			return nil, &mterr.TimeoutError{RequestID: id, After: c.timeout}
		}
	case <-ctx.Done():
		if _, ok := c.evict(p); ok {
			return nil, ctx.Err()
		}
	}
	// Исход успел наступить параллельно с таймаутом.
	<-p.done
	return p.body, p.err
}

// evict удаляет p, если он ещё ожидает, и возвращает его текущий id.
func (c *Correlator) evict(p *Pending) (int64, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if cur, ok := c.pending[p.ID]; !ok || cur != p {
		return 0, false
	}
	delete(c.pending, p.ID)
	return p.ID, true
}

// Resolve завершает запрос id ответом body. false, запроса нет (поздний
// или чужой ответ), ответ отброшен.
func (c *Correlator) Resolve(id int64, body []byte) bool {
	return c.finish(id, body, nil)
}

// Reject завершает запрос id ошибкой.
func (c *Correlator) Reject(id int64, err error) bool {
	return c.finish(id, nil, err)
}

func (c *Correlator) finish(id int64, body []byte, err error) bool {
	c.mux.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mux.Unlock()

	if !ok {
		c.log.Debug("late or unknown response dropped", zap.Int64("req_msg_id", id), zap.Error(err))
		return false
	}
	p.body, p.err = body, err
	close(p.done)
	return true
}

// Get возвращает ожидающий запрос (например, чтобы переотправить его).
func (c *Correlator) Get(id int64) (*Pending, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	p, ok := c.pending[id]
	return p, ok
}

// Rekey переносит ожидание на новый msg_id: переотправленное сообщение
// получает новый идентификатор, а вызывающий продолжает ждать тот же Pending.
func (c *Correlator) Rekey(oldID, newID int64) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	p, ok := c.pending[oldID]
	if !ok {
		return false
	}
	if _, busy := c.pending[newID]; busy {
		return false
	}
	delete(c.pending, oldID)
	p.ID = newID
	c.pending[newID] = p
	return true
}

// FailAll завершает все ожидающие запросы ошибкой err и возвращает их число.
func (c *Correlator) FailAll(err error) int {
	c.mux.Lock()
	all := c.pending
	c.pending = make(map[int64]*Pending)
	c.mux.Unlock()

	for _, p := range all {
		p.err = err
		close(p.done)
	}
	if len(all) > 0 {
		c.log.Debug("pending requests failed", zap.Int("count", len(all)), zap.Error(err))
	}
	return len(all)
}

// Len: число ожидающих запросов.
func (c *Correlator) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.pending)
}
