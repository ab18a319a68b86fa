// Package sequencer восстанавливает порядок апдейтов сервера.
//
// Апдейты пронумерованы общим seq. Sequencer отдаёт их получателю строго
// по порядку и ровно один раз: дубликаты и устаревшие номера отбрасываются,
// пришедшие «с опережением» буферизуются до заполнения пропуска. Пропуск,
// не закрывшийся за GapWait, дозапрашивается через GetDifference; если и
// это не помогло, выполняется полная ресинхронизация от состояния сервера.
// Потерянные апдейты никогда не исчезают молча: переход к состоянию
// сервера сопровождается вызовом Sink.Reset.
package sequencer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/wire"
)

// Envelope: апдейт с номером в последовательности. Потребляется ровно один раз.
type Envelope struct {
	Seq     int32
	Date    int32
	Payload wire.UpdateClass
}

// Sink получает результат упорядочивания. Методы вызываются из цикла
// Sequencer-а и не должны блокироваться надолго.
type Sink interface {
	// Apply вызывается для каждого апдейта по порядку seq.
	Apply(env Envelope)
	// Reset сообщает о переходе к состоянию сервера: апдейты (prev, st.Seq]
	// получены не будут.
	Reset(prev int32, st wire.State)
}

// Fetcher дозапрашивает пропущенное у сервера. Вызывается вне цикла.
type Fetcher interface {
	GetState(ctx context.Context) (wire.State, error)
	GetDifference(ctx context.Context, fromSeq int32) (wire.DifferenceClass, error)
}

// Options: параметры Sequencer.
type Options struct {
	// GapWait: сколько ждать заполнения пропуска до GetDifference; 0, сразу.
	GapWait time.Duration
	// MaxBuffered: предел буфера опережающих апдейтов; переполнение ведёт к
	// полной ресинхронизации.
	MaxBuffered int
	// MaxGapAttempts: число GetDifference по одному пропуску до полной ресинхронизации.
	MaxGapAttempts int
	// RetryWait: пауза перед повтором после ошибки запроса.
	RetryWait time.Duration
	Logger    *zap.Logger
}

func (o *Options) setDefaults() {
	if o.GapWait < 0 {
		o.GapWait = 0
	}
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = 1000
	}
	if o.MaxGapAttempts <= 0 {
		o.MaxGapAttempts = 3
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type fetchKind int

const (
	fetchGap fetchKind = iota
	fetchPoke
	fetchFull
)

type fetchResult struct {
	kind  fetchKind
	state wire.State
	diff  wire.DifferenceClass
	err   error
}

type control struct {
	sync *wire.State
	poke bool
}

// Sequencer: цикл упорядочивания. Все поля, кроме applied, принадлежат
// горутине Run.
type Sequencer struct {
	opts    Options
	sink    Sink
	fetcher Fetcher
	log     *zap.Logger

	in      chan Envelope
	ctl     chan control
	results chan fetchResult

	expected int32
	date     int32
	buffer   map[int32]Envelope
	attempts int
	fetching bool
	// resync: полная ресинхронизация начата и ещё не завершилась успехом.
	resync bool
	timer  *time.Timer
	timerC <-chan time.Time

	mux     sync.Mutex
	applied wire.State
}

// New создаёт Sequencer, продолжающий с состояния initial (последний
// применённый seq).
func New(initial wire.State, sink Sink, fetcher Fetcher, opts Options) *Sequencer {
	opts.setDefaults()
	return &Sequencer{
		opts:     opts,
		sink:     sink,
		fetcher:  fetcher,
		log:      opts.Logger,
		in:       make(chan Envelope, 256),
		ctl:      make(chan control, 8),
		results:  make(chan fetchResult, 1),
		expected: initial.Seq + 1,
		date:     initial.Date,
		buffer:   make(map[int32]Envelope),
		applied:  initial,
	}
}

// Push передаёт апдейт в цикл. Блокируется, если цикл отстал, и
// возвращает false, если ctx отменён раньше.
func (s *Sequencer) Push(ctx context.Context, env Envelope) bool {
	select {
	case s.in <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// Sync задаёт состояние без уведомления Sink (начальная синхронизация после
// нового handshake). Буфер до st.Seq отбрасывается.
func (s *Sequencer) Sync(ctx context.Context, st wire.State) {
	select {
	case s.ctl <- control{sync: &st}:
	case <-ctx.Done():
	}
}

// Poke запрашивает GetDifference от текущего состояния, например после
// переподключения, когда апдейты могли быть потеряны вместе с соединением.
func (s *Sequencer) Poke(ctx context.Context) {
	select {
	case s.ctl <- control{poke: true}:
	case <-ctx.Done():
	}
}

// State возвращает последнее применённое состояние.
func (s *Sequencer) State() wire.State {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.applied
}

// Run крутит цикл до отмены ctx.
func (s *Sequencer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer s.disarm()

	// Команды, поставленные до запуска цикла, применяются раньше апдейтов.
	for pending := true; pending; {
		select {
		case c := <-s.ctl:
			s.onControl(ctx, &wg, c)
		default:
			pending = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.in:
			s.handle(env)
			s.afterChange(ctx, &wg)
		case c := <-s.ctl:
			s.onControl(ctx, &wg, c)
		case <-s.timerC:
			s.timerC = nil
			if !s.fetching && (s.resync || len(s.buffer) > 0) {
				s.startFetch(ctx, &wg, fetchGap)
			}
		case r := <-s.results:
			s.fetching = false
			s.onFetched(r)
			s.afterFetch(ctx, &wg, r)
		}
	}
}

func (s *Sequencer) onControl(ctx context.Context, wg *sync.WaitGroup, c control) {
	switch {
	case c.sync != nil:
		s.moveTo(*c.sync)
		s.drain()
		s.afterChange(ctx, wg)
	case c.poke && !s.fetching:
		s.startFetch(ctx, wg, fetchPoke)
	}
}

// handle раскладывает один апдейт: применить, отбросить или отложить.
func (s *Sequencer) handle(env Envelope) {
	switch {
	case env.Seq < s.expected:
		s.log.Debug("stale update dropped", zap.Int32("seq", env.Seq), zap.Int32("expected", s.expected))
	case env.Seq == s.expected:
		s.apply(env)
		s.drain()
	default:
		if _, dup := s.buffer[env.Seq]; dup {
			s.log.Debug("duplicate update dropped", zap.Int32("seq", env.Seq))
			return
		}
		s.buffer[env.Seq] = env
		s.log.Debug("update sequence gap",
			zap.Error(&mterr.SequenceGapError{Expected: s.expected, Got: env.Seq}),
			zap.Int("buffered", len(s.buffer)))
	}
}

func (s *Sequencer) apply(env Envelope) {
	s.sink.Apply(env)
	s.expected = env.Seq + 1
	if env.Date > 0 {
		s.date = env.Date
	}
	s.attempts = 0
	s.publish()
}

func (s *Sequencer) drain() {
	for {
		env, ok := s.buffer[s.expected]
		if !ok {
			return
		}
		delete(s.buffer, s.expected)
		s.apply(env)
	}
}

// moveTo переходит к состоянию st, выбрасывая устаревшую часть буфера.
func (s *Sequencer) moveTo(st wire.State) {
	s.expected = st.Seq + 1
	s.date = st.Date
	for seq := range s.buffer {
		if seq < s.expected {
			delete(s.buffer, seq)
		}
	}
	s.publish()
}

// jump: вынужденный переход к состоянию сервера с уведомлением Sink.
func (s *Sequencer) jump(st wire.State) {
	prev := s.expected - 1
	if st.Seq <= prev {
		return
	}
	s.log.Warn("update state reset to server state",
		zap.Int32("from", prev), zap.Int32("to", st.Seq))
	s.moveTo(st)
	s.sink.Reset(prev, st)
	s.attempts = 0
	s.drain()
}

func (s *Sequencer) publish() {
	s.mux.Lock()
	s.applied = wire.State{Seq: s.expected - 1, Date: s.date}
	s.mux.Unlock()
}

// afterChange решает, что делать с оставшимся пропуском.
func (s *Sequencer) afterChange(ctx context.Context, wg *sync.WaitGroup) {
	if len(s.buffer) == 0 {
		if !s.resync {
			s.disarm()
		}
		return
	}
	if s.fetching {
		return
	}
	if len(s.buffer) > s.opts.MaxBuffered {
		s.log.Warn("update buffer overflow, resyncing", zap.Int("buffered", len(s.buffer)))
		s.buffer = make(map[int32]Envelope)
		s.disarm()
		s.startFetch(ctx, wg, fetchFull)
		return
	}
	if s.timerC == nil {
		s.arm(ctx, wg, s.opts.GapWait)
	}
}

func (s *Sequencer) afterFetch(ctx context.Context, wg *sync.WaitGroup, r fetchResult) {
	if r.err != nil {
		if r.kind == fetchFull {
			s.arm(ctx, wg, s.opts.RetryWait)
			return
		}
		if len(s.buffer) > 0 && s.attempts < s.opts.MaxGapAttempts {
			s.arm(ctx, wg, s.opts.RetryWait)
			return
		}
	}
	if len(s.buffer) == 0 {
		s.disarm()
		return
	}
	if s.attempts >= s.opts.MaxGapAttempts {
		s.log.Warn("gap not filled, resyncing", zap.Int32("expected", s.expected), zap.Int("attempts", s.attempts))
		s.buffer = make(map[int32]Envelope)
		s.disarm()
		s.startFetch(ctx, wg, fetchFull)
		return
	}
	s.arm(ctx, wg, s.opts.GapWait)
}

// arm взводит таймер пропуска; нулевая задержка означает немедленный запрос.
func (s *Sequencer) arm(ctx context.Context, wg *sync.WaitGroup, d time.Duration) {
	s.disarm()
	if d <= 0 {
		s.startFetch(ctx, wg, fetchGap)
		return
	}
	s.timer = time.NewTimer(d)
	s.timerC = s.timer.C
}

func (s *Sequencer) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerC = nil
}

func (s *Sequencer) startFetch(ctx context.Context, wg *sync.WaitGroup, kind fetchKind) {
	if s.fetching {
		return
	}
	if kind == fetchGap && (s.resync || s.attempts >= s.opts.MaxGapAttempts) {
		kind = fetchFull
		s.buffer = make(map[int32]Envelope)
	}
	if kind == fetchFull {
		s.resync = true
	}
	if kind == fetchGap {
		s.attempts++
	}
	s.fetching = true
	from := s.expected
	s.log.Debug("fetching difference", zap.Int32("from", from), zap.Int("kind", int(kind)))

	wg.Go(func() {
		r := fetchResult{kind: kind}
		if kind == fetchFull {
			r.state, r.err = s.fetcher.GetState(ctx)
		}
		if r.err == nil {
			r.diff, r.err = s.fetcher.GetDifference(ctx, from)
		}
		select {
		case s.results <- r:
		case <-ctx.Done():
		}
	})
}

func (s *Sequencer) onFetched(r fetchResult) {
	if r.err != nil {
		s.log.Warn("get difference failed", zap.Error(r.err))
		return
	}
	if r.kind == fetchFull {
		s.resync = false
	}
	switch d := r.diff.(type) {
	case *wire.Difference:
		for _, u := range d.Updates {
			s.handle(Envelope{Seq: u.Seq, Date: u.Date, Payload: u.Update})
		}
		if r.kind == fetchFull {
			s.jump(maxState(r.state, d.State))
		}
	case *wire.DifferenceEmpty:
		if r.kind == fetchFull {
			s.jump(maxState(r.state, d.State))
		}
	case *wire.DifferenceTooLong:
		s.jump(d.State)
	}
}

func maxState(a, b wire.State) wire.State {
	if b.Seq > a.Seq {
		return b
	}
	return a
}
