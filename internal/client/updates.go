package client

import (
	"context"

	"telegram-mtengine/internal/mtproto/dispatch"
	"telegram-mtengine/internal/mtproto/sequencer"
	"telegram-mtengine/internal/mtproto/wire"
)

// sink принимает упорядоченные апдейты: сохраняет состояние и ставит
// событие в очередь обработчиков.
type sink Client

func (s *sink) Apply(env sequencer.Envelope) {
	c := (*Client)(s)
	c.engine.SetUpdateState(env.Seq, env.Date)
	if ev := dispatch.FromUpdate(env.Seq, env.Date, env.Payload); ev != nil {
		c.events.push(ev)
	}
	c.persistOrLog(context.Background())
}

func (s *sink) Reset(prev int32, st wire.State) {
	c := (*Client)(s)
	c.engine.SetUpdateState(st.Seq, st.Date)
	c.events.push(dispatch.StateReset(prev, st))
	c.persistOrLog(context.Background())
}

// fetcher дозапрашивает апдейты у сервера для Sequencer-а.
type fetcher Client

func (f *fetcher) GetState(ctx context.Context) (wire.State, error) {
	st, err := (*Client)(f).GetState(ctx)
	if err != nil {
		return wire.State{}, err
	}
	return *st, nil
}

func (f *fetcher) GetDifference(ctx context.Context, fromSeq int32) (wire.DifferenceClass, error) {
	c := (*Client)(f)
	return collectDifference(ctx, fromSeq, c.opts.DifferenceLimit, c.GetDifference)
}

// collectDifference собирает разницу постранично, пока сервер отдаёт полные
// страницы. TooLong на любой странице перекрывает собранное: продолжения у
// этих апдейтов уже нет, и клиент переходит к новому состоянию.
func collectDifference(
	ctx context.Context,
	fromSeq, limit int32,
	fetch func(ctx context.Context, fromSeq int32) (wire.DifferenceClass, error),
) (wire.DifferenceClass, error) {
	var all *wire.Difference
	for {
		d, err := fetch(ctx, fromSeq)
		if err != nil {
			return nil, err
		}
		page, ok := d.(*wire.Difference)
		if !ok {
			if _, tooLong := d.(*wire.DifferenceTooLong); tooLong || all == nil {
				return d, nil
			}
			return all, nil
		}
		if all == nil {
			all = page
		} else {
			all.Updates = append(all.Updates, page.Updates...)
			all.State = page.State
		}
		if len(page.Updates) == 0 || len(page.Updates) < int(limit) {
			return all, nil
		}
		fromSeq = page.Updates[len(page.Updates)-1].Seq + 1
	}
}
