package history

import (
	"context"
	"strings"
	"time"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"
)

// Recorder consumes terminal job events from the bus and appends one row per
// run outcome. It owns no goroutine itself; the daemon runs Run under its
// supervisor.
type Recorder struct {
	store *Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store *Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log}
}

func (r *Recorder) Run(ctx context.Context) error {
	if r.store == nil || r.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := r.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			r.drain(ch)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.record(ev)
		}
	}
}

// drain flushes events already buffered at shutdown so the tail of a graceful
// stop still lands in history.
func (r *Recorder) drain(ch <-chan eventbus.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ev eventbus.Event) {
	if !ev.Type.Terminal() {
		return
	}
	// The run context may already be gone; give the write its own bound.
	wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := r.store.Append(wctx, Row{
		At:      ev.Time,
		Job:     ev.Job,
		Group:   ev.Group,
		Outcome: outcome(ev.Type),
		Error:   ev.Err,
		Elapsed: ev.Elapsed,
	})
	cancel()
	if err != nil {
		r.log.Warn("history append failed",
			logx.String("job", ev.Job),
			logx.Any("err", err),
		)
	}
}

// outcome maps "job.completed" to "completed" etc. for compact rows.
func outcome(t eventbus.Type) string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}
