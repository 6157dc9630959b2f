package app

import (
	"context"
	"time"

	"jobsys/internal/eventbus"
	"jobsys/internal/jobsystem"
	"jobsys/internal/storage"
	logx "jobsys/pkg/logx"
)

const archiveBuffer = 4096

// startArchiver copies retirements from the bus into storage. It is best
// effort: a full subscriber buffer drops events, which the bus counts.
func (a *App) startArchiver() {
	events, unsub := a.bus.SubscribePrefix(archiveBuffer, jobsystem.EventJobRetired)
	log := a.log.With(logx.String("comp", "archiver"))

	a.sup.Go0("archiver", func(ctx context.Context) {
		defer unsub()
		write := func(e eventbus.Event) {
			ev, ok := e.Data.(jobsystem.JobEvent)
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := a.store.AppendRetirement(wctx, retirementFor(a.instance, e.Time, ev)); err != nil {
				log.Warn("archive append failed", logx.Int64("job", int64(ev.ID)), logx.Err(err))
				return
			}
			a.archived.Add(1)
		}
		for {
			select {
			case <-ctx.Done():
				// Flush what the final drain published.
				for {
					select {
					case e := <-events:
						write(e)
					default:
						return
					}
				}
			case e, ok := <-events:
				if !ok {
					return
				}
				write(e)
			}
		}
	})
}

func retirementFor(instance string, at time.Time, ev jobsystem.JobEvent) storage.Retirement {
	if at.IsZero() {
		at = time.Now()
	}
	return storage.Retirement{
		At:           at.UTC(),
		Instance:     instance,
		JobID:        int64(ev.ID),
		Type:         ev.Type,
		Channels:     uint64(ev.Channels),
		Worker:       ev.Worker,
		QueueDelayMS: ev.QueueDelay.Milliseconds(),
		RunMS:        ev.Duration.Milliseconds(),
		Error:        ev.Error,
	}
}
