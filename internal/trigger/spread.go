package trigger

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first firing of an interval trigger so triggers
// registered together don't all fire on the same tick.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// spreadEvery returns an @every schedule whose first run is offset by a
// name-derived amount in [0, min(every, 30s)).
func spreadEvery(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	jitter := time.Duration(h.Sum64() % uint64(window))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
