package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// NormalizeSchedule turns a schedule string into a spec robfig/cron understands.
//
// Supported forms:
//   - Cron with optional seconds: "*/5 * * * *", "0 */5 * * * *"
//   - Descriptors: "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m" (becomes "@every 55m")
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func NormalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid minutes in %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		return "@every " + d.String(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	if d <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return "@every " + d.String(), nil
}

// everyInterval returns the interval of an "@every" spec.
func everyInterval(spec string) (time.Duration, bool) {
	if !strings.HasPrefix(spec, "@every") {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
