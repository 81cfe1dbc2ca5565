package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/domain"
	"github.com/araddon/dateparse"
	"github.com/tj/go-naturaldate"
)

// maxStringIterations bounds the next-run loop for string intervals so
// a pathological offset cannot spin forever.
const maxStringIterations = 10

// ResolveAt turns a caller-supplied scheduled time into Unix seconds.
// Zero, nil and empty values resolve to now; integers are taken as
// Unix seconds; strings may be numeric or any parseable date.
func ResolveAt(v any, now time.Time) (int64, error) {
	switch t := v.(type) {
	case nil:
		return now.Unix(), nil
	case time.Time:
		if t.IsZero() {
			return now.Unix(), nil
		}
		return t.Unix(), nil
	case int:
		return resolveUnix(int64(t), now), nil
	case int64:
		return resolveUnix(t, now), nil
	case float64:
		return resolveUnix(int64(t), now), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return now.Unix(), nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return resolveUnix(n, now), nil
		}
		parsed, err := dateparse.ParseAny(s)
		if err != nil {
			return 0, domain.ErrInvalidSchedule
		}
		return parsed.Unix(), nil
	default:
		return 0, domain.ErrInvalidSchedule
	}
}

func resolveUnix(n int64, now time.Time) int64 {
	if n <= 0 {
		return now.Unix()
	}
	return n
}

// ValidateRecurring checks that r is either a non-negative number of
// seconds or a parseable relative offset. Empty means one-shot.
func ValidateRecurring(r string, now time.Time) error {
	r = strings.TrimSpace(r)
	if r == "" {
		return nil
	}
	if n, err := strconv.ParseInt(r, 10, 64); err == nil {
		if n < 0 {
			return domain.ErrInvalidRecurring
		}
		return nil
	}
	if _, err := parseOffset(r, now); err != nil {
		return domain.ErrInvalidRecurring
	}
	return nil
}

// NextRun computes the next run after base for a recurring job,
// drift-free: numeric intervals advance in exact multiples of R from
// the original schedule, jumping over missed runs in one step; string
// offsets are re-applied from base, retried with a "next " prefix, and
// then iterated a bounded number of times until a future time appears.
func NextRun(base int64, recurring string, now time.Time) (int64, error) {
	recurring = strings.TrimSpace(recurring)
	if recurring == "" {
		return 0, domain.ErrInvalidRecurring
	}

	if n, err := strconv.ParseInt(recurring, 10, 64); err == nil {
		return nextNumeric(base, n, now)
	}
	return nextOffset(base, recurring, now)
}

func nextNumeric(base, interval int64, now time.Time) (int64, error) {
	if interval <= 0 {
		return 0, domain.ErrRecurringInThePast
	}
	next := base + interval
	if nowSec := now.Unix(); next <= nowSec {
		k := (nowSec-next)/interval + 1
		next += k * interval
	}
	return next, nil
}

func nextOffset(base int64, recurring string, now time.Time) (int64, error) {
	baseTime := time.Unix(base, 0)
	next, err := parseOffset(recurring, baseTime)
	if err != nil {
		return 0, domain.ErrInvalidRecurring
	}

	nowSec := now.Unix()
	if next.Unix() <= nowSec && !strings.HasPrefix(strings.ToLower(recurring), "next") {
		if retried, rerr := parseOffset("next "+recurring, baseTime); rerr == nil {
			next = retried
		}
	}
	for i := 0; i < maxStringIterations && next.Unix() <= nowSec; i++ {
		stepped, serr := parseOffset(recurring, next)
		if serr != nil || !stepped.After(next) {
			break
		}
		next = stepped
	}
	if next.Unix() <= nowSec {
		return 0, domain.ErrRecurringInThePast
	}
	return next.Unix(), nil
}

// parseOffset applies a human-readable offset relative to ref. Leading
// "+" is the PHP-style spelling ("+1 hour"); a bare interval ("1 hour")
// gets an "in " prefix so the grammar treats it as a future offset.
func parseOffset(s string, ref time.Time) (time.Time, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "+"))
	if s == "" {
		return time.Time{}, domain.ErrInvalidRecurring
	}
	t, err := naturaldate.Parse(s, ref, naturaldate.WithDirection(naturaldate.Future))
	if err == nil && !t.Equal(ref) {
		return t, nil
	}
	t, err = naturaldate.Parse("in "+s, ref, naturaldate.WithDirection(naturaldate.Future))
	if err != nil || t.Equal(ref) {
		return time.Time{}, domain.ErrInvalidRecurring
	}
	return t, nil
}
