package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five field expressions and descriptors like @hourly or
// @every 5m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronReference is the instant intervals of cron expressions are measured from.
var cronReference = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// ParseCron validates a cron expression and returns the interval between its first two
// activations after a fixed reference time in UTC.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(e)
	if err != nil {
		return 0, err
	}
	first := schedule.Next(cronReference)
	return schedule.Next(first).Sub(first), nil
}

var ErrISOFormat = errors.New("invalid ISO 8601 duration")

const day = 24 * time.Hour

// ParseISODuration parses durations like P1D, PT1H30M or PT0.5S. Weeks and days are
// fixed length, years and months are not supported. Only seconds may have a fraction.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, ErrISOFormat
	}
	d, err := sumUnits(date, "WD")
	if err != nil {
		return 0, err
	}
	c, err := sumUnits(clock, "HMS")
	if err != nil {
		return 0, err
	}
	if d > math.MaxInt64-c {
		return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
	}
	return d + c, nil
}

var isoUnits = map[byte]time.Duration{
	'W': 7 * day,
	'D': day,
	'H': time.Hour,
	'M': time.Minute,
	'S': time.Second,
}

// sumUnits parses a sequence of <number><unit> where units follow order.
func sumUnits(s, order string) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if i <= 0 {
			return 0, ErrISOFormat
		}
		unit := s[i]
		pos := strings.IndexByte(order, unit)
		if pos < 0 {
			return 0, ErrISOFormat
		}
		order = order[pos+1:]

		v, err := amount(s[:i], isoUnits[unit], unit == 'S')
		if err != nil {
			return 0, err
		}
		if total > math.MaxInt64-v {
			return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
		}
		total += v
		s = s[i+1:]
	}
	return total, nil
}

func amount(num string, unit time.Duration, fraction bool) (time.Duration, error) {
	whole, frac, hasFrac := strings.Cut(strings.Replace(num, ",", ".", 1), ".")
	if hasFrac && (!fraction || frac == "" || len(frac) > 9) {
		return 0, ErrISOFormat
	}
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
	}
	if n > int64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
	}
	ret := time.Duration(n) * unit
	if hasFrac {
		ns, err := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		ret += time.Duration(ns)
	}
	return ret, nil
}
