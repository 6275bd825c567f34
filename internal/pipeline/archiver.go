package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Archiver exports settled history and commitment rows older than the
// retention horizon to cold storage on a cron schedule.
type Archiver struct {
	blobs         domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

func NewArchiver(blobs domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobs:         blobs,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Run performs one archive pass.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)

	history, err := a.blobs.ArchiveHistory(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving history before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	commitments, err := a.blobs.ArchiveCommitments(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving commitments before %s: %w", cutoff.Format(time.DateOnly), err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("history", history),
		slog.Int64("commitments", commitments),
	)
	return nil
}

// RunCron runs the archiver on a 5-field cron schedule until ctx ends.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("archiver: cron %q: %w", expr, err)
	}
	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("archiver: cron %q: %w", expr, err)
		}
		a.logger.DebugContext(ctx, "next archive run", slog.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField matches one field; nil values means any.
type cronField struct {
	values map[int]bool
}

func (f cronField) matches(v int) bool { return f.values == nil || f.values[v] }

// parseCronField accepts "*", "*/n", "a", "a-b" and comma lists of those.
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{}, nil
	}
	values := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("bad step in %q", part)
			}
			step, part = n, base
		}
		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err1, err2 error
			from, err1 = strconv.Atoi(a)
			to, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return cronField{}, fmt.Errorf("bad range %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("bad value %q", part)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("%q outside [%d,%d]", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			values[v] = true
		}
	}
	return cronField{values: values}, nil
}

type schedule struct {
	minute, hour, dom, month, dow cronField
}

func parseCron(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return schedule{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		parsed[i] = cf
	}
	return schedule{parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]}, nil
}

func (s schedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dom.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dow.matches(int(t.Weekday()))
}

// next returns the first matching minute strictly after t, searching at
// most a year ahead.
func (s schedule) next(t time.Time) (time.Time, error) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 1)
	for ; candidate.Before(limit); candidate = candidate.Add(time.Minute) {
		if s.matches(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("no match within a year")
}
