package ical

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/calfeed/calfeed/internal/calfeed"
)

// Cap on occurrences per master so a pathological rule can't blow up a
// sync.
const maxOccurrencesPerMaster = 5000

// Window returns the expansion window used by every sync: January 1st
// of last year through December 31st of next year, inclusive.
func Window(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year()-1, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(now.Year()+1, time.December, 31, 23, 59, 59, 0, time.UTC)
	return start, end
}

// Expand enumerates the concrete occurrences of a recurrence master
// within [windowStart, windowEnd], honoring its EXDATEs. Each
// occurrence copies the master's fields with its own start, the
// master's duration, and a link back to the master's external id.
//
// An unparseable rule returns no occurrences: the master row still
// syncs, so the user sees the event's metadata, but the series is
// silently empty. The error log is what monitoring alerts on.
func Expand(master calfeed.Event, windowStart, windowEnd time.Time) []calfeed.Event {
	if !master.IsMaster || master.RecurrenceRule == nil {
		return nil
	}

	r, err := rrule.StrToRRule(*master.RecurrenceRule)
	if err != nil {
		slog.Error("error parsing recurrence rule, series will be empty",
			"external_id", master.ExternalID,
			"rrule", *master.RecurrenceRule,
			"error", err,
		)
		return nil
	}
	r.DTStart(master.StartsAt)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range master.ExDates {
		set.ExDate(ex.In(master.StartsAt.Location()))
	}

	occTimes := set.Between(windowStart, windowEnd, true)
	if len(occTimes) > maxOccurrencesPerMaster {
		slog.Error("recurrence expansion truncated",
			"external_id", master.ExternalID,
			"cap", maxOccurrencesPerMaster,
		)
		occTimes = occTimes[:maxOccurrencesPerMaster]
	}

	dur := master.Duration()
	masterID := master.ExternalID

	instances := make([]calfeed.Event, 0, len(occTimes))
	for _, start := range occTimes {
		inst := master
		inst.StartsAt = start
		inst.EndsAt = start.Add(dur)
		inst.IsMaster = false
		inst.IsRecurring = false
		inst.RecurrenceRule = nil
		inst.ExDates = nil
		inst.ExternalID = fmt.Sprintf("%s_%s", masterID, start.Format("2006-01-02"))
		inst.RecurringEventID = &masterID
		instances = append(instances, inst)
	}

	return instances
}
