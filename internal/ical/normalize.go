package ical

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/calfeed/calfeed/internal/calfeed"
)

// ErrMissingStart means the VEVENT carried no DTSTART. Such events are
// dropped rather than synthesized.
var ErrMissingStart = errors.New("event has no start time")

const defaultTitle = "Untitled Event"

var stripPolicy = bluemonday.StrictPolicy()

// Normalize converts one VEVENT component into the internal event
// representation, classifying it as master, instance, or standalone.
func Normalize(comp *goical.Component) (calfeed.Event, error) {
	uid := textProp(comp, "UID")
	if uid == "" {
		uid = uuid.NewString()
		slog.Warn("event missing UID, generated one", "uid", uid)
	}

	title := textProp(comp, "SUMMARY")
	if title == "" {
		title = defaultTitle
	}

	ev := calfeed.Event{
		Title:       title,
		Description: sanitize(textProp(comp, "DESCRIPTION")),
		Location:    textProp(comp, "LOCATION"),
		Status:      statusOf(comp),
		Organizer:   textProp(comp, "ORGANIZER"),
		Attendees:   attendeesOf(comp),
	}

	if p := comp.Props.Get("SEQUENCE"); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Sequence = n
		}
	}

	startProp := comp.Props.Get("DTSTART")
	if startProp == nil {
		return calfeed.Event{}, ErrMissingStart
	}
	start, err := comp.Props.DateTime("DTSTART", time.UTC)
	if err != nil {
		return calfeed.Event{}, fmt.Errorf("error parsing DTSTART: %w", err)
	}
	ev.StartsAt = start

	end, dur, err := endOf(comp, start)
	if err != nil {
		return calfeed.Event{}, err
	}
	ev.EndsAt = end

	ev.AllDay = isAllDay(startProp, dur)

	for _, p := range comp.Props["EXDATE"] {
		for _, raw := range strings.Split(p.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if t, perr := parseWireTime(raw); perr == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}

	var (
		rruleProp = comp.Props.Get("RRULE")
		ridProp   = comp.Props.Get("RECURRENCE-ID")
	)
	switch {
	case rruleProp != nil && ridProp == nil:
		// Recurrence master: carries the rule, anchors the series.
		rule := rruleProp.Value
		ev.IsMaster = true
		ev.IsRecurring = true
		ev.RecurrenceRule = &rule
		ev.ExternalID = uid

	case ridProp != nil:
		// Exception instance overriding one occurrence of its master.
		// The master is referenced as structured data; the underscore
		// split only recovers masters whose ids were themselves
		// instance-encoded upstream.
		masterUID := uid
		if i := strings.Index(uid, "_"); i >= 0 {
			masterUID = uid[:i]
		}
		ev.RecurringEventID = &masterUID

		// The external id keys on the occurrence the override replaces,
		// not on its possibly moved start.
		occurrence := start
		if t, perr := parseWireTime(ridProp.Value); perr == nil {
			ev.RecurrenceID = &t
			occurrence = t
		}
		ev.ExternalID = fmt.Sprintf("%s_%s", masterUID, occurrence.Format("2006-01-02"))

	default:
		ev.ExternalID = uid
	}

	return ev, nil
}

// NormalizeBatch normalizes every component, containing failures per
// event: events without a start time are dropped with a warning, and
// any other failure yields a minimal placeholder event so the rest of
// the batch survives.
func NormalizeBatch(comps []*goical.Component, now time.Time) []calfeed.Event {
	events := make([]calfeed.Event, 0, len(comps))
	for _, comp := range comps {
		ev, err := normalizeSafe(comp)
		if errors.Is(err, ErrMissingStart) {
			slog.Warn("dropping event without start time", "uid", textProp(comp, "UID"))
			continue
		}
		if err != nil {
			slog.Error("error normalizing event, emitting placeholder", "uid", textProp(comp, "UID"), "error", err)
			events = append(events, fallbackEvent(now))
			continue
		}
		events = append(events, ev)
	}

	return events
}

func normalizeSafe(comp *goical.Component) (ev calfeed.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic normalizing event: %v", r)
		}
	}()

	return Normalize(comp)
}

func fallbackEvent(now time.Time) calfeed.Event {
	return calfeed.Event{
		ExternalID: uuid.NewString(),
		Title:      "Error parsing event",
		StartsAt:   now,
		EndsAt:     now,
		Status:     "confirmed",
	}
}

func endOf(comp *goical.Component, start time.Time) (time.Time, time.Duration, error) {
	if comp.Props.Get("DTEND") != nil {
		end, err := comp.Props.DateTime("DTEND", time.UTC)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("error parsing DTEND: %w", err)
		}
		return end, end.Sub(start), nil
	}

	if p := comp.Props.Get("DURATION"); p != nil {
		dur, err := parseDuration(p.Value)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("error parsing DURATION: %w", err)
		}
		return start.Add(dur), dur, nil
	}

	return start, 0, nil
}

// isAllDay: the start is date-valued, or the value has no time part, or
// the event lasts exactly one day. Any one is sufficient.
func isAllDay(startProp *goical.Prop, dur time.Duration) bool {
	if strings.EqualFold(startProp.Params.Get("VALUE"), "DATE") {
		return true
	}
	if !strings.Contains(startProp.Value, "T") {
		return true
	}
	return dur == 24*time.Hour
}

func statusOf(comp *goical.Component) string {
	status := textProp(comp, "STATUS")
	if status == "" {
		return "confirmed"
	}
	return strings.ToLower(status)
}

func attendeesOf(comp *goical.Component) calfeed.StringList {
	var attendees calfeed.StringList
	for _, p := range comp.Props["ATTENDEE"] {
		if p.Value != "" {
			attendees = append(attendees, p.Value)
		}
	}
	return attendees
}

func textProp(comp *goical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	return prop.Value
}

// Removes markup from remote descriptions and caps their length so a
// hostile feed can't stuff the database.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = stripPolicy.Sanitize(s)
	if len(s) > 2048 {
		s = s[:2048]
	}

	return s
}

// parseWireTime parses the basic iCalendar date/date-time forms used by
// EXDATE and RECURRENCE-ID values.
func parseWireTime(v string) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	default:
		return time.ParseInLocation("20060102", v, time.UTC)
	}
}

// parseDuration handles the RFC 5545 duration subset that shows up in
// practice: [+-]P[nW][nD][T[nH][nM][nS]].
func parseDuration(v string) (time.Duration, error) {
	s := strings.TrimSpace(v)
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	datePart, timePart, _ := strings.Cut(s, "T")

	var total time.Duration
	read := func(part string, units map[byte]time.Duration) error {
		num := 0
		haveNum := false
		for i := 0; i < len(part); i++ {
			c := part[i]
			if c >= '0' && c <= '9' {
				num = num*10 + int(c-'0')
				haveNum = true
				continue
			}
			unit, ok := units[c]
			if !ok || !haveNum {
				return fmt.Errorf("invalid duration %q", v)
			}
			total += time.Duration(num) * unit
			num, haveNum = 0, false
		}
		if haveNum {
			return fmt.Errorf("invalid duration %q", v)
		}
		return nil
	}

	if err := read(datePart, map[byte]time.Duration{
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}); err != nil {
		return 0, err
	}
	if err := read(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}); err != nil {
		return 0, err
	}

	if neg {
		total = -total
	}
	return total, nil
}
