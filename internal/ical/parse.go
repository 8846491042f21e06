// Package ical turns raw iCalendar text into the internal event shape:
// parsing VEVENT components, normalizing them into masters, instances,
// and standalones, and expanding recurrence rules into concrete
// occurrences.
package ical

import (
	"errors"
	"fmt"
	"io"

	goical "github.com/emersion/go-ical"
)

// ParseError wraps a syntax failure from the underlying iCalendar
// decoder. Callers skip the offending calendar object and keep going;
// one malformed object must not abort a whole feed sync.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid icalendar data: %s", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseEvents decodes raw iCalendar text and returns every VEVENT
// component across all VCALENDARs in the stream.
func ParseEvents(r io.Reader) ([]*goical.Component, error) {
	dec := goical.NewDecoder(r)

	var events []*goical.Component
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}

		for _, child := range cal.Component.Children {
			if child.Name == goical.CompEvent {
				events = append(events, child)
			}
		}
	}

	return events, nil
}
