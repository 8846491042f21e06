package ical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The decoder wants proper CRLF line endings; fixtures are written with
// plain newlines for readability.
func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

const twoEventCalendar = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calfeed//EN
BEGIN:VEVENT
UID:first@example.com
SUMMARY:First
DTSTART:20240110T090000Z
DTEND:20240110T100000Z
END:VEVENT
BEGIN:VEVENT
UID:second@example.com
SUMMARY:Second
DTSTART:20240111T090000Z
DTEND:20240111T100000Z
END:VEVENT
END:VCALENDAR
`

func TestParseEvents(t *testing.T) {
	comps, err := ParseEvents(strings.NewReader(crlf(twoEventCalendar)))
	require.NoError(t, err)
	require.Len(t, comps, 2)

	assert.Equal(t, "first@example.com", textProp(comps[0], "UID"))
	assert.Equal(t, "second@example.com", textProp(comps[1], "UID"))
}

func TestParseEvents_Malformed(t *testing.T) {
	_, err := ParseEvents(strings.NewReader("this is not icalendar data"))
	require.Error(t, err)

	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestParseEvents_IgnoresNonEventComponents(t *testing.T) {
	const cal = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calfeed//EN
BEGIN:VTIMEZONE
TZID:America/New_York
END:VTIMEZONE
BEGIN:VEVENT
UID:only@example.com
DTSTART:20240110T090000Z
END:VEVENT
END:VCALENDAR
`
	comps, err := ParseEvents(strings.NewReader(crlf(cal)))
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "only@example.com", textProp(comps[0], "UID"))
}
