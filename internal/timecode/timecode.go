package timecode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timecode field layout: HH:MM:SS:mmm
const (
	FieldCount = 4

	MaxMinutes      = 59
	MaxSeconds      = 59
	MaxMilliseconds = 999
)

// ErrInvalidWindow is returned when a window's end does not lie strictly
// after its start.
var ErrInvalidWindow = errors.New("window end must be after window start")

// Parse converts a colon-delimited HH:MM:SS:mmm timecode into a duration.
// All four fields must be present and numeric; minutes and seconds must be
// below 60 and milliseconds below 1000. Hours are unbounded.
func Parse(s string) (time.Duration, error) {
	fields := strings.Split(s, ":")
	if len(fields) != FieldCount {
		return 0, fmt.Errorf("timecode %q: expected %d colon-separated fields, got %d",
			s, FieldCount, len(fields))
	}

	values := make([]int, FieldCount)
	for i, field := range fields {
		if field == "" {
			return 0, fmt.Errorf("timecode %q: field %d is empty", s, i+1)
		}
		v, err := strconv.Atoi(field)
		if err != nil {
			return 0, fmt.Errorf("timecode %q: field %q is not a number", s, field)
		}
		if v < 0 {
			return 0, fmt.Errorf("timecode %q: field %q is negative", s, field)
		}
		values[i] = v
	}

	hours, minutes, seconds, millis := values[0], values[1], values[2], values[3]
	if minutes > MaxMinutes {
		return 0, fmt.Errorf("timecode %q: minutes must be at most %d, got %d", s, MaxMinutes, minutes)
	}
	if seconds > MaxSeconds {
		return 0, fmt.Errorf("timecode %q: seconds must be at most %d, got %d", s, MaxSeconds, seconds)
	}
	if millis > MaxMilliseconds {
		return 0, fmt.Errorf("timecode %q: milliseconds must be at most %d, got %d", s, MaxMilliseconds, millis)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(millis)*time.Millisecond, nil
}

// Format renders a duration in HH:MM:SS:mmm form, truncating sub-millisecond
// precision. Negative durations format as zero.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	millis := d / time.Millisecond

	return fmt.Sprintf("%02d:%02d:%02d:%03d", hours, minutes, seconds, millis)
}

// Window is a dialogue line's span on the episode timeline. The recording
// for the line may not run longer than the window.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// ParseWindow builds a Window from start and end timecodes.
func ParseWindow(start, end string) (Window, error) {
	s, err := Parse(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := Parse(end)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	return Window{Start: s, End: e}, nil
}

// Duration returns the window length. It fails with ErrInvalidWindow when the
// end does not lie strictly after the start, so a zero-length dialogue line
// can never open a recording.
func (w Window) Duration() (time.Duration, error) {
	if w.End <= w.Start {
		return 0, fmt.Errorf("%w: start %s, end %s", ErrInvalidWindow, Format(w.Start), Format(w.End))
	}
	return w.End - w.Start, nil
}

// String returns a human-readable representation of the window.
func (w Window) String() string {
	return fmt.Sprintf("%s-%s", Format(w.Start), Format(w.End))
}
