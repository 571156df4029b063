package world

import (
	"encoding/json"
	"fmt"
)

// Time is the in-world clock, counted in minutes since day zero. Sessions
// start at 08:00 of day 0.
type Time struct {
	totalMinutes int
}

// NewTime builds a clock from a day/hour/minute triple.
func NewTime(days, hours, minutes int) Time {
	return Time{totalMinutes: days*24*60 + hours*60 + minutes}
}

// DefaultTime is the session start: day 0, 08:00.
func DefaultTime() Time {
	return NewTime(0, 8, 0)
}

// TotalMinutes returns minutes elapsed since day zero.
func (t Time) TotalMinutes() int { return t.totalMinutes }

// Day returns the current day number, starting at 0.
func (t Time) Day() int { return t.totalMinutes / (24 * 60) }

// Hour returns the hour of day in [0, 24).
func (t Time) Hour() int { return t.totalMinutes % (24 * 60) / 60 }

// Minute returns the minute of hour in [0, 60).
func (t Time) Minute() int { return t.totalMinutes % 60 }

// Advance returns the clock moved forward by the given minutes.
func (t Time) Advance(minutes int) Time {
	return Time{totalMinutes: t.totalMinutes + minutes}
}

// Period names the current band of the day, used in narration prompts.
func (t Time) Period() string {
	switch h := t.Hour(); {
	case 5 <= h && h < 8:
		return "黎明"
	case 8 <= h && h < 12:
		return "早晨"
	case 12 <= h && h < 14:
		return "正午"
	case 14 <= h && h < 17:
		return "下午"
	case 17 <= h && h < 20:
		return "傍晚"
	case 20 <= h && h < 23:
		return "夜晚"
	default:
		return "深夜"
	}
}

// IsDay reports daylight hours: 06:00 to 20:00.
func (t Time) IsDay() bool {
	h := t.Hour()
	return 6 <= h && h < 20
}

// IsNight is the complement of IsDay.
func (t Time) IsNight() bool { return !t.IsDay() }

// String renders the clock for player-facing status output.
func (t Time) String() string {
	return fmt.Sprintf("第%d天 %02d:%02d (%s)", t.Day(), t.Hour(), t.Minute(), t.Period())
}

type timeJSON struct {
	Days         int `json:"days"`
	Hours        int `json:"hours"`
	Minutes      int `json:"minutes"`
	TotalMinutes int `json:"total_minutes"`
}

// MarshalJSON writes the persisted clock form: the derived triple plus the
// authoritative total.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(timeJSON{
		Days:         t.Day(),
		Hours:        t.Hour(),
		Minutes:      t.Minute(),
		TotalMinutes: t.totalMinutes,
	})
}

// UnmarshalJSON restores a clock, preferring the triple for compatibility
// with saves that predate the total field.
func (t *Time) UnmarshalJSON(data []byte) error {
	var raw timeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = NewTime(raw.Days, raw.Hours, raw.Minutes)
	return nil
}
