package domain

import (
	"fmt"
	"time"
)

// Timeframe is a fixed-duration bar interval supported by the platform.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeIntervals = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Timeframes returns the supported intervals in ascending duration order.
func Timeframes() []Timeframe {
	return []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}
}

// ParseTimeframe validates s against the supported set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeIntervals[tf]
	return ok
}

// Interval returns the canonical bar duration.
func (tf Timeframe) Interval() time.Duration {
	return timeframeIntervals[tf]
}

// Millis returns the canonical bar duration in milliseconds.
func (tf Timeframe) Millis() int64 {
	return timeframeIntervals[tf].Milliseconds()
}

func (tf Timeframe) String() string {
	return string(tf)
}

// Truncate aligns ts (epoch ms) down to the start of its tf bucket.
func (tf Timeframe) Truncate(ts int64) int64 {
	interval := tf.Millis()
	if interval == 0 {
		return ts
	}
	return ts - ts%interval
}
