package core

import (
	"fmt"
	"time"
)

const (
	// MonthLayout is the layout of month keys returned by the query executor.
	MonthLayout = "2006-01"
	// DisplayLayout is the human-readable month layout used in prompts.
	DisplayLayout = "January 2006"
)

// MonthPair is the two months a run compares.
type MonthPair struct {
	First  time.Time
	Second time.Time
}

// ParseMonth parses a YYYY-MM key into the first instant of that month (UTC).
func ParseMonth(key string) (time.Time, error) {
	t, err := time.Parse(MonthLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q, expected YYYY-MM: %w", key, err)
	}
	return t, nil
}

// NewMonthPair builds a pair from year and month numbers.
func NewMonthPair(startYear, startMonth, endYear, endMonth int) (MonthPair, error) {
	if startMonth < 1 || startMonth > 12 {
		return MonthPair{}, fmt.Errorf("start month must be between 1 and 12, got %d", startMonth)
	}
	if endMonth < 1 || endMonth > 12 {
		return MonthPair{}, fmt.Errorf("end month must be between 1 and 12, got %d", endMonth)
	}
	return MonthPair{
		First:  time.Date(startYear, time.Month(startMonth), 1, 0, 0, 0, 0, time.UTC),
		Second: time.Date(endYear, time.Month(endMonth), 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

// ParseMonthPair builds a pair from two YYYY-MM keys.
func ParseMonthPair(first, second string) (MonthPair, error) {
	f, err := ParseMonth(first)
	if err != nil {
		return MonthPair{}, err
	}
	s, err := ParseMonth(second)
	if err != nil {
		return MonthPair{}, err
	}
	return MonthPair{First: f, Second: s}, nil
}

// Keys returns the YYYY-MM keys of both months.
func (p MonthPair) Keys() (string, string) {
	return p.First.Format(MonthLayout), p.Second.Format(MonthLayout)
}

// DisplayLabels returns "January 2020" style labels of both months.
func (p MonthPair) DisplayLabels() (string, string) {
	return p.First.Format(DisplayLayout), p.Second.Format(DisplayLayout)
}

// Contains reports whether a month key is one of the pair's months.
func (p MonthPair) Contains(key string) bool {
	first, second := p.Keys()
	return key == first || key == second
}

func (p MonthPair) String() string {
	first, second := p.Keys()
	return first + ".." + second
}
