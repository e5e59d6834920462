package misc

import (
	"fmt"
	"sync"
)

// StatsDisplayFormat determines how the numbers of Stats are presented to a human.
type StatsDisplayFormat struct {
	// DivisionFactor divides each number (except the counter) before it is displayed.
	DivisionFactor float64
	// NumDecimals is the number of decimal places in the displayed numbers.
	NumDecimals int
}

// StatsDisplayValue is the human-readable snapshot of Stats.
type StatsDisplayValue struct {
	Lowest, Average, Highest, Total float64
	Count                           uint64
	Summary                         string
}

// Stats collect counter and aggregated numeric data from a stream of triggers.
type Stats struct {
	count         uint64      // count is the number of times trigger has occurred.
	mutex         *sync.Mutex // mutex protects structure from concurrent modifications.
	displayFormat StatsDisplayFormat

	lowest, highest, average, total float64
}

// NewStats returns an initialised stats structure.
func NewStats(displayFormat StatsDisplayFormat) *Stats {
	if displayFormat.DivisionFactor == 0 {
		displayFormat.DivisionFactor = 1
	}
	return &Stats{mutex: new(sync.Mutex), displayFormat: displayFormat}
}

// Trigger increases counter by one and places the input quantity into numeric statistics.
// A negative quantity is discarded.
func (s *Stats) Trigger(qty float64) {
	if qty < 0 {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.highest == 0 || s.highest < qty {
		s.highest = qty
	}
	if s.lowest == 0 || s.lowest > qty {
		s.lowest = qty
	}
	s.average = (s.average*float64(s.count) + qty) / (float64(s.count) + 1.0)
	s.total += qty
	s.count++
}

// Count returns the number of times trigger has occurred.
func (s *Stats) Count() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.count
}

// Format returns all stats formatted into a single line of string "lowest/average/highest,total(count)".
func (s *Stats) Format() string {
	return s.DisplayValue().Summary
}

// DisplayValue returns the numbers divided by the display division factor.
func (s *Stats) DisplayValue() StatsDisplayValue {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	factor := s.displayFormat.DivisionFactor
	ret := StatsDisplayValue{
		Lowest:  s.lowest / factor,
		Average: s.average / factor,
		Highest: s.highest / factor,
		Total:   s.total / factor,
		Count:   s.count,
	}
	n := s.displayFormat.NumDecimals
	ret.Summary = fmt.Sprintf("%.*f/%.*f/%.*f,%.*f(%d)", n, ret.Lowest, n, ret.Average, n, ret.Highest, n, ret.Total, ret.Count)
	return ret
}
