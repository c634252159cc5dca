package ml

import (
	"math"
	"time"
)

// Frame is a dense table of float64 columns indexed by period date
type Frame struct {
	Dates []time.Time

	names []string
	cols  map[string][]float64
}

// NewFrame creates a frame with the given row dates and no columns
func NewFrame(dates []time.Time) *Frame {
	return &Frame{
		Dates: dates,
		cols:  make(map[string][]float64),
	}
}

// Len returns the number of rows
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Dates)
}

// Empty reports whether the frame has no rows
func (f *Frame) Empty() bool {
	return f.Len() == 0
}

// Columns returns the column names in insertion order
func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	names := make([]string, len(f.names))
	copy(names, f.names)
	return names
}

// Has reports whether the column exists
func (f *Frame) Has(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.cols[name]
	return ok
}

// Column returns the named column, or nil
func (f *Frame) Column(name string) []float64 {
	if f == nil {
		return nil
	}
	return f.cols[name]
}

// Set adds or replaces a column. values must have Len() entries.
func (f *Frame) Set(name string, values []float64) {
	if len(values) != len(f.Dates) {
		panic("ml: column length does not match frame length")
	}
	if _, ok := f.cols[name]; !ok {
		f.names = append(f.names, name)
	}
	f.cols[name] = values
}

// Clone deep-copies the frame
func (f *Frame) Clone() *Frame {
	if f == nil {
		return NewFrame(nil)
	}
	dates := make([]time.Time, len(f.Dates))
	copy(dates, f.Dates)

	out := NewFrame(dates)
	for _, name := range f.names {
		values := make([]float64, len(f.cols[name]))
		copy(values, f.cols[name])
		out.Set(name, values)
	}
	return out
}

// Matrix returns the rows of the selected columns
func (f *Frame) Matrix(names []string) [][]float64 {
	rows := make([][]float64, f.Len())
	for i := range rows {
		row := make([]float64, len(names))
		for j, name := range names {
			row[j] = f.cols[name][i]
		}
		rows[i] = row
	}
	return rows
}

// fillMissing back-fills every column, then zero-fills anything still missing
func (f *Frame) fillMissing() {
	for _, name := range f.names {
		values := f.cols[name]
		next := math.NaN()
		for i := len(values) - 1; i >= 0; i-- {
			if missing(values[i]) {
				values[i] = next
				continue
			}
			next = values[i]
		}
		for i, v := range values {
			if missing(v) {
				values[i] = 0
			}
		}
	}
}

func missing(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
