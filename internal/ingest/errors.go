package ingest

import "fmt"

// ParseError is a failure to read the input stream (I/O, decompression,
// decoding, over-long line). Line is the 1-based line being read.
type ParseError struct {
	Line int64
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse input: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadError is a storage failure. Stage is one of "bootstrap", "prewarm",
// "resolve", "flush" or "commit"; Batch is the batch being built or written
// (0 before the first batch).
type LoadError struct {
	Batch int
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	if e.Batch == 0 {
		return fmt.Sprintf("load %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("load %s (batch %d): %v", e.Stage, e.Batch, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
