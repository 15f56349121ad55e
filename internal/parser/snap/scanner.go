package snap

import (
	"bufio"
	"fmt"
	"io"
)

// MaxLineBytes caps a single input line. Some titles and review sections in
// the dump are long, but nothing legitimate comes close to this.
const MaxLineBytes = 16 << 20

// Scanner streams Records from a reader, one block at a time.
//
// Typical use:
//
//	sc := snap.NewScanner(r)
//	for sc.Scan() {
//		rec := sc.Record()
//		...
//	}
//	if err := sc.Err(); err != nil { ... }
//
// Only the current line and the open block are held in memory.
type Scanner struct {
	// OnSkip, when set, is called for every line the assembler skipped or
	// whose review it dropped.
	OnSkip func(line int64, reason, text string)

	lines *bufio.Scanner
	asm   Assembler
	rec   Record
	line  int64
	err   error
	done  bool
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	ls := bufio.NewScanner(r)
	ls.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Scanner{lines: ls}
}

// Scan advances to the next record. It returns false at end of input or on
// a read error; Err distinguishes the two.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	for s.lines.Scan() {
		s.line++
		before := s.asm.Stats()
		rec, ok := s.asm.Feed(Classify(s.lines.Text()))
		if s.OnSkip != nil {
			s.report(before)
		}
		if ok {
			s.rec = rec
			return true
		}
	}
	s.done = true
	if err := s.lines.Err(); err != nil {
		s.err = fmt.Errorf("read line %d: %w", s.line+1, err)
		return false
	}
	if rec, ok := s.asm.Finish(); ok {
		s.rec = rec
		return true
	}
	return false
}

func (s *Scanner) report(before Stats) {
	after := s.asm.Stats()
	switch {
	case after.SkippedLines > before.SkippedLines:
		s.OnSkip(s.line, "unrecognized line", s.lines.Text())
	case after.DroppedReviews > before.DroppedReviews:
		s.OnSkip(s.line, "rating out of range", s.lines.Text())
	}
}

// Record returns the record produced by the last successful Scan.
func (s *Scanner) Record() Record { return s.rec }

// Err returns the first read error, if any.
func (s *Scanner) Err() error { return s.err }

// Line returns the number of lines consumed so far.
func (s *Scanner) Line() int64 { return s.line }

// Stats returns the assembler counters.
func (s *Scanner) Stats() Stats { return s.asm.Stats() }
