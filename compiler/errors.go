package compiler

import "fmt"

// ParseError indicates malformed source text or signature. It is fatal to the
// compilation and is never retried.
type ParseError struct {
	// Name of the source (or path, for IR files) being parsed.
	Name string
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to parse %q: %s: %v", e.Name, e.Msg, e.Err)
	}
	return fmt.Sprintf("failed to parse %q: %s", e.Name, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MalformedIRError indicates a required embedded attribute of the supplied IR text
// occurred zero or more than once when exactly one was expected.
type MalformedIRError struct {
	Attribute string
	Count     int
}

func (e *MalformedIRError) Error() string {
	return fmt.Sprintf("malformed IR: expected exactly one %q attribute, found %d", e.Attribute, e.Count)
}

// StageFailure wraps an error raised by a lowering stage. It aborts the run: the
// artifact group is never committed, so later lookups for the same key see a miss.
type StageFailure struct {
	Format string
	Err    error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("lowering stage %q failed: %v", e.Format, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }
