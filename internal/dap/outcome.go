// Package dap invokes the DAP collector executable and classifies what it
// reported.
package dap

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Outcome is the classified result of one collector invocation. It is one of
// *Success, *HTTPError, *Timeout or *InvocationFailure.
type Outcome interface {
	outcome()
}

// Success carries the aggregate printed by the collector.
type Success struct {
	VectorText       string // contents of the "Aggregation result:" brackets
	ReportCount      int64  // -1 when the collector did not print it
	IntervalStart    string
	IntervalDuration string
}

// HTTPError is a rejection reported by the DAP leader, for example when the
// batch holds too few reports.
type HTTPError struct {
	StatusCode int
	StatusText string
	Message    string // empty when the collector printed no detail
}

// Timeout means the collector did not finish before its deadline. The process
// group was killed.
type Timeout struct {
	After  time.Duration
	Stderr string
}

// InvocationFailure covers every other failure: a non-zero exit without a
// recognisable HTTP error, a process that could not start, or a clean exit
// that printed no aggregate.
type InvocationFailure struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (*Success) outcome()           {}
func (*HTTPError) outcome()         {}
func (*Timeout) outcome()           {}
func (*InvocationFailure) outcome() {}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dap leader returned HTTP %d %s", e.StatusCode, e.StatusText)
	}
	return fmt.Sprintf("dap leader returned HTTP %d %s: %s", e.StatusCode, e.StatusText, e.Message)
}

// Hint returns operator guidance for well known rejections.
func (e *HTTPError) Hint() string {
	switch e.StatusCode {
	case 400:
		return "the batch may not hold the minimum number of reports yet"
	case 404:
		return "verify the batch start date is not more than 14 days ago"
	}
	return ""
}

// Retryable reports whether the leader might accept the same request later
// within one run.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ErrTimeout is matched by every *Timeout converted with Err.
var ErrTimeout = errors.New("dap collector timed out")

// TimeoutError is the error form of a Timeout outcome.
type TimeoutError struct{ *Timeout }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dap collector timed out after %s", e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// InvocationError is the error form of an InvocationFailure outcome.
type InvocationError struct{ *InvocationFailure }

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("dap collector failed with exit code %d", e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ", stderr: " + s
	}
	return msg
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Err converts a failed outcome into an error. It returns nil for *Success.
func Err(o Outcome) error {
	switch o := o.(type) {
	case *Success:
		return nil
	case *HTTPError:
		return o
	case *Timeout:
		return &TimeoutError{o}
	case *InvocationFailure:
		return &InvocationError{o}
	default:
		return fmt.Errorf("unknown dap outcome %T", o)
	}
}

var httpStatusRE = regexp.MustCompile(`(?m)HTTP response status\s+(\d+)\s+([A-Za-z ]+?)(?:\s+-\s+(.*?))?\s*$`)

// ParseHTTPError extracts the leader rejection from collector output of the
// form "HTTP response status <code> <text>[ - <message>]".
func ParseHTTPError(text string) (*HTTPError, bool) {
	m := httpStatusRE.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, false
	}
	return &HTTPError{
		StatusCode: code,
		StatusText: strings.TrimSpace(m[2]),
		Message:    strings.TrimSpace(m[3]),
	}, true
}

const (
	resultPrefix   = "Aggregation result:"
	reportsPrefix  = "Number of reports:"
	intervalPrefix = "Interval start:"
	durationPrefix = "Interval duration:"
	lengthPrefix   = "Interval length:"
)

// maxOutputLine bounds one line of collector stdout.
const maxOutputLine = 16 * 1024 * 1024

// ParseOutput scans collector stdout for the aggregation result line. The
// other lines are informational and kept when present. An error means the
// output could not be read, for example a line longer than maxOutputLine.
func ParseOutput(stdout string) (*Success, bool, error) {
	s := &Success{ReportCount: -1}
	found := false

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, resultPrefix):
			body := strings.TrimSpace(strings.TrimPrefix(line, resultPrefix))
			body = strings.TrimPrefix(body, "[")
			body = strings.TrimSuffix(body, "]")
			s.VectorText = body
			found = true
		case strings.HasPrefix(line, reportsPrefix):
			if n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, reportsPrefix)), 10, 64); err == nil {
				s.ReportCount = n
			}
		case strings.HasPrefix(line, intervalPrefix):
			s.IntervalStart = strings.TrimSpace(strings.TrimPrefix(line, intervalPrefix))
		case strings.HasPrefix(line, durationPrefix):
			s.IntervalDuration = strings.TrimSpace(strings.TrimPrefix(line, durationPrefix))
		case strings.HasPrefix(line, lengthPrefix):
			s.IntervalDuration = strings.TrimSpace(strings.TrimPrefix(line, lengthPrefix))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return s, true, nil
}
