package logs

import (
	"regexp"
	"strings"
)

// ErrorContext is a complete Python error with its traceback.
type ErrorContext struct {
	Type    string   `json:"type"`    // e.g. "ModuleNotFoundError"
	Message string   `json:"message"` // text after the type
	Stack   []string `json:"stack"`   // File "...", line N frames
	Raw     []string `json:"raw"`     // every line that makes up the error
}

// Summary is "Type: message", or the first raw line.
func (e *ErrorContext) Summary() string {
	if e.Type == "" {
		if len(e.Raw) > 0 {
			return e.Raw[0]
		}
		return ""
	}
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}

var (
	tracebackStart = regexp.MustCompile(`^Traceback \(most recent call last\):`)
	frameLine      = regexp.MustCompile(`^\s+File "([^"]+)", line (\d+)`)
	exceptionLine  = regexp.MustCompile(`^([A-Za-z_][\w.]*(?:Error|Exception|Exit|Interrupt|Warning|Group))(?::\s*(.*))?$`)
	chainedLine    = regexp.MustCompile(`^(During handling of the above exception|The above exception was the direct cause)`)
	logErrorLine   = regexp.MustCompile(`^(?:ERROR|CRITICAL|FATAL)[:\s]+(.+)`)
)

// TracebackParser groups Python traceback lines into ErrorContexts.
type TracebackParser struct {
	active *ErrorContext
	errors []ErrorContext
}

func NewTracebackParser() *TracebackParser {
	return &TracebackParser{}
}

// ProcessLine feeds one line and returns an error when one completes.
func (p *TracebackParser) ProcessLine(line string) *ErrorContext {
	line = strings.TrimRight(line, "\r\n")

	if tracebackStart.MatchString(line) {
		p.active = &ErrorContext{Raw: []string{line}}
		return nil
	}

	if p.active != nil {
		switch {
		case frameLine.MatchString(line):
			p.active.Raw = append(p.active.Raw, line)
			p.active.Stack = append(p.active.Stack, strings.TrimSpace(line))
			return nil
		case strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") || strings.TrimSpace(line) == "" ||
			strings.HasPrefix(strings.TrimSpace(line), "^") || strings.HasPrefix(strings.TrimSpace(line), "~"):
			// Source excerpt under a frame
			p.active.Raw = append(p.active.Raw, line)
			return nil
		}

		done := p.active
		p.active = nil
		done.Raw = append(done.Raw, line)
		if m := exceptionLine.FindStringSubmatch(line); m != nil {
			done.Type = m[1]
			done.Message = m[2]
		} else {
			done.Message = strings.TrimSpace(line)
		}
		p.errors = append(p.errors, *done)
		return done
	}

	if chainedLine.MatchString(line) {
		return nil
	}
	if m := exceptionLine.FindStringSubmatch(line); m != nil {
		ctx := &ErrorContext{Type: m[1], Message: m[2], Raw: []string{line}}
		p.errors = append(p.errors, *ctx)
		return ctx
	}
	if m := logErrorLine.FindStringSubmatch(line); m != nil {
		ctx := &ErrorContext{Message: strings.TrimSpace(m[1]), Raw: []string{line}}
		p.errors = append(p.errors, *ctx)
		return ctx
	}
	return nil
}

// Flush completes an error still being collected, if any.
func (p *TracebackParser) Flush() *ErrorContext {
	if p.active == nil {
		return nil
	}
	done := p.active
	p.active = nil
	p.errors = append(p.errors, *done)
	return done
}

// Errors returns every completed error in order.
func (p *TracebackParser) Errors() []ErrorContext {
	out := make([]ErrorContext, len(p.errors))
	copy(out, p.errors)
	return out
}

// ParseErrors returns every error found in lines.
func ParseErrors(lines []string) []ErrorContext {
	p := NewTracebackParser()
	for _, line := range lines {
		p.ProcessLine(line)
	}
	p.Flush()
	return p.Errors()
}

// LastError parses text and returns the final error it contains.
func LastError(text string) *ErrorContext {
	errs := ParseErrors(strings.Split(text, "\n"))
	if len(errs) == 0 {
		return nil
	}
	return &errs[len(errs)-1]
}
