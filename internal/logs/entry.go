package logs

import (
	"strings"
	"time"

	"github.com/acarl005/stripansi"
)

// Level is the severity assigned to a log line.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Rank orders levels for filtering; success ranks with info.
func (l Level) Rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo, LevelSuccess:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	}
	return 1
}

// ParseLevel accepts level names case-insensitively.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "SUCCESS":
		return LevelSuccess, true
	case "WARN", "WARNING":
		return LevelWarning, true
	case "ERROR":
		return LevelError, true
	}
	return "", false
}

// Source says where a line came from.
type Source string

const (
	SourceStdout     Source = "stdout"
	SourceStderr     Source = "stderr"
	SourceDeployment Source = "deployment"
	SourceSystem     Source = "system"
)

// Entry is one classified log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Source    Source    `json:"source"`
}

// Classify assigns a level to a stdout line by keyword.
func Classify(line string) Level {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR") || strings.Contains(upper, "FAILED"):
		return LevelError
	case strings.Contains(upper, "WARN"):
		return LevelWarning
	case strings.Contains(upper, "DEBUG"):
		return LevelDebug
	case strings.Contains(line, "🚀") || strings.Contains(line, "✅") || strings.Contains(line, "Starting"):
		return LevelSuccess
	}
	return LevelInfo
}

// ClassifyLines turns raw lines into entries. Color codes are stripped,
// blank lines are dropped and every stderr line is an error.
func ClassifyLines(lines []string, source Source, ts time.Time) []Entry {
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(stripansi.Strip(line))
		if line == "" {
			continue
		}
		level := LevelError
		if source != SourceStderr {
			level = Classify(line)
		}
		out = append(out, Entry{Timestamp: ts, Level: level, Message: line, Source: source})
	}
	return out
}
