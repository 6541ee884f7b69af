package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/standardbeagle/mcplab/internal/logs"
)

var (
	runningColor = lipgloss.Color("2")  // Green
	failedColor  = lipgloss.Color("1")  // Red
	warnColor    = lipgloss.Color("3")  // Yellow
	debugColor   = lipgloss.Color("6")  // Cyan
	accentColor  = lipgloss.Color("39") // Blue

	greenStyle  = lipgloss.NewStyle().Foreground(runningColor)
	redStyle    = lipgloss.NewStyle().Foreground(failedColor)
	yellowStyle = lipgloss.NewStyle().Foreground(warnColor)
	cyanStyle   = lipgloss.NewStyle().Foreground(debugColor)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	notificationStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("82")).
				Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))
)

func levelStyle(l logs.Level) lipgloss.Style {
	switch l {
	case logs.LevelError:
		return redStyle
	case logs.LevelWarning:
		return yellowStyle
	case logs.LevelSuccess:
		return greenStyle
	case logs.LevelDebug:
		return cyanStyle
	}
	return lipgloss.NewStyle()
}
