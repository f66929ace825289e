package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled helpers over pterm's default logger. Messages start with the
// caller's bracketed tag, e.g.
//
//	[lobby 12345] admitting 3f2a9c1e
//	[proxy 1.2.3.4:9001] [5d0e7b22] closed
//	[signal 8c41d2aa] connected to 127.0.0.1:7000
//
// so every protocol-level line names the component, and ShortID keeps the
// sender and connection ids in those lines short.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess is LogInfo in green, used once a component is up.
func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(pterm.Green(fmt.Sprintf(format, args...)))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// ShortID returns the first eight characters of a uuid, enough to tell
// peers and connections apart in a tag.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
