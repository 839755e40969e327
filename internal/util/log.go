// Package util provides shared logging and traffic statistics.
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

// EnableDebug lets Debug lines through.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Scope is a logger for one component. Every line goes through pterm's
// default logger (stderr) tagged with the component name.
//
//	var log = util.Scope("lobby")
//	log.Info("%s joined", id)
type Scope string

func (s Scope) fields() []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args("component", string(s))
}

func (s Scope) Debug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), s.fields())
}

func (s Scope) Info(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), s.fields())
}

func (s Scope) Warn(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), s.fields())
}

func (s Scope) Error(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), s.fields())
}

// Success prints a highlighted line for the user, outside the log stream.
func (s Scope) Success(format string, args ...interface{}) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}
