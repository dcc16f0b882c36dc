// Package console provides the envctl CLI's human-facing output: leveled,
// colorized when attached to a TTY, plain otherwise. Adapted from the
// teacher's pkg/util/console, trimmed to what the CLI client actually needs.
package console

import (
	"fmt"
	"os"
	"sync"

	"github.com/logrusorgru/aurora"
	"github.com/mattn/go-isatty"
)

// Level enumerates console verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Console is a small, lockable, leveled writer used by the CLI.
type Console struct {
	Color bool
	Level Level
	mu    sync.Mutex
}

// Instance is the process-wide console used by package-level helpers.
var Instance = &Console{
	Color: isatty.IsTerminal(os.Stdout.Fd()),
	Level: InfoLevel,
}

func SetLevel(l Level)  { Instance.Level = l }
func SetColor(on bool)  { Instance.Color = on }

func Debug(msg string)                       { Instance.log(DebugLevel, msg) }
func Info(msg string)                        { Instance.log(InfoLevel, msg) }
func Warn(msg string)                        { Instance.log(WarnLevel, msg) }
func Error(msg string)                       { Instance.log(ErrorLevel, msg) }
func Debugf(f string, v ...any)              { Instance.log(DebugLevel, fmt.Sprintf(f, v...)) }
func Infof(f string, v ...any)               { Instance.log(InfoLevel, fmt.Sprintf(f, v...)) }
func Warnf(f string, v ...any)               { Instance.log(WarnLevel, fmt.Sprintf(f, v...)) }
func Errorf(f string, v ...any)              { Instance.log(ErrorLevel, fmt.Sprintf(f, v...)) }

func (c *Console) log(level Level, msg string) {
	if level < c.Level {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := os.Stdout
	if level >= WarnLevel {
		out = os.Stderr
	}

	if !c.Color {
		fmt.Fprintln(out, msg)
		return
	}

	switch level {
	case DebugLevel:
		fmt.Fprintln(out, aurora.Gray(12, msg))
	case WarnLevel:
		fmt.Fprintln(out, aurora.Yellow(msg))
	case ErrorLevel:
		fmt.Fprintln(out, aurora.Red(msg))
	default:
		fmt.Fprintln(out, msg)
	}
}

// Output writes a line of primary command output, uncolored, to stdout —
// for result data rather than log chatter.
func Output(s string) {
	Instance.mu.Lock()
	defer Instance.mu.Unlock()
	fmt.Fprintln(os.Stdout, s)
}
