// Package logger provides the tagged, leveled console logging used
// throughout killfeed ("[TAG] message", colorized when attached to a
// terminal). It is a thin, opinionated wrapper around logrus rather than a
// general-purpose logging facade: callers reach for Info/Success/Warn/Error
// with a short component tag, and for the two decorative helpers
// (Section/Stats) used when summarizing a bulk operation (SDE load, ingest
// run) on startup.
package logger

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:      isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
		DisableTimestamp: false,
		FullTimestamp:    false,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel parses and applies a level name ("debug", "info", "warn",
// "error"), falling back to info on an unrecognized value.
func SetLevel(levelName string) {
	lvl, err := logrus.ParseLevel(levelName)
	if err != nil {
		base.Warnf("invalid log level %q, defaulting to info", levelName)
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
}

func entry(tag string) *logrus.Entry {
	return base.WithField("tag", tag)
}

// Debug logs a low-volume diagnostic line (e.g. a discarded malformed
// upstream record).
func Debug(tag, msg string) {
	entry(tag).Debugf("[%s] %s", tag, msg)
}

// Info logs a routine operational event.
func Info(tag, msg string) {
	entry(tag).Infof("[%s] %s", tag, msg)
}

// Success logs a completed operation, at info level with a distinct marker
// so it stands out from routine Info lines in the console.
func Success(tag, msg string) {
	entry(tag).Infof("[%s] ✓ %s", tag, msg)
}

// Warn logs a recoverable anomaly (ResolverMiss, PersistenceConflict, ...).
func Warn(tag, msg string) {
	entry(tag).Warnf("[%s] %s", tag, msg)
}

// Error logs an operation failure that was contained rather than allowed to
// propagate to the caller.
func Error(tag, msg string) {
	entry(tag).Errorf("[%s] %s", tag, msg)
}

// Section prints a labeled divider, used to group a block of Stats() calls.
func Section(title string) {
	fmt.Fprintf(os.Stdout, "\n== %s ==\n", title)
}

// Stats prints a single "key: value" statistic line under a Section.
func Stats(key string, value int) {
	fmt.Fprintf(os.Stdout, "  %-20s %s\n", key, humanize.Comma(int64(value)))
}

// Banner prints the startup banner once at process start.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Fprintf(os.Stdout, "killfeed %s — killmail tracker & webhook relay\n", version)
}
