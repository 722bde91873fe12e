package logger

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var Logger *log.Logger

// waylandDebug holds the roles traced per WAYLAND_DEBUG.
var waylandDebug = map[string]bool{}

func init() {
	Logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "wlproto",
	})

	// Set log level from environment variable
	SetLevel(os.Getenv("LOG_LEVEL"))
	SetWaylandDebug(os.Getenv("WAYLAND_DEBUG"))
}

// SetLevel sets the level by name. Unknown names select INFO.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		Logger.SetLevel(log.DebugLevel)
	case "WARN", "WARNING":
		Logger.SetLevel(log.WarnLevel)
	case "ERROR":
		Logger.SetLevel(log.ErrorLevel)
	case "FATAL":
		Logger.SetLevel(log.FatalLevel)
	default:
		Logger.SetLevel(log.InfoLevel)
	}
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetWaylandDebug enables protocol tracing using the WAYLAND_DEBUG
// conventions: "1" or "all" traces both roles, "client" or "server" one of
// them. Tracing is emitted at debug level, so it also lowers the level.
func SetWaylandDebug(value string) {
	waylandDebug = map[string]bool{}
	for _, part := range strings.Split(value, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "1", "all", "true":
			waylandDebug["client"] = true
			waylandDebug["server"] = true
		case "client":
			waylandDebug["client"] = true
		case "server":
			waylandDebug["server"] = true
		}
	}
	if len(waylandDebug) > 0 {
		Logger.SetLevel(log.DebugLevel)
	}
}

// Tracing reports whether messages of the given role are traced.
func Tracing(role string) bool {
	return waylandDebug[role]
}

// Trace logs one protocol message line.
func Trace(role, line string) {
	Logger.Debug(line, "role", role)
}

// Convenience functions for common operations
func Info(msg interface{}, keyvals ...interface{}) {
	Logger.Info(msg, keyvals...)
}

func Debug(msg interface{}, keyvals ...interface{}) {
	Logger.Debug(msg, keyvals...)
}

func Warn(msg interface{}, keyvals ...interface{}) {
	Logger.Warn(msg, keyvals...)
}

func Error(msg interface{}, keyvals ...interface{}) {
	Logger.Error(msg, keyvals...)
}

func Fatal(msg interface{}, keyvals ...interface{}) {
	Logger.Fatal(msg, keyvals...)
}
