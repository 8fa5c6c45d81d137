package coap

import (
	"github.com/astaxie/beego/logs"
)

var debugEnable bool

// GLog is the package logger. It defaults to a console logger at level
// Debug; embedders that want their own sink should call SetLogger.
var GLog *logs.BeeLogger

func init() {
	debugEnable = false
	GLog = logs.NewLogger(10000)
	GLog.SetLogger("console", `{"level":7}`)
	GLog.EnableFuncCallDepth(true)
	GLog.SetLogFuncCallDepth(3)
}

// Debug turns the package's trace logging on or off. Off by default so a
// library consumer isn't surprised by console output.
func Debug(enable bool) {
	debugEnable = enable
}

// SetLogger swaps in a caller-supplied logger, e.g. one that ships logs
// to a file or a remote collector instead of the console.
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		GLog = l
	}
}

// TraceDebug logs at debug level when tracing is enabled.
func TraceDebug(format string, args ...interface{}) {
	if debugEnable {
		GLog.Debug(format, args...)
	}
}

// TraceInfo logs at info level when tracing is enabled.
func TraceInfo(format string, args ...interface{}) {
	if debugEnable {
		GLog.Info(format, args...)
	}
}

// TraceError always logs at error level; wire-level and protocol errors
// are worth surfacing even when tracing is otherwise quiet.
func TraceError(format string, args ...interface{}) {
	GLog.Error(format, args...)
}
