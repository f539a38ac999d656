package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// loggerPackage is this package's import path, used to skip its frames.
var loggerPackage = reflect.TypeOf(relayHook{}).PkgPath()

const logrusPackage = "github.com/sirupsen/logrus"

// relayHook runs on every entry. It points the reported caller at the relay
// code that logged, past logrus and the wrappers in this package, and counts
// warnings and errors per component for the runtime report.
type relayHook struct{}

func newRelayHook() *relayHook { return &relayHook{} }

func (h *relayHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *relayHook) Fire(entry *logrus.Entry) error {
	if component, ok := entry.Data["component"].(string); ok {
		switch entry.Level {
		case logrus.WarnLevel:
			recordWarn(component)
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			recordError(component)
		}
	}

	if entry.Logger.ReportCaller {
		if frame, ok := callerFrame(); ok {
			entry.Caller = &frame
		}
	}
	return nil
}

// callerFrame returns the first stack frame outside logrus and this package.
func callerFrame() (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isLoggingFrame(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// wrapperPrefixes are the functions of this package that sit between relay
// code and logrus.
var wrapperPrefixes = []string{
	loggerPackage + ".(*Log).",
	loggerPackage + ".(*Entry).",
	loggerPackage + ".LogPerformanceEntry",
	loggerPackage + ".LogDataFlowEntry",
}

func isLoggingFrame(fn string) bool {
	if strings.HasPrefix(fn, logrusPackage+".") {
		return true
	}
	for _, p := range wrapperPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
