package utils

import (
	"io"
	"log"
	"sync"
)

type LogLevel int

const (
	LogLevelError = LogLevel(1 << iota)
	LogLevelInfo
	LogLevelProbe
	LogLevelStats
)

var GlobalLogLevel = LogLevelError | LogLevelInfo

var (
	sinkLock  sync.Mutex
	infoSink  *log.Logger
	probeSink *log.Logger
	statsSink *log.Logger
)

// SetSink routes a level's output to an additional writer. Passing nil
// removes the sink. Error output always goes to the default logger.
func SetSink(level LogLevel, w io.Writer) {
	sinkLock.Lock()
	defer sinkLock.Unlock()
	var l *log.Logger
	if w != nil {
		l = log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	}
	switch level {
	case LogLevelInfo:
		infoSink = l
	case LogLevelProbe:
		probeSink = l
	case LogLevelStats:
		statsSink = l
	}
}

func sinkFor(level LogLevel) *log.Logger {
	sinkLock.Lock()
	defer sinkLock.Unlock()
	switch level {
	case LogLevelInfo:
		return infoSink
	case LogLevelProbe:
		return probeSink
	case LogLevelStats:
		return statsSink
	}
	return nil
}

func output(level LogLevel, format string, v ...any) {
	if s := sinkFor(level); s != nil {
		s.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

func Errorf(format string, v ...any) {
	if GlobalLogLevel&LogLevelError == 0 {
		return
	}
	log.Printf(format, v...)
}

func Logf(format string, v ...any) {
	if GlobalLogLevel&LogLevelInfo == 0 {
		return
	}
	output(LogLevelInfo, format, v...)
}

func Probef(format string, v ...any) {
	if GlobalLogLevel&LogLevelProbe == 0 {
		return
	}
	output(LogLevelProbe, format, v...)
}

func Statsf(format string, v ...any) {
	if GlobalLogLevel&LogLevelStats == 0 {
		return
	}
	output(LogLevelStats, format, v...)
}
