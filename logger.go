package ayame

import (
	"log"
)

// Logger is the sink for connection and protocol diagnostics.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

// NewLogger returns a Logger writing through the standard log package.
// Debugf output is emitted only when debug is set.
func NewLogger(debug bool) Logger {
	return stdLogger{debug}
}

type stdLogger struct {
	debug bool
}

func (l stdLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (l stdLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		log.Printf(format, v...)
	}
}

type prefixLogger struct {
	logger Logger
	prefix string
}

var _ Logger = (*prefixLogger)(nil)

func (l *prefixLogger) Printf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Printf("%v"+format, v...)
}

func (l *prefixLogger) Debugf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Debugf("%v"+format, v...)
}
