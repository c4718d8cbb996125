// Package navigator_pkg drives an unstable, dynamically rendered web portal
// through ranked locator strategies and DOM-state verification.
package navigator_pkg

import (
	"fmt"
	"log"
)

// Logger interface for observability
type Logger interface {
	Printf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// SimpleLogger is a basic logger implementation
type SimpleLogger struct{}

func (sl *SimpleLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (sl *SimpleLogger) Errorf(format string, v ...interface{}) {
	log.Printf("ERROR: "+format, v...)
}

// prefixLogger tags every line with a fixed prefix, e.g. the session id.
type prefixLogger struct {
	prefix string
	next   Logger
}

func withPrefix(l Logger, prefix string) Logger {
	if l == nil {
		l = &SimpleLogger{}
	}
	return &prefixLogger{prefix: prefix, next: l}
}

func (p *prefixLogger) Printf(format string, v ...interface{}) {
	p.next.Printf("%s %s", p.prefix, fmt.Sprintf(format, v...))
}

func (p *prefixLogger) Errorf(format string, v ...interface{}) {
	p.next.Errorf("%s %s", p.prefix, fmt.Sprintf(format, v...))
}

// discardLogger drops everything; used by tests and probes.
type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}
func (discardLogger) Errorf(string, ...interface{}) {}
