package mesh

import (
	"fmt"
	"log"
)

// A ClusterLogger is the logging interface used throughout the mesh
// package.
//
// Trace is used for high-volume debugging detail, normally left unused in
// production. Info is used for routine lifecycle events (bind, connect,
// worker start/stop). Warn is used for the "expected but noteworthy"
// failure paths spec.md enumerates: dropped sends to unknown peers,
// unknown destination paths, directory overflow. Error is used for
// conditions that are fatal to a worker: bind failure, a peer connect
// failure during connectToPeers.
type ClusterLogger interface {
	Trace(interface{}, ...interface{})
	Info(interface{}, ...interface{})
	Warn(interface{}, ...interface{})
	Error(interface{}, ...interface{})
}

// WrapLogger adapts a standard *log.Logger to the ClusterLogger interface.
func WrapLogger(l *log.Logger) ClusterLogger {
	return wrapLogger{l}
}

type wrapLogger struct {
	logger *log.Logger
}

func (sl wrapLogger) Trace(s interface{}, vals ...interface{}) {
	sl.logger.Output(2, fmt.Sprintf("[TRAC] mesh: "+fmt.Sprintf("%v", s), vals...))
}

func (sl wrapLogger) Info(s interface{}, vals ...interface{}) {
	sl.logger.Output(2, fmt.Sprintf("[INFO] mesh: "+fmt.Sprintf("%v", s), vals...))
}

func (sl wrapLogger) Warn(s interface{}, vals ...interface{}) {
	sl.logger.Output(2, fmt.Sprintf("[WARN] mesh: "+fmt.Sprintf("%v", s), vals...))
}

func (sl wrapLogger) Error(s interface{}, vals ...interface{}) {
	sl.logger.Output(2, fmt.Sprintf("[ERR] mesh: "+fmt.Sprintf("%v", s), vals...))
}

// StdLogger is a ClusterLogger that writes through the standard log
// package's default logger.
var StdLogger ClusterLogger = stdLogger{}

type stdLogger struct{}

func (sl stdLogger) Trace(s interface{}, vals ...interface{}) {
	log.Printf("[TRAC] mesh: "+fmt.Sprintf("%v", s), vals...)
}
func (sl stdLogger) Info(s interface{}, vals ...interface{}) {
	log.Printf("[INFO] mesh: "+fmt.Sprintf("%v", s), vals...)
}
func (sl stdLogger) Warn(s interface{}, vals ...interface{}) {
	log.Printf("[WARN] mesh: "+fmt.Sprintf("%v", s), vals...)
}
func (sl stdLogger) Error(s interface{}, vals ...interface{}) {
	log.Printf("[ERR] mesh: "+fmt.Sprintf("%v", s), vals...)
}

// NullLogger discards everything. Useful in tests that don't want to
// exercise a cluster's log traffic.
var NullLogger ClusterLogger = nullLogger{}

type nullLogger struct{}

func (nl nullLogger) Trace(s interface{}, vals ...interface{}) {}
func (nl nullLogger) Info(s interface{}, vals ...interface{})  {}
func (nl nullLogger) Warn(s interface{}, vals ...interface{})  {}
func (nl nullLogger) Error(s interface{}, vals ...interface{}) {}
