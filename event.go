package meshlink

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogLevel selects the severity of a log callback invocation.
type LogLevel int

// Log levels
const (
	logDebug LogLevel = iota
	logInfo
	logWarning
	logError
)

// Converts LogLevel to string.
func (l LogLevel) String() string {
	switch l {
	case logDebug:
		return "DEBUG"
	case logInfo:
		return "INFO"
	case logWarning:
		return "WARNING"
	}
	return "ERROR"
}

// Exported aliases for applications installing a log callback.
const (
	LogDebug   = logDebug
	LogInfo    = logInfo
	LogWarning = logWarning
	LogError   = logError
)

// Application callbacks. All of them fire on the handle's reactor
// goroutine and must return promptly; re-entering Start, Stop or
// Close from a callback is refused: Start returns ErrBusy, Stop and
// Close do nothing and record ErrBusy for Errno.
type (
	// ReceiveFunc delivers one datagram sent to us.
	ReceiveFunc func(source string, data []byte)

	// NodeStatusFunc reports a reachability transition.
	NodeStatusFunc func(name string, reachable bool)

	// LogFunc mirrors the handle's log stream.
	LogFunc func(level LogLevel, text string)

	// ChannelAcceptFunc decides whether an incoming channel opening
	// on the given port is taken. Returning false sends RST.
	ChannelAcceptFunc func(ch *Channel, port uint16) bool

	// ChannelReceiveFunc delivers in-order channel bytes. An empty
	// slice signals the peer half-closed its write side.
	ChannelReceiveFunc func(ch *Channel, data []byte)
)

// NodeInfo is the devtools view of one node.
type NodeInfo struct {
	Name            string
	Class           DeviceClass
	Reachable       bool
	ExternalAddress string // host:port this node appears from, "" if unknown
	MTU             int
	UDPAddress      string // confirmed UDP path, "" when relaying
}

// logf writes through the handle logger and mirrors the entry to the
// application's log callback.
func (m *Mesh) logf(level LogLevel, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	switch level {
	case logDebug:
		m.log.Debug(text)
	case logInfo:
		m.log.Info(text)
	case logWarning:
		m.log.Warn(text)
	default:
		m.log.Error(text)
	}

	m.mu.Lock()
	cb := m.logCb
	m.mu.Unlock()
	if cb != nil {
		cb(level, text)
	}
}

// newLogger builds the per-handle logger. Entries carry the handle
// instance tag so logs from coexisting handles stay apart.
func newLogger(instance, name string) *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return log.WithFields(logrus.Fields{
		"mesh": name,
		"id":   instance,
	})
}

// notifyNodeStatus fires the node-status callback.
func (m *Mesh) notifyNodeStatus(name string, reachable bool) {
	m.mu.Lock()
	cb := m.nodeStatusCb
	m.mu.Unlock()
	if cb != nil {
		cb(name, reachable)
	}
}
