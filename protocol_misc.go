package meshlink

import (
	"net"
	"strconv"
	"time"

	"github.com/elear-solutions-dev/meshlink/meta"
)

// scheduleExternal drives the REQ_EXTERNAL cadence on one active
// connection. Only BACKBONE and STATIONARY nodes originate these;
// the caller checks our class.
func (m *Mesh) scheduleExternal(c *connection, delay time.Duration) {
	m.setTimer(delay, func() {
		if c.state != connActive {
			return
		}
		port := m.portMirror()
		if port == 0 {
			// Never advertise an unbound port.
			return
		}
		c.sendMsg(&meta.ReqExternal{Port: port})
		m.scheduleExternal(c, externalInterval)
	})
}

// handleReqExternal answers with the address the peer appears to be
// coming from, and caches that address as the peer's external one.
func (m *Mesh) handleReqExternal(c *connection, t *meta.ReqExternal) {
	if c.node == nil || t.Port == 0 {
		return
	}
	host := remoteHost(c.tcp)
	external := net.JoinHostPort(host, strconv.Itoa(int(t.Port)))
	c.node.external = external
	m.logf(logDebug, "external address of %s is %s", c.node.name, external)
	c.sendMsg(&meta.AnsExternal{Host: host, Port: t.Port})
}

// handleAnsExternal records how the world sees us.
func (m *Mesh) handleAnsExternal(c *connection, t *meta.AnsExternal) {
	if t.Host == "" || t.Port == 0 {
		return
	}
	external := net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
	if m.self.external != external {
		m.self.external = external
		m.logf(logInfo, "our external address is %s according to %s", external, c.name)
	}
	m.self.addAddressHint(t.Host, t.Port)
}
