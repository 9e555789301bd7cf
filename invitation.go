package meshlink

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/elear-solutions-dev/meshlink/meta"
)

const (
	cookieRawLen   = 18 // 24 characters in base64url
	invitationTTL  = 7 * 24 * time.Hour
	inviteDeadline = 10 * time.Second
	defaultPort    = 655

	bundleSeparator = "----"
)

// Invite creates a one-shot invitation for a new peer and returns
// its URL. The cookie names the on-disk record; whoever presents it
// first consumes it.
func (m *Mesh) Invite(name string) (string, error) {
	var out string
	err := m.do(func() error {
		if !meta.ValidName(name) || name == m.name {
			return ErrInval
		}
		if n := m.lookupNode(name); n != nil && n.pubkey != nil {
			return ErrInval
		}

		raw := make([]byte, cookieRawLen)
		if _, err := rand.Read(raw); err != nil {
			return errors.Wrap(err, "cookie")
		}
		cookie := base64.RawURLEncoding.EncodeToString(raw)

		pub := m.priv.Public().(ed25519.PublicKey)
		fp := sha256.Sum256(pub)
		var b strings.Builder
		fmt.Fprintf(&b, "Name = %s\n", name)
		fmt.Fprintf(&b, "Fingerprint = %s\n", base64.StdEncoding.EncodeToString(fp[:]))
		fmt.Fprintf(&b, "Expires = %s\n", time.Now().Add(invitationTTL).UTC().Format(time.RFC3339))

		path := filepath.Join(m.confbase, invitationsDir, cookie)
		if err := atomicWrite(path, []byte(b.String()), 0600); err != nil {
			return err
		}
		m.pruneInvitations()

		host := m.inviteHost()
		out = fmt.Sprintf("meshlink://%s/%s", net.JoinHostPort(host, fmt.Sprint(m.portMirror())), cookie)
		return nil
	})
	if err != nil {
		m.setErrno(errnoOf(err))
		return "", err
	}
	return out, nil
}

// inviteHost picks the address a joiner should dial: our canonical
// address when set, the hostname otherwise.
func (m *Mesh) inviteHost() string {
	if m.self.canonical != "" {
		if host, _, ok := splitHostPort(m.self.canonical); ok {
			return host
		}
		return strings.Fields(m.self.canonical)[0]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "localhost"
}

// pruneInvitations drops expired invitation records.
func (m *Mesh) pruneInvitations() {
	dir := filepath.Join(m.confbase, invitationsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			continue
		}
		if _, _, expired := parseInvitation(data); expired {
			os.Remove(filepath.Join(dir, ent.Name()))
		}
	}
}

func parseInvitation(data []byte) (name string, fingerprint string, expired bool) {
	for _, kv := range parseKV(data) {
		switch kv[0] {
		case "Name":
			name = kv[1]
		case "Fingerprint":
			fingerprint = kv[1]
		case "Expires":
			t, err := time.Parse(time.RFC3339, kv[1])
			if err != nil || time.Now().After(t) {
				expired = true
			}
		}
	}
	return name, fingerprint, expired
}

// serveInvitation runs the issuer side of the exchange on its own
// goroutine; mesh state is only touched through the reactor.
func (m *Mesh) serveInvitation(tcp net.Conn) {
	defer tcp.Close()
	tcp.SetDeadline(time.Now().Add(inviteDeadline))

	r := bufio.NewReaderSize(tcp, 64*1024)
	line, err := r.ReadString('\n')
	if err != nil {
		return
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "1" {
		return
	}
	cookie := fields[1]
	if len(cookie) != 24 || strings.ContainsAny(cookie, "/.\\") {
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie)
	if err != nil || len(raw) != cookieRawLen {
		return
	}

	path := filepath.Join(m.confbase, invitationsDir, cookie)
	data, err := os.ReadFile(path)
	if err != nil {
		m.logf(logWarning, "unknown invitation cookie presented (%s)", ErrAuth)
		return
	}
	name, _, expired := parseInvitation(data)
	if expired || !meta.ValidName(name) {
		m.logf(logWarning, "expired invitation for %q presented (%s)", name, ErrAuth)
		os.Remove(path)
		return
	}

	// Assemble the signed bundle under the reactor so the node view
	// is consistent.
	var bundle []byte
	m.do(func() error {
		var b strings.Builder
		fmt.Fprintf(&b, "Invite = %s\n", name)
		fmt.Fprintf(&b, "Inviter = %s\n", m.name)
		b.WriteString(bundleSeparator + "\n")
		h := m.hostFromNode(m.self)
		h.port = m.port
		b.WriteString("Name = " + m.name + "\n")
		b.Write(h.marshal())
		for _, n := range m.nodes {
			if n == m.self || n.pubkey == nil {
				continue
			}
			b.WriteString(bundleSeparator + "\n")
			b.WriteString("Name = " + n.name + "\n")
			b.Write(m.hostFromNode(n).marshal())
		}
		bundle = []byte(b.String())
		return nil
	})

	sig := ed25519.Sign(m.priv, append(append([]byte(nil), raw...), bundle...))
	fmt.Fprintf(tcp, "2 %s %s\n",
		base64.StdEncoding.EncodeToString(bundle),
		base64.StdEncoding.EncodeToString(sig))

	// The joiner answers with its identity; only then is the cookie
	// spent.
	line, err = r.ReadString('\n')
	if err != nil {
		return
	}
	fields = strings.Fields(line)
	if len(fields) != 3 || fields[0] != "3" || fields[1] != name {
		return
	}
	pub, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return
	}

	err = m.do(func() error {
		h := &hostFile{name: name, pubkey: pub}
		m.applyHost(h)
		return m.writeHost(h)
	})
	if err != nil {
		return
	}
	os.Remove(path)
	fmt.Fprintf(tcp, "4\n")
	m.logf(logInfo, "invitation for %s redeemed", name)
}

// Join consumes an invitation URL. Valid only on a handle that knows
// no peers yet.
func (m *Mesh) Join(rawurl string) error {
	if err := m.joinPrecheck(); err != nil {
		m.setErrno(errnoOf(err))
		return err
	}

	u, err := url.Parse(rawurl)
	if err != nil || u.Scheme != "meshlink" || u.Host == "" {
		m.setErrno(ErrInval)
		return ErrInval
	}
	cookie := strings.TrimPrefix(u.Path, "/")
	raw, err := base64.RawURLEncoding.DecodeString(cookie)
	if err != nil || len(raw) != cookieRawLen {
		m.setErrno(ErrInval)
		return ErrInval
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), fmt.Sprint(defaultPort))
	}

	tcp, err := net.DialTimeout("tcp", host, inviteDeadline)
	if err != nil {
		m.setErrno(ErrNetwork)
		return ErrNetwork
	}
	defer tcp.Close()
	tcp.SetDeadline(time.Now().Add(inviteDeadline))
	m.setJoinConn(tcp)
	defer m.setJoinConn(nil)

	fmt.Fprintf(tcp, "1 %s\n", cookie)
	r := bufio.NewReaderSize(tcp, 1024*1024)
	line, err := r.ReadString('\n')
	if err != nil {
		m.setErrno(ErrTimeout)
		return ErrTimeout
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "2" {
		m.setErrno(ErrProtocol)
		return ErrProtocol
	}
	bundle, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		m.setErrno(ErrProtocol)
		return ErrProtocol
	}
	sig, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil || len(sig) != ed25519.SignatureSize {
		m.setErrno(ErrProtocol)
		return ErrProtocol
	}

	assigned, inviter, blobs, err := parseBundle(string(bundle))
	if err != nil {
		m.setErrno(ErrProtocol)
		return ErrProtocol
	}
	inviterHost := blobs[inviter]
	if inviterHost == nil || len(inviterHost.pubkey) == 0 {
		m.setErrno(ErrProtocol)
		return ErrProtocol
	}

	// The signature binds the bundle to this very cookie; verifying
	// it against the embedded key makes that key our trust root.
	signed := append(append([]byte(nil), raw...), bundle...)
	if !ed25519.Verify(ed25519.PublicKey(inviterHost.pubkey), signed, sig) {
		m.setErrno(ErrAuth)
		return ErrAuth
	}

	err = m.do(func() error {
		if err := m.adoptName(assigned); err != nil {
			return err
		}
		for _, h := range blobs {
			if h.name == m.name {
				continue
			}
			m.applyHost(h)
			if err := m.writeHost(h); err != nil {
				return err
			}
		}
		return m.saveMainConf()
	})
	if err != nil {
		m.setErrno(errnoOf(err))
		return err
	}

	pub := m.priv.Public().(ed25519.PublicKey)
	fmt.Fprintf(tcp, "3 %s %s\n", assigned, base64.StdEncoding.EncodeToString(pub))
	line, err = r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "4" {
		m.setErrno(ErrTimeout)
		return ErrTimeout
	}

	m.logf(logInfo, "joined mesh via %s as %s", inviter, assigned)
	return nil
}

// joinPrecheck enforces the only-when-alone rule.
func (m *Mesh) joinPrecheck() error {
	return m.do(func() error {
		for name := range m.nodes {
			if name != m.name {
				return ErrBusy
			}
		}
		return nil
	})
}

// adoptName renames us to the invitation's assigned name.
func (m *Mesh) adoptName(assigned string) error {
	if !meta.ValidName(assigned) {
		return ErrProtocol
	}
	if assigned == m.name {
		return nil
	}
	old := m.name
	delete(m.nodes, old)
	delete(m.nodeIDs, m.self.id)
	m.mirrorDel(old)
	m.self.name = assigned
	m.self.id = nodeID(assigned)
	m.nodes[assigned] = m.self
	m.nodeIDs[m.self.id] = m.self
	m.mirrorSet(assigned, true)
	m.mu.Lock()
	m.name = assigned
	m.mu.Unlock()
	return nil
}

// parseBundle splits the signed bundle into the assignment header
// and the host blobs it carries.
func parseBundle(text string) (assigned, inviter string, blobs map[string]*hostFile, err error) {
	sections := strings.Split(text, bundleSeparator+"\n")
	if len(sections) < 2 {
		return "", "", nil, ErrProtocol
	}
	for _, kv := range parseKV([]byte(sections[0])) {
		switch kv[0] {
		case "Invite":
			assigned = kv[1]
		case "Inviter":
			inviter = kv[1]
		}
	}
	if !meta.ValidName(assigned) || !meta.ValidName(inviter) {
		return "", "", nil, ErrProtocol
	}
	blobs = make(map[string]*hostFile)
	for _, sec := range sections[1:] {
		name, body, err := splitExport(sec)
		if err != nil {
			return "", "", nil, err
		}
		h, err := parseHostFile(name, []byte(body))
		if err != nil {
			return "", "", nil, err
		}
		blobs[name] = h
	}
	return assigned, inviter, blobs, nil
}

// setJoinConn publishes the in-flight join socket so Stop can abort
// it.
func (m *Mesh) setJoinConn(tcp net.Conn) {
	m.mu.Lock()
	m.joinConn = tcp
	m.mu.Unlock()
}
