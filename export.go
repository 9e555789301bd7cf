package meshlink

import (
	"strings"

	"github.com/elear-solutions-dev/meshlink/meta"
)

// Export serialises our own host blob for out-of-band exchange. The
// blob is the hosts/<name> format with a Name header prepended.
func (m *Mesh) Export() (string, error) {
	var blob string
	err := m.do(func() error {
		h := m.hostFromNode(m.self)
		h.port = m.portMirror()
		blob = "Name = " + m.name + "\n" + string(h.marshal())
		return nil
	})
	if err != nil {
		m.setErrno(errnoOf(err))
		return "", err
	}
	return blob, nil
}

// Import parses one exported host blob, creates the node, and
// persists its host file. Importing ourselves is an error.
func (m *Mesh) Import(blob string) error {
	err := m.do(func() error {
		name, body, err := splitExport(blob)
		if err != nil {
			return err
		}
		if name == m.name {
			return ErrInval
		}
		h, err := parseHostFile(name, []byte(body))
		if err != nil {
			return err
		}
		if len(h.pubkey) == 0 {
			return ErrInval
		}
		m.applyHost(h)
		return m.writeHost(h)
	})
	if err != nil {
		m.setErrno(errnoOf(err))
	}
	return err
}

// splitExport peels the Name header off an exported blob.
func splitExport(blob string) (name, body string, err error) {
	lines := strings.SplitN(blob, "\n", 2)
	if len(lines) != 2 {
		return "", "", ErrInval
	}
	kv := parseKV([]byte(lines[0] + "\n"))
	if len(kv) != 1 || kv[0][0] != "Name" || !meta.ValidName(kv[0][1]) {
		return "", "", ErrInval
	}
	return kv[0][1], lines[1], nil
}

// errnoOf maps any error to the application taxonomy.
func errnoOf(err error) Error {
	if err == nil {
		return OK
	}
	if e, ok := err.(Error); ok {
		return e
	}
	return ErrNetwork
}
