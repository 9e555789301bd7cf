package meshlink

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/elear-solutions-dev/meshlink/meta"
)

// On-disk layout, rooted at confbase.
const (
	confFile       = "meshlink.conf"
	keyFile        = "ecdsa_key.priv"
	hostsDir       = "hosts"
	invitationsDir = "invitations"
	lockFile       = ".lock"
)

// lockConf takes the advisory lock guarding the config directory. A
// second open of the same directory fails with ErrBusy.
func lockConf(confbase string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(confbase, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "config lock")
	}
	if !ok {
		return nil, ErrBusy
	}
	return fl, nil
}

// atomicWrite replaces path contents via write-to-temp plus rename.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// parseKV reads one key=value file into ordered (key, value) pairs.
// Repeated keys are legal; Address and Subnet rely on that.
func parseKV(data []byte) [][2]string {
	var out [][2]string
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		out = append(out, [2]string{key, val})
	}
	return out
}

// loadMainConf reads meshlink.conf, creating it on first open.
// The stored identity must match what the caller asked for.
func (m *Mesh) loadMainConf(name string, class DeviceClass) error {
	path := filepath.Join(m.confbase, confFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.name = name
		m.class = class
		return m.saveMainConf()
	}
	if err != nil {
		return errors.Wrap(err, "read config")
	}

	stored := ""
	for _, kv := range parseKV(data) {
		switch kv[0] {
		case "Name":
			stored = kv[1]
		case "Port":
			p, err := strconv.ParseUint(kv[1], 10, 16)
			if err == nil {
				m.port = uint16(p)
			}
		case "DeviceClass":
			m.class = deviceClassFromString(kv[1])
		case "AppID":
			m.appID = kv[1]
		}
	}
	if stored != name {
		return ErrInval
	}
	m.name = name
	return nil
}

func (m *Mesh) saveMainConf() error {
	var b strings.Builder
	fmt.Fprintf(&b, "Name = %s\n", m.name)
	fmt.Fprintf(&b, "Port = %d\n", m.port)
	fmt.Fprintf(&b, "DeviceClass = %s\n", m.class)
	if m.appID != "" {
		fmt.Fprintf(&b, "AppID = %s\n", m.appID)
	}
	return atomicWrite(filepath.Join(m.confbase, confFile), []byte(b.String()), 0644)
}

// loadOrCreateKey reads the long-term key, generating one on first
// open. The private key file is owner-only.
func (m *Mesh) loadOrCreateKey() error {
	path := filepath.Join(m.confbase, keyFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		_, priv, gerr := ed25519.GenerateKey(rand.Reader)
		if gerr != nil {
			return gerr
		}
		m.priv = priv
		enc := base64.StdEncoding.EncodeToString(priv.Seed()) + "\n"
		return atomicWrite(path, []byte(enc), 0600)
	}
	if err != nil {
		return errors.Wrap(err, "read key")
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return ErrInval
	}
	m.priv = ed25519.NewKeyFromSeed(seed)
	return nil
}

// hostFile is the parsed form of hosts/<name>.
type hostFile struct {
	name      string
	pubkey    []byte
	addresses []string // "host port"
	port      uint16
	subnets   []string
	canonical string
	class     DeviceClass
	hasClass  bool
}

func parseHostFile(name string, data []byte) (*hostFile, error) {
	h := &hostFile{name: name, class: DevClassUnknown}
	for _, kv := range parseKV(data) {
		switch kv[0] {
		case "Address":
			h.addresses = append(h.addresses, kv[1])
		case "Port":
			p, err := strconv.ParseUint(kv[1], 10, 16)
			if err != nil {
				return nil, ErrInval
			}
			h.port = uint16(p)
		case "Subnet":
			if _, err := str2net(kv[1]); err != nil {
				return nil, ErrInval
			}
			h.subnets = append(h.subnets, kv[1])
		case "ECDSAPublicKey":
			key, err := base64.StdEncoding.DecodeString(kv[1])
			if err != nil || len(key) != ed25519.PublicKeySize {
				return nil, ErrInval
			}
			h.pubkey = key
		case "CanonicalAddress":
			h.canonical = kv[1]
		case "DeviceClass":
			h.class = deviceClassFromString(kv[1])
			h.hasClass = true
		}
	}
	return h, nil
}

func (h *hostFile) marshal() []byte {
	var b strings.Builder
	if len(h.pubkey) > 0 {
		fmt.Fprintf(&b, "ECDSAPublicKey = %s\n", base64.StdEncoding.EncodeToString(h.pubkey))
	}
	if h.port != 0 {
		fmt.Fprintf(&b, "Port = %d\n", h.port)
	}
	if h.canonical != "" {
		fmt.Fprintf(&b, "CanonicalAddress = %s\n", h.canonical)
	}
	if h.hasClass {
		fmt.Fprintf(&b, "DeviceClass = %s\n", h.class)
	}
	addrs := append([]string(nil), h.addresses...)
	sort.Strings(addrs)
	for _, a := range addrs {
		fmt.Fprintf(&b, "Address = %s\n", a)
	}
	subs := append([]string(nil), h.subnets...)
	sort.Strings(subs)
	for _, s := range subs {
		fmt.Fprintf(&b, "Subnet = %s\n", s)
	}
	return []byte(b.String())
}

// readHost loads hosts/<name>, nil when absent.
func (m *Mesh) readHost(name string) (*hostFile, error) {
	data, err := os.ReadFile(filepath.Join(m.confbase, hostsDir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseHostFile(name, data)
}

// writeHost persists one node's host file.
func (m *Mesh) writeHost(h *hostFile) error {
	if !meta.ValidName(h.name) {
		return ErrInval
	}
	return atomicWrite(filepath.Join(m.confbase, hostsDir, h.name), h.marshal(), 0644)
}

// loadHosts walks hosts/ and materialises a node per file.
func (m *Mesh) loadHosts() error {
	entries, err := os.ReadDir(filepath.Join(m.confbase, hostsDir))
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() || !meta.ValidName(ent.Name()) {
			continue
		}
		h, err := m.readHost(ent.Name())
		if err != nil {
			m.logf(logWarning, "skipping bad host file %s: %v", ent.Name(), err)
			continue
		}
		m.applyHost(h)
	}
	return nil
}

// applyHost merges a host file into the graph.
func (m *Mesh) applyHost(h *hostFile) *node {
	n := m.requireNode(h.name)
	if len(h.pubkey) > 0 {
		n.pubkey = ed25519.PublicKey(h.pubkey)
	}
	if h.hasClass {
		n.class = h.class
	}
	if h.canonical != "" {
		n.canonical = h.canonical
	}
	for _, a := range h.addresses {
		host, port, ok := splitHostPort(a)
		if ok {
			n.addAddressHint(host, port)
		}
	}
	// CanonicalAddress is "host" or "host port"; a bare host borrows
	// the Port key.
	if h.canonical != "" {
		fields := strings.Fields(h.canonical)
		switch {
		case len(fields) == 2:
			if p, err := strconv.ParseUint(fields[1], 10, 16); err == nil {
				n.addAddressHint(fields[0], uint16(p))
			}
		case len(fields) == 1 && h.port != 0:
			n.addAddressHint(fields[0], h.port)
		}
	}
	for _, sn := range h.subnets {
		if s, err := str2net(sn); err == nil {
			m.addSubnet(n, s)
		}
	}
	return n
}

// hostFromNode snapshots a node into host-file form.
func (m *Mesh) hostFromNode(n *node) *hostFile {
	h := &hostFile{
		name:     n.name,
		pubkey:   append([]byte(nil), n.pubkey...),
		class:    n.class,
		hasClass: true,
		subnets:  m.subnetsOwnedBy(n),
	}
	if n.canonical != "" {
		h.canonical = n.canonical
	}
	for _, a := range n.addresses.ToSlice() {
		host, port, ok := splitHostPortColon(a)
		if ok {
			h.addresses = append(h.addresses, host+" "+strconv.Itoa(int(port)))
		}
	}
	return h
}

// splitHostPort parses the "host port" form used in host files.
func splitHostPort(v string) (string, uint16, bool) {
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return "", 0, false
	}
	p, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil || p == 0 {
		return "", 0, false
	}
	return fields[0], uint16(p), true
}

// splitHostPortColon parses the "host:port" form used in memory.
func splitHostPortColon(v string) (string, uint16, bool) {
	host, ps, err := net.SplitHostPort(v)
	if err != nil {
		return "", 0, false
	}
	p, err := strconv.ParseUint(ps, 10, 16)
	if err != nil || p == 0 {
		return "", 0, false
	}
	return host, uint16(p), true
}

// mkdirs creates the config directory tree.
func mkdirs(confbase string) error {
	for _, dir := range []string{confbase, filepath.Join(confbase, hostsDir), filepath.Join(confbase, invitationsDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
