package meta

import "fmt"

// ID introduces ourselves on a fresh meta-connection, once the
// transport session is up. The name is the one proven during the
// session handshake; version and options negotiate protocol
// features, class is our device class.
type ID struct {
	Name    string
	Version uint32
	Class   uint32
	Options uint32
}

func (m *ID) Id() string { return IDId }

func (m *ID) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(IDId).str(m.Name).uint(uint64(m.Version)).uint(uint64(m.Class)).uint(uint64(m.Options)).done()
}

func (m *ID) unmarshal(args [][]byte) (err error) {
	if len(args) != 4 {
		return errBadLine
	}
	if m.Name, err = parseName(args[0]); err != nil {
		return err
	}
	v, err := parseUint(args[1], 32)
	if err != nil {
		return err
	}
	m.Version = uint32(v)
	if v, err = parseUint(args[2], 32); err != nil {
		return err
	}
	m.Class = uint32(v)
	if v, err = parseUint(args[3], 32); err != nil {
		return err
	}
	m.Options = uint32(v)
	return nil
}

func (m *ID) String() string {
	return fmt.Sprintf("ID %s %d %d %d", m.Name, m.Version, m.Class, m.Options)
}

// Ack completes the meta handshake. Port is the sender's listening
// port, so the receiver can dial back later.
type Ack struct {
	Port    uint16
	Options uint32
}

func (m *Ack) Id() string { return AckId }

func (m *Ack) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(AckId).uint(uint64(m.Port)).uint(uint64(m.Options)).done()
}

func (m *Ack) unmarshal(args [][]byte) error {
	if len(args) != 2 {
		return errBadLine
	}
	v, err := parseUint(args[0], 16)
	if err != nil {
		return err
	}
	m.Port = uint16(v)
	if v, err = parseUint(args[1], 32); err != nil {
		return err
	}
	m.Options = uint32(v)
	return nil
}

func (m *Ack) String() string { return fmt.Sprintf("ACK %d %d", m.Port, m.Options) }

// Ping probes liveness of the meta-connection.
type Ping struct{}

func (m *Ping) Id() string { return PingId }

func (m *Ping) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(PingId).done()
}

func (m *Ping) unmarshal(args [][]byte) error {
	if len(args) != 0 {
		return errBadLine
	}
	return nil
}

func (m *Ping) String() string { return "PING" }

// Pong answers a Ping.
type Pong struct{}

func (m *Pong) Id() string { return PongId }

func (m *Pong) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(PongId).done()
}

func (m *Pong) unmarshal(args [][]byte) error {
	if len(args) != 0 {
		return errBadLine
	}
	return nil
}

func (m *Pong) String() string { return "PONG" }

// AddEdge announces that From has a link to To. The tuple is flooded
// through the mesh; Serial lets stale retractions lose to fresh
// announcements.
type AddEdge struct {
	From    string
	To      string
	Address string // To's address as seen by From, host form
	Port    uint16
	Weight  uint32
	Options uint32
	Serial  uint64
}

func (m *AddEdge) Id() string { return AddEdgeId }

func (m *AddEdge) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(AddEdgeId).str(m.From).str(m.To).str(m.Address).uint(uint64(m.Port)).
		uint(uint64(m.Weight)).uint(uint64(m.Options)).uint(m.Serial).done()
}

func (m *AddEdge) unmarshal(args [][]byte) (err error) {
	if len(args) != 7 {
		return errBadLine
	}
	if m.From, err = parseName(args[0]); err != nil {
		return err
	}
	if m.To, err = parseName(args[1]); err != nil {
		return err
	}
	m.Address = string(args[2])
	v, err := parseUint(args[3], 16)
	if err != nil {
		return err
	}
	m.Port = uint16(v)
	if v, err = parseUint(args[4], 32); err != nil {
		return err
	}
	m.Weight = uint32(v)
	if v, err = parseUint(args[5], 32); err != nil {
		return err
	}
	m.Options = uint32(v)
	if m.Serial, err = parseUint(args[6], 64); err != nil {
		return err
	}
	return nil
}

func (m *AddEdge) String() string {
	return fmt.Sprintf("ADD_EDGE %s %s %s %d %d %d %d", m.From, m.To, m.Address, m.Port, m.Weight, m.Options, m.Serial)
}

// DelEdge retracts an edge announcement.
type DelEdge struct {
	From   string
	To     string
	Serial uint64
}

func (m *DelEdge) Id() string { return DelEdgeId }

func (m *DelEdge) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(DelEdgeId).str(m.From).str(m.To).uint(m.Serial).done()
}

func (m *DelEdge) unmarshal(args [][]byte) (err error) {
	if len(args) != 3 {
		return errBadLine
	}
	if m.From, err = parseName(args[0]); err != nil {
		return err
	}
	if m.To, err = parseName(args[1]); err != nil {
		return err
	}
	if m.Serial, err = parseUint(args[2], 64); err != nil {
		return err
	}
	return nil
}

func (m *DelEdge) String() string {
	return fmt.Sprintf("DEL_EDGE %s %s %d", m.From, m.To, m.Serial)
}

// AddSubnet claims a MAC or IP prefix for a node.
type AddSubnet struct {
	Owner  string
	Subnet string
}

func (m *AddSubnet) Id() string { return AddSubnetId }

func (m *AddSubnet) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(AddSubnetId).str(m.Owner).str(m.Subnet).done()
}

func (m *AddSubnet) unmarshal(args [][]byte) (err error) {
	if len(args) != 2 {
		return errBadLine
	}
	if m.Owner, err = parseName(args[0]); err != nil {
		return err
	}
	m.Subnet = string(args[1])
	return nil
}

func (m *AddSubnet) String() string { return fmt.Sprintf("ADD_SUBNET %s %s", m.Owner, m.Subnet) }

// DelSubnet retracts a subnet claim.
type DelSubnet struct {
	Owner  string
	Subnet string
}

func (m *DelSubnet) Id() string { return DelSubnetId }

func (m *DelSubnet) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(DelSubnetId).str(m.Owner).str(m.Subnet).done()
}

func (m *DelSubnet) unmarshal(args [][]byte) (err error) {
	if len(args) != 2 {
		return errBadLine
	}
	if m.Owner, err = parseName(args[0]); err != nil {
		return err
	}
	m.Subnet = string(args[1])
	return nil
}

func (m *DelSubnet) String() string { return fmt.Sprintf("DEL_SUBNET %s %s", m.Owner, m.Subnet) }

// ReqKey carries a datagram-session handshake record from From
// toward To, routed hop by hop through the mesh.
type ReqKey struct {
	From   string
	To     string
	Record []byte
}

func (m *ReqKey) Id() string { return ReqKeyId }

func (m *ReqKey) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(ReqKeyId).str(m.From).str(m.To).b64(m.Record).done()
}

func (m *ReqKey) unmarshal(args [][]byte) (err error) {
	if len(args) != 3 {
		return errBadLine
	}
	if m.From, err = parseName(args[0]); err != nil {
		return err
	}
	if m.To, err = parseName(args[1]); err != nil {
		return err
	}
	if m.Record, err = parseB64(args[2]); err != nil {
		return err
	}
	return nil
}

func (m *ReqKey) String() string {
	return fmt.Sprintf("REQ_KEY %s %s %s", m.From, m.To, fmtBytes(m.Record))
}

// AnsKey is the return direction of ReqKey.
type AnsKey struct {
	From   string
	To     string
	Record []byte
}

func (m *AnsKey) Id() string { return AnsKeyId }

func (m *AnsKey) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(AnsKeyId).str(m.From).str(m.To).b64(m.Record).done()
}

func (m *AnsKey) unmarshal(args [][]byte) (err error) {
	if len(args) != 3 {
		return errBadLine
	}
	if m.From, err = parseName(args[0]); err != nil {
		return err
	}
	if m.To, err = parseName(args[1]); err != nil {
		return err
	}
	if m.Record, err = parseB64(args[2]); err != nil {
		return err
	}
	return nil
}

func (m *AnsKey) String() string {
	return fmt.Sprintf("ANS_KEY %s %s %s", m.From, m.To, fmtBytes(m.Record))
}

// KeyChanged tells the receiver that Owner holds no datagram session
// with it any more; the receiver drops its cached datagram session
// with Owner. It travels on one meta-connection and is not flooded.
type KeyChanged struct {
	Owner string
}

func (m *KeyChanged) Id() string { return KeyChangedId }

func (m *KeyChanged) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(KeyChangedId).str(m.Owner).done()
}

func (m *KeyChanged) unmarshal(args [][]byte) (err error) {
	if len(args) != 1 {
		return errBadLine
	}
	m.Owner, err = parseName(args[0])
	return err
}

func (m *KeyChanged) String() string { return "KEY_CHANGED " + m.Owner }

// ReqPubkey asks for To's long-term public key, routed toward To.
type ReqPubkey struct {
	From string
	To   string
}

func (m *ReqPubkey) Id() string { return ReqPubkeyId }

func (m *ReqPubkey) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(ReqPubkeyId).str(m.From).str(m.To).done()
}

func (m *ReqPubkey) unmarshal(args [][]byte) (err error) {
	if len(args) != 2 {
		return errBadLine
	}
	if m.From, err = parseName(args[0]); err != nil {
		return err
	}
	m.To, err = parseName(args[1])
	return err
}

func (m *ReqPubkey) String() string { return fmt.Sprintf("REQ_PUBKEY %s %s", m.From, m.To) }

// AnsPubkey answers ReqPubkey with From's public key.
type AnsPubkey struct {
	From   string
	To     string
	Pubkey []byte
}

func (m *AnsPubkey) Id() string { return AnsPubkeyId }

func (m *AnsPubkey) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(AnsPubkeyId).str(m.From).str(m.To).b64(m.Pubkey).done()
}

func (m *AnsPubkey) unmarshal(args [][]byte) (err error) {
	if len(args) != 3 {
		return errBadLine
	}
	if m.From, err = parseName(args[0]); err != nil {
		return err
	}
	if m.To, err = parseName(args[1]); err != nil {
		return err
	}
	m.Pubkey, err = parseB64(args[2])
	return err
}

func (m *AnsPubkey) String() string {
	return fmt.Sprintf("ANS_PUBKEY %s %s %s", m.From, m.To, fmtBytes(m.Pubkey))
}

// ReqExternal asks the peer what address we appear to be coming
// from. Port is our own listening port; the responder combines it
// with the observed address.
type ReqExternal struct {
	Port uint16
}

func (m *ReqExternal) Id() string { return ReqExternalId }

func (m *ReqExternal) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(ReqExternalId).uint(uint64(m.Port)).done()
}

func (m *ReqExternal) unmarshal(args [][]byte) error {
	if len(args) != 1 {
		return errBadLine
	}
	v, err := parseUint(args[0], 16)
	if err != nil {
		return err
	}
	m.Port = uint16(v)
	return nil
}

func (m *ReqExternal) String() string { return fmt.Sprintf("REQ_EXTERNAL %d", m.Port) }

// AnsExternal answers ReqExternal with the observed remote address.
type AnsExternal struct {
	Host string
	Port uint16
}

func (m *AnsExternal) Id() string { return AnsExternalId }

func (m *AnsExternal) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(AnsExternalId).str(m.Host).uint(uint64(m.Port)).done()
}

func (m *AnsExternal) unmarshal(args [][]byte) error {
	if len(args) != 2 {
		return errBadLine
	}
	m.Host = string(args[0])
	v, err := parseUint(args[1], 16)
	if err != nil {
		return err
	}
	m.Port = uint16(v)
	return nil
}

func (m *AnsExternal) String() string { return fmt.Sprintf("ANS_EXTERNAL %s %d", m.Host, m.Port) }

// TermReq announces an orderly shutdown of the connection.
type TermReq struct{}

func (m *TermReq) Id() string { return TermReqId }

func (m *TermReq) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(TermReqId).done()
}

func (m *TermReq) unmarshal(args [][]byte) error {
	if len(args) != 0 {
		return errBadLine
	}
	return nil
}

func (m *TermReq) String() string { return "TERMREQ" }

// Packet relays one sealed datagram over the reliable meta plane
// when no usable UDP path exists.
type Packet struct {
	Src  string
	Dst  string
	Data []byte
}

func (m *Packet) Id() string { return PacketId }

func (m *Packet) Marshal() ([]byte, error) {
	w := new(lineWriter)
	return w.id(PacketId).str(m.Src).str(m.Dst).b64(m.Data).done()
}

func (m *Packet) unmarshal(args [][]byte) (err error) {
	if len(args) != 3 {
		return errBadLine
	}
	if m.Src, err = parseName(args[0]); err != nil {
		return err
	}
	if m.Dst, err = parseName(args[1]); err != nil {
		return err
	}
	m.Data, err = parseB64(args[2])
	return err
}

func (m *Packet) String() string {
	return fmt.Sprintf("PACKET %s %s %s", m.Src, m.Dst, fmtBytes(m.Data))
}
