package presence

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/wire"
)

// Protocol versions carried in records and frames.
const (
	VersionInitial = 1
	VersionChat    = 2
	VersionCurrent = VersionChat
)

// OnlineStatus is the status a buddy advertises.
type OnlineStatus int

const (
	StatusOnline        OnlineStatus = 0
	StatusAway          OnlineStatus = 1
	StatusNotAvailable  OnlineStatus = 2
	StatusBusy          OnlineStatus = 3
	StatusAppearOffline OnlineStatus = 4
)

var statusNames = []string{"online", "away", "not available", "busy", "appear offline"}

func (s OnlineStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is a known status.
func (s OnlineStatus) Valid() bool {
	return s >= StatusOnline && s <= StatusAppearOffline
}

var (
	// ErrBadSignature is returned when a signed payload does not verify
	ErrBadSignature = errors.New("signature verification failed")

	// ErrMalformedRecord is returned for truncated or undecodable records
	ErrMalformedRecord = errors.New("malformed presence record")
)

// Key prefixes in the distributed store.
const (
	statusKeyPrefix = "azbuddy:status"
	ygmKeyPrefix    = "azbuddy:ygm"
)

// StatusKey is the store key of the presence record of publicKey.
func StatusKey(publicKey []byte) []byte {
	return append([]byte(statusKeyPrefix), publicKey...)
}

// YGMKey is the store key of the pending-message markers for publicKey.
func YGMKey(publicKey []byte) []byte {
	return append([]byte(ygmKeyPrefix), publicKey...)
}

// Signer signs payloads with the local identity. crypto.Keyring
// implements it.
type Signer interface {
	PublicKey() []byte
	Sign(data []byte) ([]byte, error)
}

// SignAndInsert encodes payload and prefixes it with its signature as
// [sig_len][sig][payload].
func SignAndInsert(signer Signer, payload wire.Map) ([]byte, error) {
	data, err := wire.Encode(payload)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return nil, err
	}
	if len(sig) > 255 {
		return nil, fmt.Errorf("signature too long: %d", len(sig))
	}

	out := make([]byte, 0, 1+len(sig)+len(data))
	out = append(out, byte(len(sig)))
	out = append(out, sig...)
	return append(out, data...), nil
}

// VerifyAndExtract checks a [sig_len][sig][payload] blob against
// publicKey and decodes the payload.
func VerifyAndExtract(signed, publicKey []byte) (wire.Map, error) {
	if len(signed) < 1 {
		return nil, ErrMalformedRecord
	}
	sigLen := int(signed[0])
	if len(signed) < 1+sigLen {
		return nil, ErrMalformedRecord
	}
	sig := signed[1 : 1+sigLen]
	data := signed[1+sigLen:]

	ok, err := crypto.Verify(publicKey, data, sig)
	if err != nil || !ok {
		return nil, ErrBadSignature
	}

	m, err := wire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return m, nil
}

// Record is a decoded presence record.
type Record struct {
	PublicKey    []byte
	TCPPort      int
	UDPPort      int
	IP           net.IP // set when the record carries a literal address
	Host         string // set when the record carries a host name
	IPv6         net.IP
	Nickname     string
	OnlineStatus OnlineStatus
	Sequence     int64
	Version      int
}

// Address returns the advertised IP or host name.
func (r *Record) Address() string {
	if r.IP != nil {
		return r.IP.String()
	}
	return r.Host
}

// Payload builds the unsigned record map without sequence and version.
func (r *Record) Payload() wire.Map {
	m := wire.Map{"o": int64(r.OnlineStatus)}
	if r.TCPPort > 0 {
		m["t"] = int64(r.TCPPort)
	}
	if r.UDPPort > 0 {
		m["u"] = int64(r.UDPPort)
	}
	if r.IP != nil {
		if v4 := r.IP.To4(); v4 != nil {
			m["i"] = []byte(v4)
		} else {
			m["i"] = []byte(r.IP.To16())
		}
	} else {
		m["h"] = r.Host
	}
	if r.IPv6 != nil && !r.IPv6.Equal(r.IP) {
		m["i6"] = []byte(r.IPv6.To16())
	}
	if r.Nickname != "" {
		m["n"] = TruncateNickname(r.Nickname)
	}
	return m
}

// ParseRecord decodes a verified record map. When preferIPv6 is set the
// optional IPv6 address replaces the primary one.
func ParseRecord(m wire.Map, preferIPv6 bool) (*Record, error) {
	r := &Record{
		TCPPort:      int(wire.IntOr(m, "t", 0)),
		UDPPort:      int(wire.IntOr(m, "u", 0)),
		OnlineStatus: OnlineStatus(wire.IntOr(m, "o", int64(StatusOnline))),
		Sequence:     wire.IntOr(m, "s", 0),
		Version:      int(wire.IntOr(m, "v", VersionInitial)),
	}
	r.Nickname, _ = wire.String(m, "n")

	if b, ok := wire.Bytes(m, "i"); ok {
		if len(b) != net.IPv4len && len(b) != net.IPv6len {
			return nil, fmt.Errorf("%w: address length %d", ErrMalformedRecord, len(b))
		}
		r.IP = net.IP(append([]byte(nil), b...))
	} else {
		r.Host, _ = wire.String(m, "h")
	}
	if b, ok := wire.Bytes(m, "i6"); ok && len(b) == net.IPv6len {
		r.IPv6 = net.IP(append([]byte(nil), b...))
	}

	if preferIPv6 && r.IPv6 != nil {
		r.IP = r.IPv6
		r.Host = ""
	}

	if r.IP == nil && strings.TrimSpace(r.Host) == "" {
		return nil, fmt.Errorf("%w: no usable address", ErrMalformedRecord)
	}
	return r, nil
}

// TruncateNickname cuts a nickname to the advertised maximum length.
func TruncateNickname(nick string) string {
	runes := []rune(nick)
	if len(runes) > limits.MaxNicknameLength {
		return string(runes[:limits.MaxNicknameLength])
	}
	return nick
}

// AddressClass classifies an address by the network it belongs to.
type AddressClass int

const (
	AddressPublic AddressClass = iota
	AddressI2P
	AddressTor
)

// ClassifyAddress reports which network addr belongs to.
func ClassifyAddress(addr string) AddressClass {
	host := strings.ToLower(addr)
	switch {
	case strings.HasSuffix(host, ".i2p"):
		return AddressI2P
	case strings.HasSuffix(host, ".onion"):
		return AddressTor
	default:
		return AddressPublic
	}
}
