package presence

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/buddynet/limits"
)

// OfflineTimeoutFactor is how many republish periods an unchanged
// sequence number may persist before the buddy is considered offline.
const OfflineTimeoutFactor = 3

// ApplyResult describes what a lookup changed.
type ApplyResult struct {
	// Ignored is set when the record was skipped entirely.
	Ignored bool
	// Changed is set when any tracked detail changed.
	Changed bool
	// WentOnline and WentOffline report online transitions.
	WentOnline  bool
	WentOffline bool
	// AddressChanged is set when the address, a port or the version changed.
	AddressChanged bool
	// NicknameChanged is set when the persisted nickname changed.
	NicknameChanged bool
}

// Status is what a node knows about a buddy's presence. It folds
// successive lookup results into an online flag and the current
// endpoint.
type Status struct {
	mu sync.Mutex

	checkCount     int
	address        string
	addressClass   AddressClass
	latestIPv4     net.IP
	latestIPv6     net.IP
	tcpPort        int
	udpPort        int
	version        int
	nickname       string
	onlineStatus   OnlineStatus
	lastSeq        int64
	lastTimeOnline time.Time
	postTime       time.Time
	online         bool
	offlineSeqs    []int64
	consecFails    int
}

// Snapshot is a point-in-time copy of a Status.
type Snapshot struct {
	Address        string
	TCPPort        int
	UDPPort        int
	Version        int
	Nickname       string
	OnlineStatus   OnlineStatus
	Sequence       int64
	LastTimeOnline time.Time
	PostTime       time.Time
	Online         bool
	ConsecFails    int
}

// NewStatus creates a status seeded with persisted details.
func NewStatus(address string, tcpPort, udpPort int, nickname string, version int) *Status {
	if version == 0 {
		version = VersionInitial
	}
	s := &Status{
		address:  address,
		tcpPort:  tcpPort,
		udpPort:  udpPort,
		nickname: nickname,
		version:  version,
	}
	if address != "" {
		s.addressClass = ClassifyAddress(address)
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Address:        s.address,
		TCPPort:        s.tcpPort,
		UDPPort:        s.udpPort,
		Version:        s.version,
		Nickname:       s.nickname,
		OnlineStatus:   s.onlineStatus,
		Sequence:       s.lastSeq,
		LastTimeOnline: s.lastTimeOnline,
		PostTime:       s.postTime,
		Online:         s.online,
		ConsecFails:    s.consecFails,
	}
}

// Online reports whether the buddy is believed to be online.
func (s *Status) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// HasAddress reports whether an endpoint is known.
func (s *Status) HasAddress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address != "" && s.tcpPort > 0
}

// Endpoint returns host:port for a connection on the TCP port.
func (s *Status) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.address == "" || s.tcpPort <= 0 {
		return ""
	}
	return net.JoinHostPort(s.address, strconv.Itoa(s.tcpPort))
}

// LatestAddresses returns the most recent IPv4 and IPv6 addresses seen.
func (s *Status) LatestAddresses() (ipv4, ipv6 net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestIPv4, s.latestIPv6
}

// Version returns the highest protocol version the buddy advertised.
func (s *Status) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ConsecFails returns the number of consecutive failed outgoing connects.
func (s *Status) ConsecFails() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecFails
}

// ConnectFailed bumps the consecutive-failure counter and returns it.
func (s *Status) ConnectFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecFails++
	return s.consecFails
}

// ConnectSucceeded resets the consecutive-failure counter.
func (s *Status) ConnectSucceeded() {
	s.mu.Lock()
	s.consecFails = 0
	s.mu.Unlock()
}

// Apply folds a lookup result into the status. connected reports whether
// a live connection exists, in which case the online status carried by
// frames wins over the record. period is the republish period of the
// network the record came from.
func (s *Status) Apply(r *LookupResult, now time.Time, connected bool, period time.Duration) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult

	if now.Before(s.lastTimeOnline) {
		s.lastTimeOnline = now
	}

	class := ClassifyAddress(r.Address())

	s.checkCount++
	// once a public address is known, ignore non-public alternatives
	if s.checkCount > 1 && class != AddressPublic && s.address != "" && s.addressClass == AddressPublic {
		res.Ignored = true
		return res
	}

	if len(s.offlineSeqs) > 0 {
		if s.offlineSeen(r.Sequence) {
			res.Ignored = true
			return res
		}
		s.offlineSeqs = nil
	}

	seqChange := r.Sequence != s.lastSeq
	timedOut := false
	if seqChange {
		s.lastSeq = r.Sequence
		s.lastTimeOnline = now
		res.Changed = true
	} else {
		timedOut = now.Sub(s.lastTimeOnline) >= OfflineTimeoutFactor*period
	}

	if s.online {
		if timedOut {
			s.online = false
			s.consecFails = 0
			res.WentOffline = true
			res.Changed = true
		}
	} else if seqChange || !timedOut {
		s.online = true
		res.WentOnline = true
		res.Changed = true
	}

	s.postTime = r.Created

	addr := r.Address()
	if addr != s.address || r.TCPPort != s.tcpPort || r.UDPPort != s.udpPort || s.version < r.Version {
		s.address = addr
		s.addressClass = class
		if r.IP != nil {
			if r.IP.To4() != nil {
				s.latestIPv4 = r.IP
			} else {
				s.latestIPv6 = r.IP
			}
		}
		s.tcpPort = r.TCPPort
		s.udpPort = r.UDPPort
		if s.version < r.Version {
			s.version = r.Version
		}
		res.AddressChanged = true
		res.Changed = true
	}

	if !connected && s.onlineStatus != r.OnlineStatus {
		s.onlineStatus = r.OnlineStatus
		res.Changed = true
	}

	if s.nickname != r.Nickname {
		s.nickname = r.Nickname
		res.NicknameChanged = true
		res.Changed = true
	}

	return res
}

// LookupFailed records that no record could be found. An online buddy
// goes offline.
func (s *Status) LookupFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return false
	}
	s.online = false
	s.consecFails = 0
	return true
}

// MarkOffline remembers the given sequence numbers as belonging to an
// offline buddy and marks it offline. Records carrying one of them are
// ignored until a different sequence shows up. At most
// limits.MaxOfflineSequences numbers are kept, oldest evicted first.
func (s *Status) MarkOffline(seqs ...int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seq := range append([]int64{s.lastSeq}, seqs...) {
		if s.offlineSeen(seq) {
			continue
		}
		s.offlineSeqs = append(s.offlineSeqs, seq)
		if len(s.offlineSeqs) > limits.MaxOfflineSequences {
			s.offlineSeqs = s.offlineSeqs[len(s.offlineSeqs)-limits.MaxOfflineSequences:]
		}
	}

	was := s.online
	s.online = false
	return was
}

// OfflineSequences returns the remembered offline sequence numbers.
func (s *Status) OfflineSequences() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offlineSeqs...)
}

// Connected is called when a frame arrives from the buddy. It marks the
// buddy online and applies the status and version the frame carries.
func (s *Status) Connected(onlineStatus OnlineStatus, version int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if !s.online {
		s.online = true
		changed = true
	}
	s.lastTimeOnline = now
	s.offlineSeqs = nil
	if onlineStatus.Valid() && s.onlineStatus != onlineStatus {
		s.onlineStatus = onlineStatus
		changed = true
	}
	if version > s.version {
		s.version = version
		changed = true
	}
	return changed
}

// SetNickname overrides the nickname, for persisted state.
func (s *Status) SetNickname(nick string) {
	s.mu.Lock()
	s.nickname = nick
	s.mu.Unlock()
}

func (s *Status) offlineSeen(seq int64) bool {
	for _, v := range s.offlineSeqs {
		if v == seq {
			return true
		}
	}
	return false
}
