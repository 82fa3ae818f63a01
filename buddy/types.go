package buddy

import (
	"strings"
	"time"

	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/wire"
)

// Frame types.
const (
	FrameRequest    = 1
	FrameReply      = 2
	FrameReplyError = 99
)

// Internal subsystem request and reply types.
const (
	InternalPingRequest  = 1
	InternalPingReply    = 2
	InternalCloseRequest = 3
	InternalCloseReply   = 4
)

// AZ2ProfileInfoRequest is the only request a transient buddy may send.
const AZ2ProfileInfoRequest = 1

// Timing used by the dispatcher and the sweep.
const (
	// StatusLookupInterval rate limits lookups triggered by sends to a
	// buddy without an address.
	StatusLookupInterval = 30 * time.Second
	// DefaultAddressWait bounds how long a send waits for a lookup to
	// produce an address.
	DefaultAddressWait = 20 * time.Second
	// InternalMessageTimeout is the reply deadline of pings and close requests.
	InternalMessageTimeout = time.Minute
	// AutoReconnectInterval rate limits reconnects after a dropped link.
	AutoReconnectInterval = 30 * time.Second
	// AutoReconnectJitter bounds the random delay before such a reconnect.
	AutoReconnectJitter = 3 * time.Second
	// ReconnectBackoffBase is doubled per consecutive failure, up to three times.
	ReconnectBackoffBase = time.Minute
	// MaxConnectFailures stops preemptive reconnects.
	MaxConnectFailures = 3
	// MaxYGMMarkers is the number of recent pending-message markers kept per buddy.
	MaxYGMMarkers = 16
)

// EventKind identifies a registry event.
type EventKind int

const (
	// EventAdded fires when a buddy is added or promoted.
	EventAdded EventKind = iota
	// EventRemoved fires after a buddy was removed and destroyed.
	EventRemoved
	// EventChanged fires when presence, connection or profile details change.
	EventChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	}
	return "unknown"
}

// Event is published on the registry's event bus.
type Event struct {
	Kind  EventKind
	Buddy *Buddy
}

// RequestHandler answers requests received from buddies. Returning a nil
// reply and nil error passes the request to the next handler.
type RequestHandler interface {
	RequestReceived(from *Buddy, subsystem messaging.Subsystem, request wire.Map) (wire.Map, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(from *Buddy, subsystem messaging.Subsystem, request wire.Map) (wire.Map, error)

// RequestReceived implements RequestHandler.
func (f RequestHandlerFunc) RequestReceived(from *Buddy, subsystem messaging.Subsystem, request wire.Map) (wire.Map, error) {
	return f(from, subsystem, request)
}

// Record is the persisted form of an authorized buddy.
type Record struct {
	PublicKey           []byte
	Subsystem           messaging.Subsystem
	Nickname            string
	Address             string
	TCPPort             int
	UDPPort             int
	Version             int
	LastTimeOnline      time.Time
	LastMessageReceived time.Time
	LocalCategories     []string
	YGMMarkers          []int64
}

// Persister stores the authorized buddy list.
type Persister interface {
	SaveBuddies(records []Record) error
	LoadBuddies() ([]Record, error)
}

func catsToString(cats []string) string {
	return strings.Join(cats, ",")
}

func stringToCats(s string) []string {
	var cats []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, c)
		}
	}
	return cats
}
