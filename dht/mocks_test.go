package dht

import (
	"crypto/sha1"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/wire"
)

// mockTimeProvider is a manually advanced clock.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Unix(1700000000, 0)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// fakeNode answers BEP 44 get and put queries from memory.
type fakeNode struct {
	conn  *net.UDPConn
	mu    sync.Mutex
	items map[[20]byte]wire.Map
	puts  int
}

func startFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	n := &fakeNode{conn: conn, items: make(map[[20]byte]wire.Map)}
	go n.serve()
	t.Cleanup(func() { conn.Close() })
	return n
}

func (n *fakeNode) addr() string {
	return n.conn.LocalAddr().String()
}

func (n *fakeNode) putCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.puts
}

func (n *fakeNode) serve() {
	buf := make([]byte, 65536)
	for {
		size, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := wire.Decode(buf[:size])
		if err != nil {
			continue
		}
		tid, _ := wire.String(msg, "t")
		method, _ := wire.String(msg, "q")
		args, _ := wire.Sub(msg, "a")

		reply := wire.Map{"id": make([]byte, 20), "token": "tok"}
		switch method {
		case "get":
			raw, _ := wire.Bytes(args, "target")
			var target [20]byte
			copy(target[:], raw)
			n.mu.Lock()
			if it, ok := n.items[target]; ok {
				for k, v := range it {
					reply[k] = v
				}
			}
			n.mu.Unlock()
		case "put":
			k, _ := wire.Bytes(args, "k")
			v, _ := wire.Bytes(args, "v")
			sig, _ := wire.Bytes(args, "sig")
			seq, _ := wire.Int(args, "seq")
			n.mu.Lock()
			n.items[sha1.Sum(k)] = wire.Map{"k": k, "v": v, "sig": sig, "seq": seq}
			n.puts++
			n.mu.Unlock()
		}

		packet, err := wire.Encode(wire.Map{"t": tid, "y": "r", "r": reply})
		if err != nil {
			continue
		}
		_, _ = n.conn.WriteToUDP(packet, from)
	}
}
