package agent

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcoop/dns-tunnel/internal/crypto"
	"github.com/rcoop/dns-tunnel/internal/protocol"
	"github.com/rcoop/dns-tunnel/server"
)

const testDomain = "tunnel.example.com"

var testKey = []byte("0123456789ABCDEF0123456789ABCDEF")

// loopCarrier short-circuits the DNS path: queries go straight into a
// receiver session. dropQuery swallows the first N transmissions of a seq
// before they reach the session (chunk loss); dropAck delivers the chunk
// but swallows the answer (ACK loss).
type loopCarrier struct {
	session *server.Session

	mu        sync.Mutex
	seen      map[int]int
	dropQuery map[int]int
	dropAck   map[int]int
}

func newLoopCarrier() *loopCarrier {
	cipher, err := crypto.New(testKey)
	if err != nil {
		panic(err)
	}
	return &loopCarrier{
		session:   server.NewSession(cipher),
		seen:      make(map[int]int),
		dropQuery: make(map[int]int),
		dropAck:   make(map[int]int),
	}
}

func (c *loopCarrier) Exchange(fqdn string) (net.IP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq, _, err := protocol.ParseQuery(fqdn, testDomain)
	if err == nil {
		c.seen[seq]++
		if c.seen[seq] <= c.dropQuery[seq] {
			return nil, errors.New("query dropped")
		}
	}

	ip := c.session.HandleQuery(fqdn, testDomain)

	if err == nil && c.seen[seq] <= c.dropAck[seq] {
		return nil, errors.New("answer dropped")
	}
	return ip, nil
}

func testConfig() Config {
	return Config{
		Key:       testKey,
		Domain:    testDomain,
		ChunkSize: 30,
		Timeout:   time.Second,
		MaxRetx:   5,
	}
}

func sendMessage(t *testing.T, carrier *loopCarrier, message []byte) error {
	t.Helper()
	s, err := NewSender(testConfig(), carrier)
	require.NoError(t, err)
	return s.Send(context.Background(), message)
}

func TestSendSingleChunk(t *testing.T) {
	carrier := newLoopCarrier()
	message := []byte("Hello, DNS.")

	require.NoError(t, sendMessage(t, carrier, message))

	result := server.Reassemble(carrier.session)
	assert.Equal(t, message, result.Message)
	assert.Equal(t, []int{0}, result.Received)
	assert.Equal(t, 1, carrier.session.ExpectedSeq())
}

func TestSendMultiChunkLossless(t *testing.T) {
	carrier := newLoopCarrier()
	message := bytes.Repeat([]byte("0123456789"), 15) // 150 bytes, 5 chunks

	require.NoError(t, sendMessage(t, carrier, message))

	result := server.Reassemble(carrier.session)
	assert.Equal(t, message, result.Message)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, result.Received)
	assert.True(t, result.Complete())
	assert.Equal(t, 5, carrier.session.ExpectedSeq())
}

func TestSendEmptyMessage(t *testing.T) {
	carrier := newLoopCarrier()

	require.NoError(t, sendMessage(t, carrier, nil))

	assert.Empty(t, server.Reassemble(carrier.session).Received)
}

func TestSendRecoversFromAckLoss(t *testing.T) {
	carrier := newLoopCarrier()
	carrier.dropAck[1] = 1 // chunk 1 delivered, its first answer lost
	message := bytes.Repeat([]byte("abc"), 30) // 90 bytes, 3 chunks

	require.NoError(t, sendMessage(t, carrier, message))

	result := server.Reassemble(carrier.session)
	assert.Equal(t, message, result.Message)
	assert.Equal(t, []int{0, 1, 2}, result.Received)
	// The retransmitted chunk reached the session twice at most; the
	// message must not duplicate bytes.
	assert.Len(t, result.Message, 90)
}

func TestSendRecoversFromChunkLoss(t *testing.T) {
	carrier := newLoopCarrier()
	carrier.dropQuery[2] = 2 // chunk 2 lost on its first two transmissions
	message := bytes.Repeat([]byte("x2y4z"), 60) // 300 bytes, 10 chunks

	require.NoError(t, sendMessage(t, carrier, message))

	result := server.Reassemble(carrier.session)
	assert.Equal(t, message, result.Message)
	assert.True(t, result.Complete())
	assert.GreaterOrEqual(t, carrier.seen[2], 3)
}

func TestSendPermanentLoss(t *testing.T) {
	carrier := newLoopCarrier()
	carrier.dropQuery[1] = 1000 // chunk 1 never gets through

	err := sendMessage(t, carrier, bytes.Repeat([]byte("ab"), 45))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanentLoss)
	assert.Contains(t, err.Error(), "chunk 1")
}

func TestSendNoPeer(t *testing.T) {
	carrier := &deadCarrier{}
	cfg := testConfig()
	cfg.MaxRetx = 1

	s, err := NewSender(cfg, carrier)
	require.NoError(t, err)

	err = s.Send(context.Background(), []byte("unreachable"))
	assert.ErrorIs(t, err, ErrNoPeer)
}

type deadCarrier struct{}

func (deadCarrier) Exchange(string) (net.IP, error) {
	return nil, errors.New("network unreachable")
}

func TestSendCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := NewSender(testConfig(), &deadCarrier{})
	require.NoError(t, err)

	err = s.Send(ctx, []byte("never sent"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidation(t *testing.T) {
	carrier := newLoopCarrier()

	cfg := testConfig()
	cfg.Key = []byte("short")
	_, err := NewSender(cfg, carrier)
	assert.Error(t, err, "short key")

	cfg = testConfig()
	cfg.Domain = ""
	_, err = NewSender(cfg, carrier)
	assert.Error(t, err, "empty domain")

	cfg = testConfig()
	cfg.ChunkSize = 1000
	_, err = NewSender(cfg, carrier)
	assert.Error(t, err, "oversized chunk")

	cfg = testConfig()
	cfg.ChunkSize = 0
	cfg.Timeout = 0
	s, err := NewSender(cfg, carrier)
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, s.cfg.ChunkSize)
	assert.Equal(t, DefaultTimeout, s.cfg.Timeout)
}

// newUnitSender builds a sender with the protocol state primed for direct
// onAck/onTimeout calls, bypassing Send.
func newUnitSender(t *testing.T, total int) *Sender {
	t.Helper()
	s, err := NewSender(testConfig(), &deadCarrier{})
	require.NoError(t, err)

	s.chunks = ChunkMessage(bytes.Repeat([]byte("0123456789012345678901234567890"), total), 31)[:total]
	s.inFlight = make(map[int]*Chunk)
	s.results = make(chan result, 64)
	s.cwnd = initialCwnd
	s.ssthresh = initialSsthresh
	s.lastAck = -1

	for _, c := range s.chunks {
		s.inFlight[c.Seq] = c
	}
	s.nextSeq = total
	return s
}

func TestSlowStartThenCongestionAvoidance(t *testing.T) {
	s := newUnitSender(t, 20)

	// Slow start: +1 per new cumulative ACK until cwnd reaches ssthresh.
	for ack := 1; ack <= 6; ack++ {
		require.NoError(t, s.onAck(ack))
		assert.Equal(t, float64(initialCwnd+ack), s.cwnd, "ack %d", ack)
	}
	assert.Equal(t, float64(8), s.cwnd)

	// At ssthresh the growth switches to additive 1/cwnd.
	require.NoError(t, s.onAck(7))
	assert.InDelta(t, 8.125, s.cwnd, 1e-9)
	require.NoError(t, s.onAck(8))
	assert.InDelta(t, 8.125+1/8.125, s.cwnd, 1e-9)

	assert.Equal(t, 8, s.base)
	for seq := range s.inFlight {
		assert.GreaterOrEqual(t, seq, s.base, "acked chunk still in flight")
	}
}

func TestFastRetransmitOnThirdDuplicate(t *testing.T) {
	s := newUnitSender(t, 10)
	s.cwnd = 10

	// First ACK for the current base is not a duplicate yet.
	require.NoError(t, s.onAck(0))
	assert.Zero(t, s.dupAckCount)

	require.NoError(t, s.onAck(0))
	require.NoError(t, s.onAck(0))
	assert.Equal(t, 2, s.dupAckCount)
	assert.False(t, s.inFastRecovery)
	assert.Zero(t, s.chunks[0].Retransmits)

	// Third duplicate: exactly one retransmission of base, window halves.
	require.NoError(t, s.onAck(0))
	assert.True(t, s.inFastRecovery)
	assert.Equal(t, float64(5), s.ssthresh)
	assert.Equal(t, float64(5+dupAckThreshold), s.cwnd)
	assert.Equal(t, 1, s.chunks[0].Retransmits)

	// Further duplicates inflate the window without retransmitting again.
	require.NoError(t, s.onAck(0))
	assert.Equal(t, float64(9), s.cwnd)
	assert.Equal(t, 1, s.chunks[0].Retransmits)

	// A new cumulative ACK deflates to ssthresh and exits recovery.
	require.NoError(t, s.onAck(3))
	assert.False(t, s.inFastRecovery)
	assert.Equal(t, s.ssthresh, s.cwnd)
	assert.Equal(t, 3, s.base)
}

func TestTimeoutCollapsesWindow(t *testing.T) {
	s := newUnitSender(t, 5)
	s.cwnd = 6
	s.ssthresh = 8

	require.NoError(t, s.onTimeout(result{seq: 0, attempt: 0, err: errors.New("timeout")}))
	assert.Equal(t, float64(3), s.ssthresh)
	assert.Equal(t, float64(1), s.cwnd)
	assert.False(t, s.inFastRecovery)
	assert.Equal(t, 1, s.chunks[0].Retransmits)

	// A report from the superseded first transmission changes nothing.
	require.NoError(t, s.onTimeout(result{seq: 0, attempt: 0, err: errors.New("timeout")}))
	assert.Equal(t, 1, s.chunks[0].Retransmits)
	assert.Equal(t, float64(1), s.cwnd)
	assert.Equal(t, float64(3), s.ssthresh)
}

func TestTimeoutFloorsSsthresh(t *testing.T) {
	s := newUnitSender(t, 2)
	s.cwnd = 2

	require.NoError(t, s.onTimeout(result{seq: 0, attempt: 0, err: errors.New("timeout")}))
	assert.Equal(t, float64(minSsthresh), s.ssthresh)
}

func TestTimeoutBeyondCapIsPermanentLoss(t *testing.T) {
	s := newUnitSender(t, 1)
	s.chunks[0].Retransmits = s.cfg.MaxRetx

	err := s.onTimeout(result{seq: 0, attempt: s.cfg.MaxRetx, err: errors.New("timeout")})
	assert.ErrorIs(t, err, ErrPermanentLoss)
}

func TestStaleAckIgnored(t *testing.T) {
	s := newUnitSender(t, 10)

	require.NoError(t, s.onAck(5))
	assert.Equal(t, 5, s.base)
	assert.Equal(t, 5, s.lastAck)

	cwnd := s.cwnd
	require.NoError(t, s.onAck(3))
	assert.Equal(t, 5, s.base, "stale ACK moved base")
	assert.Equal(t, 5, s.lastAck, "stale ACK moved lastAck")
	assert.Equal(t, cwnd, s.cwnd)
	assert.Zero(t, s.dupAckCount)
}

// New cumulative ACKs observed by the controller are strictly increasing in
// base, whatever interleaving of duplicates and stale values arrives.
func TestMonotonicBase(t *testing.T) {
	s := newUnitSender(t, 10)

	prev := s.base
	for _, ack := range []int{1, 1, 1, 3, 2, 3, 5, 1, 6} {
		require.NoError(t, s.onAck(ack))
		assert.GreaterOrEqual(t, s.base, prev)
		prev = s.base
	}
	assert.Equal(t, 6, s.base)
}
