package server

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rcoop/dns-tunnel/internal/crypto"
	"github.com/rcoop/dns-tunnel/internal/protocol"
)

// Stats counts recoverable receive-path events for observability.
type Stats struct {
	Stored       int
	Duplicates   int
	Stale        int
	AuthFailures int
	FormatErrors int
	Resets       int
}

// Session holds the receiver's reliability state for the current transfer:
// the next expected sequence and every chunk accepted so far. All mutation
// and the ACK computed from it happen inside one critical section per
// request, so an answer can never lag the state it was committed under.
type Session struct {
	mu          sync.Mutex
	cipher      *crypto.Cipher
	expectedSeq int
	chunks      map[int][]byte
	stats       Stats
	log         *logrus.Entry
}

// NewSession creates an empty session decrypting with the given cipher.
func NewSession(cipher *crypto.Cipher) *Session {
	return &Session{
		cipher: cipher,
		chunks: make(map[int][]byte),
		log:    logrus.WithField("component", "session"),
	}
}

// HandleQuery processes one tunnel query and returns the answer address.
// Malformed or unauthenticated queries leave the state untouched and answer
// with the current cumulative ACK, so the sender sees them as plain loss.
func (s *Session) HandleQuery(qname, domain string) net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, packet, err := protocol.ParseQuery(qname, domain)
	if err != nil {
		s.stats.FormatErrors++
		s.log.WithError(err).Warn("malformed query")
		return protocol.AckIP(s.expectedSeq)
	}

	if seq == protocol.ResetSeq {
		s.chunks = make(map[int][]byte)
		s.expectedSeq = 0
		s.stats.Resets++
		s.log.Info("session reset")
		return protocol.ResetAck
	}

	if seq >= protocol.MaxSeq {
		s.stats.FormatErrors++
		s.log.WithField("seq", seq).Warn("sequence beyond ACK ceiling")
		return protocol.AckIP(s.expectedSeq)
	}

	if seq < s.expectedSeq {
		// Already absorbed into the cumulative ACK; not worth decrypting.
		s.stats.Stale++
		return protocol.AckIP(s.expectedSeq)
	}

	nonce, tag, ciphertext, err := protocol.SplitPacket(packet)
	if err != nil {
		s.stats.FormatErrors++
		s.log.WithError(err).WithField("seq", seq).Warn("short packet")
		return protocol.AckIP(s.expectedSeq)
	}

	plaintext, err := s.cipher.Decrypt(nonce, tag, ciphertext)
	if err != nil {
		s.stats.AuthFailures++
		s.log.WithField("seq", seq).Warn("authentication failure")
		return protocol.AckIP(s.expectedSeq)
	}

	if _, ok := s.chunks[seq]; ok {
		s.stats.Duplicates++
		s.log.WithField("seq", seq).Debug("duplicate chunk")
		return protocol.AckIP(s.expectedSeq)
	}

	s.chunks[seq] = plaintext
	s.stats.Stored++
	for {
		if _, ok := s.chunks[s.expectedSeq]; !ok {
			break
		}
		s.expectedSeq++
	}

	s.log.WithFields(logrus.Fields{
		"seq":      seq,
		"expected": s.expectedSeq,
		"bytes":    len(plaintext),
	}).Debug("chunk stored")
	return protocol.AckIP(s.expectedSeq)
}

// ExpectedSeq returns the current cumulative ACK value.
func (s *Session) ExpectedSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedSeq
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
