package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcoop/dns-tunnel/internal/crypto"
	"github.com/rcoop/dns-tunnel/internal/protocol"
)

// Terminal session failures, surfaced to the CLI for exit-code mapping.
var (
	ErrNoPeer        = errors.New("reset handshake failed")
	ErrPermanentLoss = errors.New("retransmission cap exceeded")
)

const (
	initialCwnd     = 2
	initialSsthresh = 8
	minSsthresh     = 2
	dupAckThreshold = 3
	pacingInterval  = 10 * time.Millisecond
	resetRetryDelay = time.Second

	DefaultChunkSize  = 30
	DefaultTimeout    = 4 * time.Second
	DefaultMaxRetx    = 5
	DefaultServerAddr = "127.0.0.1:5354"
)

// Config holds the sender's configuration. Violations are detected by
// NewSender, before any network I/O.
type Config struct {
	Key       []byte
	Domain    string
	ChunkSize int
	Timeout   time.Duration
	MaxRetx   int
}

func (c *Config) validate() error {
	if len(c.Domain) == 0 || len(c.Domain) > protocol.MaxBaseDomainLen {
		return fmt.Errorf("domain must be 1..%d chars, got %d", protocol.MaxBaseDomainLen, len(c.Domain))
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if max := protocol.MaxChunkSize(c.Domain); c.ChunkSize < 1 || c.ChunkSize > max {
		return fmt.Errorf("chunk size %d outside 1..%d for domain %q", c.ChunkSize, max, c.Domain)
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetx == 0 {
		c.MaxRetx = DefaultMaxRetx
	}
	return nil
}

// result is one network outcome routed back to the driver: either the ACK
// value from an answered query or an error standing in for loss. attempt
// identifies which transmission of the chunk it belongs to.
type result struct {
	seq     int
	attempt int
	ack     int
	err     error
}

// Sender drives the reliability protocol: it chunks the message, keeps a
// congestion-controlled window of chunks in flight, and retransmits on
// timeout or duplicate ACKs until every chunk is cumulatively acknowledged.
//
// Each transmission runs in its own goroutine that awaits the synchronous
// DNS answer and routes it into the results channel; the driver consumes
// results in network arrival order.
type Sender struct {
	cfg     Config
	carrier Carrier
	cipher  *crypto.Cipher
	log     *logrus.Entry

	chunks   []*Chunk
	inFlight map[int]*Chunk
	results  chan result

	base           int
	nextSeq        int
	cwnd           float64
	ssthresh       float64
	dupAckCount    int
	lastAck        int
	inFastRecovery bool
}

// NewSender validates the configuration and creates a sender using the given
// carrier for DNS I/O.
func NewSender(cfg Config, carrier Carrier) (*Sender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cipher, err := crypto.New(cfg.Key)
	if err != nil {
		return nil, err
	}
	return &Sender{
		cfg:     cfg,
		carrier: carrier,
		cipher:  cipher,
		log:     logrus.WithField("domain", cfg.Domain),
	}, nil
}

// Send transmits one message and blocks until it is fully acknowledged or
// the session fails. On cancellation no new queries are issued; in-flight
// queries are left to complete or time out on their own.
func (s *Sender) Send(ctx context.Context, message []byte) error {
	s.chunks = ChunkMessage(message, s.cfg.ChunkSize)
	total := len(s.chunks)
	if total >= protocol.MaxSeq {
		return fmt.Errorf("message needs %d chunks, exceeds the %d-chunk ACK ceiling", total, protocol.MaxSeq-1)
	}

	if err := s.reset(ctx); err != nil {
		return err
	}

	s.inFlight = make(map[int]*Chunk)
	// Capacity covers the worst case of two outstanding transmissions per
	// chunk, so exchange goroutines never block after the driver exits.
	s.results = make(chan result, 2*total+2)
	s.base = 0
	s.nextSeq = 0
	s.cwnd = initialCwnd
	s.ssthresh = initialSsthresh
	s.dupAckCount = 0
	s.lastAck = -1
	s.inFastRecovery = false

	s.log.WithFields(logrus.Fields{
		"bytes":  len(message),
		"chunks": total,
	}).Info("starting transfer")

	for s.base < total {
		for s.nextSeq < s.base+int(math.Floor(s.cwnd)) && s.nextSeq < total {
			c := s.chunks[s.nextSeq]
			if err := s.transmit(c); err != nil {
				return err
			}
			s.inFlight[c.Seq] = c
			s.nextSeq++
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-s.results:
			var err error
			if r.err != nil {
				err = s.onTimeout(r)
			} else {
				err = s.onAck(r.ack)
			}
			if err != nil {
				return err
			}
		case <-time.After(pacingInterval):
		}
	}

	s.log.WithField("chunks", total).Info("transfer complete")
	return nil
}

// reset clears the receiver's session state before data flows. The receiver
// must answer with the reset acknowledgment; anything else is retried.
func (s *Sender) reset(ctx context.Context) error {
	name := protocol.BuildResetQuery(s.cfg.Domain)
	for attempt := 0; attempt <= s.cfg.MaxRetx; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(resetRetryDelay):
			}
		}
		ip, err := s.carrier.Exchange(name)
		if err != nil {
			s.log.WithError(err).WithField("attempt", attempt).Warn("reset attempt failed")
			continue
		}
		ack, err := protocol.ParseAck(ip)
		if err != nil {
			s.log.WithError(err).Warn("reset: bad answer")
			continue
		}
		if ack == 0 {
			s.log.Debug("reset acknowledged")
			return nil
		}
		s.log.WithField("ack", ack).Warn("reset: unexpected ACK value")
	}
	return fmt.Errorf("no answer after %d attempts: %w", s.cfg.MaxRetx+1, ErrNoPeer)
}

// transmit encrypts and sends one chunk, spawning a goroutine to await its
// answer. Each chunk is sealed with a fresh nonce on every transmission.
func (s *Sender) transmit(c *Chunk) error {
	nonce, tag, ciphertext, err := s.cipher.Encrypt(c.Plaintext)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", c.Seq, err)
	}
	packet := make([]byte, 0, len(nonce)+len(tag)+len(ciphertext))
	packet = append(packet, nonce...)
	packet = append(packet, tag...)
	packet = append(packet, ciphertext...)

	name, err := protocol.BuildQuery(c.Seq, packet, s.cfg.Domain)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", c.Seq, err)
	}

	c.SendTime = time.Now()
	attempt := c.Retransmits

	s.log.WithFields(logrus.Fields{
		"seq":     c.Seq,
		"attempt": attempt,
		"cwnd":    s.cwnd,
	}).Debug("transmit")

	go func() {
		ip, err := s.carrier.Exchange(name)
		if err != nil {
			s.results <- result{seq: c.Seq, attempt: attempt, err: err}
			return
		}
		ack, err := protocol.ParseAck(ip)
		if err != nil {
			s.results <- result{seq: c.Seq, attempt: attempt, err: err}
			return
		}
		s.results <- result{seq: c.Seq, attempt: attempt, ack: ack}
	}()
	return nil
}

// onTimeout reacts to a lost transmission: collapse the window, restart slow
// start, and retransmit. A report from a transmission that has already been
// superseded by a retransmit or an ACK is discarded.
func (s *Sender) onTimeout(r result) error {
	c, ok := s.inFlight[r.seq]
	if !ok || r.attempt != c.Retransmits {
		return nil
	}

	s.ssthresh = math.Max(minSsthresh, math.Floor(s.cwnd/2))
	s.cwnd = 1
	s.inFastRecovery = false
	s.dupAckCount = 0

	s.log.WithFields(logrus.Fields{
		"seq":      r.seq,
		"ssthresh": s.ssthresh,
	}).Warn("timeout, window collapsed")

	return s.retransmit(c)
}

// retransmit re-sends a chunk, enforcing the per-chunk retransmission cap.
func (s *Sender) retransmit(c *Chunk) error {
	if c.Retransmits+1 > s.cfg.MaxRetx {
		return fmt.Errorf("chunk %d after %d retransmissions: %w", c.Seq, c.Retransmits, ErrPermanentLoss)
	}
	c.Retransmits++
	return s.transmit(c)
}

// onAck applies one cumulative ACK to the congestion controller.
func (s *Sender) onAck(ack int) error {
	switch {
	case ack > s.base:
		for seq := range s.inFlight {
			if seq < ack {
				delete(s.inFlight, seq)
			}
		}
		s.base = ack
		s.dupAckCount = 0
		if s.inFastRecovery {
			s.cwnd = s.ssthresh
			s.inFastRecovery = false
		} else if s.cwnd < s.ssthresh {
			s.cwnd++ // slow start
		} else {
			s.cwnd += 1 / s.cwnd // congestion avoidance
		}
		s.log.WithFields(logrus.Fields{
			"ack":  ack,
			"cwnd": s.cwnd,
		}).Debug("new cumulative ACK")

	case ack == s.lastAck && ack == s.base:
		s.dupAckCount++
		if s.inFastRecovery {
			s.cwnd++
		} else if s.dupAckCount == dupAckThreshold {
			s.ssthresh = math.Max(minSsthresh, math.Floor(s.cwnd/2))
			s.cwnd = s.ssthresh + dupAckThreshold
			s.inFastRecovery = true
			s.log.WithFields(logrus.Fields{
				"seq":      s.base,
				"ssthresh": s.ssthresh,
			}).Info("fast retransmit")
			if c, ok := s.inFlight[s.base]; ok {
				if err := s.retransmit(c); err != nil {
					return err
				}
			}
		}

	case ack < s.base:
		// Stale; already absorbed into an earlier cumulative ACK.
		return nil
	}

	s.lastAck = ack
	return nil
}
