package protocol

import "net"

// SeqPrefix starts the first label of every tunnel query: "seq" followed by
// the decimal sequence number.
const SeqPrefix = "seq"

// ResetSeq is the sequence number of the reset control message.
const ResetSeq = -1

// MaxDomainLen is the maximum total domain name length per RFC 1035,
// presentation form.
const MaxDomainLen = 253

// MaxBaseDomainLen bounds the configured tunnel domain so a sequence label
// and at least one data label still fit.
const MaxBaseDomainLen = 190

// MaxSeq is the size of the ACK value space: a cumulative ACK is packed into
// the low 16 bits of the IPv4 address, so it ranges over 0..MaxSeq-1. A
// message's final ACK equals its chunk count, which caps a single message at
// MaxSeq-1 chunks.
const MaxSeq = 1 << 16

const (
	nonceLen = 16
	tagLen   = 16

	// MinPacketLen is nonce + tag + at least one ciphertext byte.
	MinPacketLen = nonceLen + tagLen + 1
)

// seqDigits is the label budget reserved for the decimal sequence number.
const seqDigits = 5

// ResetAck is the answer to a reset control message.
var ResetAck = net.IPv4(1, 2, 0, 0)
