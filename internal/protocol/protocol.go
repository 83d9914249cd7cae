package protocol

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/rcoop/dns-tunnel/internal/encoding"
)

var seqLabelRe = regexp.MustCompile(`^seq(-?\d+)$`)

// BuildQuery builds the FQDN carrying one packet:
// "seq{N}.{enc1}...{encK}.{domain}". Exceeding the DNS name limit means the
// chunk size is misconfigured for this domain; the codec never truncates.
func BuildQuery(seq int, packet []byte, domain string) (string, error) {
	b32 := encoding.Encode(packet)
	labels := encoding.SplitIntoLabels(b32, encoding.MaxLabelLen)
	name := fmt.Sprintf("%s%d.%s.%s", SeqPrefix, seq, strings.Join(labels, "."), domain)
	if len(name) > MaxDomainLen {
		return "", fmt.Errorf("query name %d chars exceeds %d; chunk too large for domain %q",
			len(name), MaxDomainLen, domain)
	}
	return name, nil
}

// BuildResetQuery builds the reset control query: "seq-1.{domain}" with no
// data labels.
func BuildResetQuery(domain string) string {
	return fmt.Sprintf("%s%d.%s", SeqPrefix, ResetSeq, domain)
}

// MatchesDomain reports whether fqdn falls under the tunnel domain.
func MatchesDomain(fqdn, domain string) bool {
	fqdn = strings.TrimSuffix(fqdn, ".")
	domain = strings.TrimSuffix(domain, ".")
	return fqdn == domain || strings.HasSuffix(fqdn, "."+domain)
}

// ParseQuery strips the tunnel domain from a FQDN and recovers the sequence
// number and packet. A reset query returns (ResetSeq, nil, nil); its data
// labels, if any, are ignored.
func ParseQuery(fqdn, domain string) (int, []byte, error) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	domain = strings.TrimSuffix(domain, ".")

	if !strings.HasSuffix(fqdn, "."+domain) {
		return 0, nil, fmt.Errorf("query %q does not match tunnel domain %q", fqdn, domain)
	}

	prefix := fqdn[:len(fqdn)-len(domain)-1]
	parts := strings.Split(prefix, ".")

	m := seqLabelRe.FindStringSubmatch(parts[0])
	if m == nil {
		return 0, nil, fmt.Errorf("bad sequence label %q", parts[0])
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, nil, fmt.Errorf("bad sequence number: %w", err)
	}
	if seq == ResetSeq {
		return ResetSeq, nil, nil
	}
	if seq < 0 {
		return 0, nil, fmt.Errorf("negative sequence %d", seq)
	}

	packet, err := encoding.Decode(encoding.JoinLabels(parts[1:]))
	if err != nil {
		return 0, nil, fmt.Errorf("seq %d: %w", seq, err)
	}
	return seq, packet, nil
}

// SplitPacket splits a packet into its nonce, tag, and ciphertext fields.
func SplitPacket(packet []byte) (nonce, tag, ciphertext []byte, err error) {
	if len(packet) < MinPacketLen {
		return nil, nil, nil, fmt.Errorf("packet too short: %d bytes", len(packet))
	}
	return packet[:nonceLen], packet[nonceLen : nonceLen+tagLen], packet[nonceLen+tagLen:], nil
}

// AckIP encodes a cumulative ACK as the answer address "1.2.A.B" where the
// ACK value is A*256 + B.
func AckIP(ack int) net.IP {
	return net.IPv4(1, 2, byte(ack>>8), byte(ack))
}

// ParseAck recovers the cumulative ACK value from an answer address.
func ParseAck(ip net.IP) (int, error) {
	v4 := ip.To4()
	if v4 == nil || v4[0] != 1 || v4[1] != 2 {
		return 0, fmt.Errorf("not a tunnel answer address: %s", ip)
	}
	return int(v4[2])<<8 | int(v4[3]), nil
}

// MaxChunkSize returns the largest plaintext chunk size whose query still
// fits in a DNS name for the given tunnel domain, or 0 if none fits.
func MaxChunkSize(domain string) int {
	domain = strings.TrimSuffix(domain, ".")
	for size := 128; size > 0; size-- {
		if queryLen(size, domain) <= MaxDomainLen {
			return size
		}
	}
	return 0
}

// queryLen computes the worst-case query name length for a chunk of the
// given plaintext size.
func queryLen(size int, domain string) int {
	packetLen := size + nonceLen + tagLen
	encLen := (packetLen*8 + 4) / 5 // unpadded base32 chars
	numLabels := (encLen + encoding.MaxLabelLen - 1) / encoding.MaxLabelLen
	// seq label + dot, data labels with separating dots, dot, domain.
	return len(SeqPrefix) + seqDigits + 1 + encLen + (numLabels - 1) + 1 + len(domain)
}
