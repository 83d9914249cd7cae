package agent

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Carrier issues one tunnel query and returns the answer address. An error
// covers timeouts, network failures, and malformed answers alike; the
// reliability layer treats them all as loss.
type Carrier interface {
	Exchange(fqdn string) (net.IP, error)
}

// DNSCarrier sends A-record queries to a single resolver over UDP. Every
// tunnel answer is a single A record, so a response can never outgrow the
// UDP payload limit.
type DNSCarrier struct {
	Resolver string
	Timeout  time.Duration
}

// Exchange sends one query and returns the first answer record's address.
func (c *DNSCarrier) Exchange(fqdn string) (net.IP, error) {
	cl := new(dns.Client)
	cl.Net = "udp"
	cl.Timeout = c.Timeout

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)
	m.RecursionDesired = false

	resp, _, err := cl.Exchange(m, c.Resolver)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	if len(resp.Answer) == 0 {
		return nil, fmt.Errorf("no answer records")
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok {
		return nil, fmt.Errorf("unexpected answer type %T", resp.Answer[0])
	}
	return a.A, nil
}
