package server

import (
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/rcoop/dns-tunnel/internal/protocol"
)

// Handler implements dns.Handler and routes tunnel queries to the session.
// Queries outside the tunnel domain get an empty authoritative reply.
type Handler struct {
	Domain  string
	Session *Session
}

// ServeDNS handles an incoming DNS query.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if len(r.Question) == 0 {
		h.write(w, m)
		return
	}

	q := r.Question[0]
	if q.Qtype != dns.TypeA || !protocol.MatchesDomain(q.Name, h.Domain) {
		h.write(w, m)
		return
	}

	ip := h.Session.HandleQuery(q.Name, h.Domain)

	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    0,
		},
		A: ip,
	})
	h.write(w, m)
}

func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		logrus.WithError(err).Error("writing DNS response")
	}
}
