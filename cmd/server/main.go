package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rcoop/dns-tunnel/agent"
	"github.com/rcoop/dns-tunnel/internal/crypto"
	"github.com/rcoop/dns-tunnel/internal/protocol"
	"github.com/rcoop/dns-tunnel/server"
)

func main() {
	domain := flag.String("domain", "", "Tunnel domain (required)")
	keyHex := flag.String("key", "", "Shared key, 64 hex chars")
	passphrase := flag.String("passphrase", "", "Passphrase to derive the shared key from")
	listen := flag.String("listen", agent.DefaultServerAddr, "Address to listen on (ip:port)")
	output := flag.String("output", "", "Write the reassembled message to this file on shutdown")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *domain == "" {
		fmt.Fprintln(os.Stderr, "Usage: server --domain <domain> --key <hex> [--listen addr]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if len(*domain) > protocol.MaxBaseDomainLen {
		logrus.Fatalf("domain longer than %d chars", protocol.MaxBaseDomainLen)
	}

	key, err := crypto.LoadKey(*keyHex, *passphrase, []byte(*domain))
	if err != nil {
		logrus.WithError(err).Fatal("loading key")
	}
	cipher, err := crypto.New(key)
	if err != nil {
		logrus.WithError(err).Fatal("configuration error")
	}

	session := server.NewSession(cipher)
	srv := &dns.Server{
		Addr:    *listen,
		Net:     "udp",
		Handler: &server.Handler{Domain: *domain, Session: session},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"listen": *listen,
			"domain": *domain,
		}).Info("DNS tunnel server listening")
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown()
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("server error")
	}

	report(session, *output)
}

// report prints the reassembled message and the receive bookkeeping, and
// optionally writes the message to a file.
func report(session *server.Session, output string) {
	result := server.Reassemble(session)
	stats := session.Stats()

	logrus.WithFields(logrus.Fields{
		"stored":     stats.Stored,
		"duplicates": stats.Duplicates,
		"stale":      stats.Stale,
		"auth_fail":  stats.AuthFailures,
		"format_err": stats.FormatErrors,
		"resets":     stats.Resets,
	}).Info("session counters")

	fmt.Printf("Received sequences: %v\n", result.Received)
	if len(result.Missing) > 0 {
		fmt.Printf("Missing sequences:  %v\n", result.Missing)
	} else if len(result.Received) > 0 {
		fmt.Println("Transfer complete, no gaps.")
	}
	fmt.Printf("Reassembled message (%d bytes):\n%s\n", len(result.Message), result.Message)

	if output != "" {
		if err := result.WriteFile(output); err != nil {
			logrus.WithError(err).Error("writing output")
			return
		}
		logrus.WithField("path", output).Info("message written")
	}
}
