package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcoop/dns-tunnel/agent"
	"github.com/rcoop/dns-tunnel/internal/crypto"
)

func main() {
	filePath := flag.String("f", "", "File to send (reads stdin when omitted)")
	keyHex := flag.String("key", "", "Shared key, 64 hex chars")
	passphrase := flag.String("passphrase", "", "Passphrase to derive the shared key from")
	domain := flag.String("domain", "", "Tunnel domain (required)")
	resolver := flag.String("resolver", agent.DefaultServerAddr, "DNS server address (ip:port)")
	chunkSize := flag.Int("chunk-size", agent.DefaultChunkSize, "Plaintext bytes per chunk")
	timeout := flag.Duration("timeout", agent.DefaultTimeout, "Per-query timeout")
	maxRetx := flag.Int("max-retx", agent.DefaultMaxRetx, "Retransmission cap per chunk")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *domain == "" {
		fmt.Fprintln(os.Stderr, "Usage: agent --domain <domain> --key <hex> [-f <file>]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	key, err := crypto.LoadKey(*keyHex, *passphrase, []byte(*domain))
	if err != nil {
		logrus.WithError(err).Fatal("loading key")
	}

	message, err := readMessage(*filePath)
	if err != nil {
		logrus.WithError(err).Fatal("reading message")
	}

	sender, err := agent.NewSender(agent.Config{
		Key:       key,
		Domain:    *domain,
		ChunkSize: *chunkSize,
		Timeout:   *timeout,
		MaxRetx:   *maxRetx,
	}, &agent.DNSCarrier{Resolver: *resolver, Timeout: *timeout})
	if err != nil {
		logrus.WithError(err).Fatal("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := sender.Send(ctx, message); err != nil {
		switch {
		case errors.Is(err, agent.ErrNoPeer):
			logrus.WithError(err).Error("no peer")
			os.Exit(2)
		case errors.Is(err, agent.ErrPermanentLoss):
			logrus.WithError(err).Error("permanent loss")
			os.Exit(3)
		default:
			logrus.WithError(err).Fatal("transfer failed")
		}
	}

	logrus.WithFields(logrus.Fields{
		"bytes":   len(message),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("message delivered")
}

func readMessage(path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}
