// Package main provides a CI-friendly smoke test for the ClubLink agent.
//
// It validates:
//   - websocket connect + session channel subscription
//   - session id generation and QR payload derivation
//   - optional: full mobile handshake (waits for an operator to scan)
//   - token retrieval once authorized
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"clublink"
)

func main() {
	var (
		rtURL    = flag.String("realtime-url", "ws://127.0.0.1:8080/ws", "realtime WebSocket URL")
		authURL  = flag.String("auth-endpoint", "http://127.0.0.1:8080", "auth service base URL")
		appName  = flag.String("app", "ClubLink Smoke", "app name shown in the mobile prompt")
		domain   = flag.String("domain", "smoke.localhost", "originating domain")
		timeout  = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		waitAuth = flag.Duration("wait-auth", 0, "how long to wait for a mobile handshake (0 = don't wait)")
		verbose  = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*rtURL); err != nil {
		fatalf("invalid -realtime-url: %v", err)
	}
	if err := validateHTTPURL(*authURL); err != nil {
		fatalf("invalid -auth-endpoint: %v", err)
	}

	cfg := clublink.DefaultConfig()
	cfg.AppName = *appName
	cfg.Domain = *domain
	cfg.AuthEndpoint = *authURL
	cfg.RealtimeURL = *rtURL
	cfg.RequestTimeout = *timeout
	if !*verbose {
		cfg.LogLevel = "error"
	}

	agent, err := clublink.New(cfg)
	if err != nil {
		fatalf("build agent: %v", err)
	}

	root := context.Background()
	defer func() {
		ctx, cancel := context.WithTimeout(root, *timeout)
		defer cancel()
		_ = agent.Close(ctx)
	}()

	authorized := make(chan string, 1)
	agent.OnConnected(func(address string) {
		select {
		case authorized <- address:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(root, *timeout)
	err = agent.Connect(ctx)
	cancel()
	if err != nil {
		fatalf("connect: %v", err)
	}

	qr := agent.QRPayload()
	if !strings.HasPrefix(qr, "hc:") {
		fatalf("bad QR payload: %q", qr)
	}
	if *verbose {
		fmt.Printf("connected: state=%s\n", agent.State())
	}
	fmt.Printf("qr_payload=%s\n", qr)

	if *waitAuth <= 0 {
		fmt.Printf("OK: qr=%s state=%s\n", qr, agent.State())
		return
	}

	select {
	case address := <-authorized:
		tctx, tcancel := context.WithTimeout(root, *timeout)
		tok, err := agent.Token(tctx)
		tcancel()
		if err != nil {
			fatalf("token after handshake: %v", err)
		}
		if tok == "" {
			fatalf("empty token after handshake")
		}
		fmt.Printf("OK: address=%s token_len=%d state=%s\n", address, len(tok), agent.State())
	case <-time.After(*waitAuth):
		fatalf("no handshake within %v (state=%s)", *waitAuth, agent.State())
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
