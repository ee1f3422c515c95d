// Command gatewaycore is a minimal demonstration of wiring
// internal/config, internal/metrics and internal/listener together: it
// loads a credential table from YAML, accepts raw TCP connections, and
// drives each one through the PostgreSQL or Gel handshake. It is not a
// production gateway — there is no TLS certificate loading, no
// DSN/credential-file parsing beyond the one YAML shape internal/config
// understands, and AcceptStream here only logs the identity rather than
// routing the stream anywhere.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/config"
	"github.com/gelgate/gelgate/internal/listener"
	"github.com/gelgate/gelgate/internal/metrics"
)

// demoEmbedder implements listener.Embedder against a config-loaded
// credential table, swapped out wholesale on every config reload.
type demoEmbedder struct {
	creds func() map[string]auth.CredentialData
}

func (e *demoEmbedder) LookupAuth(ctx context.Context, identity auth.PartialIdentity, target listener.AuthTarget) (auth.CredentialData, error) {
	if cred, ok := e.creds()[identity.User]; ok {
		return cred, nil
	}
	return auth.DenyCredential{}, nil
}

func (e *demoEmbedder) AcceptStream(ctx context.Context, identity auth.Identity, lang listener.Language, stream net.Conn) error {
	log.Printf("[%s] accepted stream: user=%s db=%s", lang, identity.User, identity.DB)
	return nil
}

func main() {
	configPath := flag.String("config", "configs/gatewaycore.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("gatewaycore starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d credentials)", *configPath, len(cfg.Credentials))

	table, err := cfg.CompileCredentials()
	if err != nil {
		log.Fatalf("failed to compile credentials: %v", err)
	}

	var currentTable atomic.Value
	currentTable.Store(table)
	lookup := func() map[string]auth.CredentialData {
		return currentTable.Load().(map[string]auth.CredentialData)
	}

	m := metrics.New()

	pgEmbedder := &demoEmbedder{creds: lookup}
	gelEmbedder := &demoEmbedder{creds: lookup}

	sslReq := auth.Disable
	if cfg.Auth.PGSslRequired {
		sslReq = auth.Required
	}

	pgDriver := listener.NewPostgresDriver(pgEmbedder, sslReq, nil,
		listener.WithAuthTimeout(cfg.Auth.Timeout),
		listener.WithMetrics(m),
	)
	gelDriver := listener.NewGelDriver(gelEmbedder, nil,
		listener.WithAuthTimeout(cfg.Auth.Timeout),
		listener.WithMetrics(m),
	)

	pgListener, err := startListener(cfg.Listen.Bind, cfg.Listen.PostgresPort, pgDriver)
	if err != nil {
		log.Fatalf("failed to start PostgreSQL listener: %v", err)
	}
	gelListener, err := startListener(cfg.Listen.Bind, cfg.Listen.GelPort, gelDriver)
	if err != nil {
		log.Fatalf("failed to start Gel listener: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		newTable, err := newCfg.CompileCredentials()
		if err != nil {
			log.Printf("config hot-reload rejected: %v", err)
			return
		}
		currentTable.Store(newTable)
		log.Printf("credential table reloaded (%d entries)", len(newTable))
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("gatewaycore ready - PG:%d Gel:%d", cfg.Listen.PostgresPort, cfg.Listen.GelPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	pgListener.Close()
	gelListener.Close()

	log.Printf("gatewaycore stopped")
}

// startListener binds one TCP listener and spawns an accept loop that
// hands every connection to driver.Run in its own goroutine: the usual
// acceptLoop/handleConnection split, generalized away from a fixed
// tenant-routing proxy.
func startListener(bind string, port int, driver *listener.Driver) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if err := driver.Run(context.Background(), conn); err != nil {
					log.Printf("connection ended: %v", err)
				}
			}()
		}
	}()
	return ln, nil
}
