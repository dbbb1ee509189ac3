package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/edgeswarm/coordinator/internal/blacklist"
	"github.com/edgeswarm/coordinator/internal/config"
	"github.com/edgeswarm/coordinator/internal/cryptoutil"
	"github.com/edgeswarm/coordinator/internal/economy"
	"github.com/edgeswarm/coordinator/internal/events"
	"github.com/edgeswarm/coordinator/internal/ledger"
	"github.com/edgeswarm/coordinator/internal/mesh"
	"github.com/edgeswarm/coordinator/internal/metrics"
	"github.com/edgeswarm/coordinator/internal/queue"
	"github.com/edgeswarm/coordinator/internal/registry"
	"github.com/edgeswarm/coordinator/internal/server"
	"github.com/edgeswarm/coordinator/internal/store"
	"github.com/edgeswarm/coordinator/internal/tunnel"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.Server.CoordinatorID == "" {
		cfg.Server.CoordinatorID = "coordinator-" + uuid.New().String()[:8]
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		log.Fatalf("signer init failed: %v", err)
	}
	log.Printf("coordinator %s starting (pubkey %s)", cfg.Server.CoordinatorID, signer.PublicKeyHex())

	backing, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer backing.Close()
	mirror := store.NewMirror(backing)

	bus := buildEventBus(cfg)

	chain := blacklist.New(cfg.Server.CoordinatorID, signer)
	reg := registry.New(buildPortal(cfg), chain)
	m := mesh.New(cfg.Server.CoordinatorID, signer, cfg.Mesh.RateLimitPer10s)
	accounts := economy.NewAccounts()
	pricing := economy.NewPricing(cfg.Server.CoordinatorID, signer, server.NewPeerQuotes(m))

	issuanceCfg := economy.DefaultIssuanceConfig()
	if cfg.Economy.IssuanceWindowMs > 0 {
		issuanceCfg.WindowMs = cfg.Economy.IssuanceWindowMs
	}
	issuance := economy.NewIssuance(cfg.Server.CoordinatorID, signer, backing, accounts, issuanceCfg)

	payments := economy.NewPayments(cfg.Server.CoordinatorID, accounts, pricing, buildInvoiceProvider(cfg),
		cfg.Economy.CoordinatorFeeBps, cfg.Economy.PaymentIntentTTLMs, economy.DefaultPayoutSplit())

	tunnels := tunnel.NewManager(tunnel.Config{
		IdleTTLMs:       cfg.Tunnel.IdleTTLMs,
		MaxRelaysPerMin: cfg.Tunnel.MaxRelaysPerMin,
	})

	srv := server.New(server.Deps{
		Config:    cfg,
		Signer:    signer,
		Registry:  reg,
		Queue:     queue.New(),
		Ledger:    ledger.NewOrderingChain(cfg.Server.CoordinatorID, signer),
		Blacklist: chain,
		Mesh:      m,
		Accounts:  accounts,
		Pricing:   pricing,
		Issuance:  issuance,
		Payments:  payments,
		Treasury:  economy.NewTreasury(cfg.Server.CoordinatorID, signer),
		Offline:   economy.NewOfflineLedger(accounts, reg),
		Tunnels:   tunnels,
		Relay:     tunnel.NewRelay(tunnels),
		Mirror:    mirror,
		Events:    bus,
		Metrics:   metrics.New(),
	})

	restoreState(chain, pricing, payments, backing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mirror.Run(ctx)
	srv.RunBackground(ctx)

	bootstrapper := mesh.NewBootstrapper(m, cfg.Server.SelfURL, cfg.Mesh.PeerRegistryURL,
		cfg.Mesh.PeerCachePath, cfg.Mesh.BootstrapPeers)
	go bootstrapper.Run(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutdown signal received, draining...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on :%s", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("coordinator stopped")
}

func buildSigner(cfg config.Config) (*cryptoutil.Signer, error) {
	if cfg.Server.KeySeed != "" {
		return cryptoutil.NewSignerFromSeed(cfg.Server.KeySeed)
	}
	log.Println("COORDINATOR_KEY_SEED not set, generating an ephemeral key")
	return cryptoutil.NewSigner()
}

func buildStore(cfg config.Config) (store.Store, error) {
	if cfg.Storage.DatabaseURL != "" {
		return store.NewPostgres(cfg.Storage.DatabaseURL)
	}
	log.Println("DATABASE_URL not set, using the in-memory store")
	return store.NewMemory(), nil
}

func buildEventBus(cfg config.Config) events.Emitter {
	local := events.NewBus()
	if cfg.Storage.RedisAddr == "" {
		return local
	}
	bus, err := events.NewRedisBus(local, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, "")
	if err != nil {
		log.Printf("redis event bus unavailable, staying local: %v", err)
		return local
	}
	return bus
}

func buildPortal(cfg config.Config) registry.PortalClient {
	if cfg.Portal.ServiceURL == "" {
		log.Println("PORTAL_SERVICE_URL not set, portal validation disabled")
		return registry.DisabledPortalClient{}
	}
	return registry.NewHTTPPortalClient(cfg.Portal.ServiceURL, cfg.Portal.ServiceToken)
}

func buildInvoiceProvider(cfg config.Config) economy.InvoiceProvider {
	if cfg.Economy.PaymentProviderURL == "" {
		log.Println("PAYMENT_PROVIDER_URL not set, using the dev invoice provider")
		return economy.DevInvoiceProvider{}
	}
	return economy.NewHTTPInvoiceProvider(cfg.Economy.PaymentProviderURL)
}

// restoreState reloads the persisted views the coordinator serves from
// memory: blacklist records, price epochs, and pending payment intents.
func restoreState(chain *blacklist.Chain, pricing *economy.Pricing, payments *economy.Payments, backing store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if records, err := backing.LoadBlacklistRecords(ctx); err == nil {
		restored := 0
		for _, rec := range records {
			if chain.IngestRemote(rec) == nil {
				restored++
			}
		}
		if restored > 0 {
			log.Printf("restored %d blacklist records", restored)
		}
	}
	if epochs, err := backing.LoadPriceEpochs(ctx); err == nil && len(epochs) > 0 {
		pricing.Restore(epochs)
		log.Printf("restored %d price epochs", len(epochs))
	}
	if intents, err := backing.LoadPendingIntents(ctx); err == nil && len(intents) > 0 {
		payments.Restore(intents)
		log.Printf("restored %d pending payment intents", len(intents))
	}
}
