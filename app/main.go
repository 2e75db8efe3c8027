package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blackHATred/tapproxy/internal/certgen"
	"github.com/blackHATred/tapproxy/internal/delivery"
	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/usecase/service"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := ParseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zlog := zap.Must(newLogger(cfg.Debug))
	defer zlog.Sync()

	if err := run(cfg, zlog.Sugar()); err != nil {
		zlog.Sugar().Errorw("tapproxy failed", "err", err)
		zlog.Sync()
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg Config, log *zap.SugaredLogger) error {
	if cfg.GenerateCA {
		if err := certgen.WriteCA(cfg.CACert, cfg.CAKey, "tapproxy root CA"); err != nil {
			return err
		}
		log.Infow("root CA written, install it in the client trust store", "cert", cfg.CACert, "key", cfg.CAKey)
		return nil
	}

	ca, err := certgen.LoadCA(cfg.CACert, cfg.CAKey)
	if err != nil {
		return fmt.Errorf("load root CA (generate one with -gen-ca): %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			log.Warnw("closing storage", "err", err)
		}
	}()

	certUC := service.NewCertificateService(b.certs, ca, cfg.CertMemoryTTL, log)
	historyUC := service.NewHistoryService(b.history, service.DefaultStoreTimeout, log)

	observed := make(chan entity.Observation, cfg.QueueSize)
	consumeCtx, stopConsume := context.WithCancel(context.Background())
	defer stopConsume()
	go historyUC.Consume(consumeCtx, observed)

	proxyUC := service.NewProxyService(certUC, observed, service.ProxyConfig{
		BufferSize:       cfg.BufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, log)

	wg := &sync.WaitGroup{}
	wg.Add(2)
	proxyDelivery := delivery.NewProxy(proxyUC, log)
	if err := proxyDelivery.StartProxyServer(wg, cfg.Listen); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	historyDelivery := delivery.NewHistoryDelivery(historyUC, log)
	historyServer := historyDelivery.StartHttpServer(wg, http.NewServeMux(), cfg.WebAddr)

	<-ctx.Done()
	log.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var shutdown sync.WaitGroup
	shutdown.Add(2)
	go func() {
		defer shutdown.Done()
		if err := historyServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("web server shutdown", "err", err)
		}
		log.Infow("web server stopped")
	}()
	go func() {
		defer shutdown.Done()
		if err := proxyDelivery.Shutdown(shutdownCtx); err != nil {
			log.Warnw("proxy shutdown, remaining sessions closed", "err", err)
		}
		log.Infow("proxy stopped")
	}()
	shutdown.Wait()
	wg.Wait()
	return nil
}
