// Package app assembles the fulfillment components from configuration. Both
// binaries build the same graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"example.com/fulfillment/internal/artifact"
	"example.com/fulfillment/internal/carrier"
	"example.com/fulfillment/internal/carrier/melhorenvio"
	"example.com/fulfillment/internal/checkout"
	"example.com/fulfillment/internal/config"
	"example.com/fulfillment/internal/label"
	"example.com/fulfillment/internal/order"
	"example.com/fulfillment/internal/payment"
	"example.com/fulfillment/internal/quote"
	"example.com/fulfillment/internal/sqliteutil"
)

type App struct {
	Orders   order.Repository
	Storage  *artifact.BucketStorage
	Carriers []carrier.Client
	Quotes   *quote.Service
	Compiler *artifact.Compiler
	Labels   *label.Issuer
	Checkout *checkout.Service
	Payments *payment.Ingestor

	closers []func() error
}

type initializer interface {
	Init(ctx context.Context) error
}

// Build opens the order store and artifact bucket and wires every service.
// Missing carrier or payment credentials do not fail the build; the affected
// components answer with ErrNotConfigured instead.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{}
	orders, err := a.openOrders(ctx, cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Orders = orders

	storage, err := artifact.OpenStorage(ctx, cfg.ArtifactsURL)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open artifact storage: %w", err)
	}
	a.Storage = storage
	a.closers = append(a.closers, storage.Close)

	sender := Sender(cfg)
	a.Carriers = []carrier.Client{Carrier(cfg, logger)}
	a.Quotes = quote.NewService(a.Carriers, sender.PostalCode, cfg.CarrierTimeout, logger)
	a.Compiler = artifact.NewCompiler(orders, storage,
		artifact.NewRenderer(cfg.StoreName, order.Address(sender)),
		artifact.NewHTTPFetcher(0), logger)
	a.Labels = label.NewIssuer(orders, a.Carriers, sender, logger)
	a.Checkout = checkout.NewService(orders, a.Compiler, a.Labels, logger)

	var provider payment.Provider
	if client, err := payment.NewClient(payment.ClientConfig{
		BaseURL:     cfg.Payment.BaseURL,
		AccessToken: cfg.Payment.AccessToken,
	}); err != nil {
		logger.Warn("payment provider disabled", "error", err)
	} else {
		provider = client
	}
	a.Payments = payment.NewIngestor(payment.Verifier{Secret: cfg.Payment.WebhookSecret}, provider, a.Checkout, logger)
	return a, nil
}

func (a *App) openOrders(ctx context.Context, cfg config.Config, logger *slog.Logger) (order.Repository, error) {
	var (
		repo   order.Repository
		schema initializer
	)
	if dsn := strings.TrimSpace(cfg.PostgresDSN); dsn != "" {
		pool, err := order.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		s := order.NewPostgresStore(pool)
		repo, schema = s, s
		logger.Info("order store", "driver", "postgres")
	} else {
		db, err := sqliteutil.OpenContext(ctx, cfg.SQLitePath, sqliteutil.Options{})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		s := order.NewSQLiteStore(db)
		repo, schema = s, s
		logger.Info("order store", "driver", "sqlite", "path", cfg.SQLitePath)
	}
	if err := schema.Init(ctx); err != nil {
		return nil, fmt.Errorf("init order schema: %w", err)
	}
	return repo, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Sender is the origin address printed on every label.
func Sender(cfg config.Config) carrier.Address {
	c := cfg.Carrier
	return carrier.Address{
		Name:       c.SenderName,
		Phone:      c.SenderPhone,
		Email:      c.SenderEmail,
		Document:   c.SenderDocument,
		Street:     c.SenderStreet,
		Number:     c.SenderNumber,
		Complement: c.SenderComplement,
		District:   c.SenderDistrict,
		City:       c.SenderCity,
		State:      c.SenderState,
		PostalCode: carrier.PostalDigits(c.SenderPostalCode),
	}
}

// Carrier builds the Melhor Envio client. OAuth refresh is preferred when a
// refresh token and client credentials are present; a bare token is used as
// is until its exp claim passes.
func Carrier(cfg config.Config, logger *slog.Logger) carrier.Client {
	c := cfg.Carrier
	mcfg := melhorenvio.Config{
		BaseURL:          c.BaseURL,
		UserAgent:        c.UserAgent,
		Timeout:          cfg.CarrierTimeout,
		SenderPostalCode: c.SenderPostalCode,
	}

	var tokens carrier.TokenSource
	switch {
	case c.RefreshToken != "" && c.ClientID != "" && c.ClientSecret != "":
		refresher, err := melhorenvio.NewOAuthRefresher(mcfg, c.ClientID, c.ClientSecret, c.RefreshToken)
		if err != nil {
			logger.Warn("carrier oauth disabled", "provider", melhorenvio.Name, "error", err)
			return carrier.Unconfigured(melhorenvio.Name, err.Error())
		}
		tokens = carrier.NewTokenCache(refresher, carrier.Token{AccessToken: c.Token}, carrier.DefaultRefreshMargin)
	case c.Token != "":
		tokens = carrier.NewStaticToken(c.Token)
	default:
		return carrier.Unconfigured(melhorenvio.Name, "no credentials")
	}

	client, err := melhorenvio.New(mcfg, tokens)
	if err != nil {
		logger.Warn("carrier disabled", "provider", melhorenvio.Name, "error", err)
		return carrier.Unconfigured(melhorenvio.Name, err.Error())
	}
	return client
}
