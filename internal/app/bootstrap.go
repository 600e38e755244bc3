package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/engine"
	"circuit_go/internal/infra"
	"circuit_go/internal/infra/storage"
	"circuit_go/internal/service"
)

// QuoteSource is a quote reader whose instrument set follows the catalog.
type QuoteSource interface {
	domain.QuoteReader
	SetInstruments(list []domain.Instrument)
}

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Location *time.Location
	Storage  *storage.Storage
	Loader   domain.InstrumentSource
	Reader   QuoteSource
	Stream   *infra.QuoteStream // non-nil when source.kind is ws
	Ingestor *engine.Ingestor
	Query    *service.QueryService
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB, readers).
func (b *Bootstrap) Initialize(configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("🚀 Bootstrapping circuit_go...", slog.String("source", cfg.Source.Kind))

	loc, err := cfg.Location()
	if err != nil {
		return &domain.ConfigError{Field: "session.timezone", Err: err}
	}
	b.Location = loc

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Readers
	b.Loader = infra.NewInstrumentLoader(cfg)
	switch cfg.Source.Kind {
	case infra.SourceWS:
		b.Stream = infra.NewQuoteStream(cfg, loc)
		b.Reader = b.Stream
	default:
		b.Reader = infra.NewQuoteClient(cfg, loc)
	}

	// 5. Engine & query surface
	b.Ingestor = engine.NewIngestor(store, nil, engine.Options{
		Location:       loc,
		MaxRetries:     uint(cfg.Ingest.MaxRetries),
		InitialBackoff: time.Duration(cfg.Ingest.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Ingest.MaxBackoffMS) * time.Millisecond,
		MaxFutureSkew:  time.Duration(cfg.Ingest.MaxFutureSkewSec) * time.Second,
		Metrics:        infra.GlobalMetrics,
		Logger:         logger,
	})
	b.Query = service.NewQueryService(store)

	return nil
}

// SyncCatalog refreshes the instrument catalog of every configured exchange
// and hands the active instruments to the quote reader. A failed download
// keeps the previously stored catalog of that exchange.
func (b *Bootstrap) SyncCatalog(ctx context.Context) error {
	slog.Info("🔄 Starting instrument catalog synchronization...")

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 2) // Limit concurrent downloads

	for _, exchange := range b.Config.Source.Exchanges {
		wg.Add(1)
		go func(exch string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			list, err := b.Loader.FetchInstruments(ctx, exch)
			if err != nil {
				slog.Warn("Failed to download instruments", slog.String("exchange", exch), slog.Any("error", err))
				return
			}
			if len(list) == 0 {
				slog.Warn("Instrument dump had no matching options", slog.String("exchange", exch))
				return
			}

			n, err := b.Storage.UpsertInstruments(ctx, list)
			if err != nil {
				slog.Error("Failed to upsert instruments", slog.String("exchange", exch), slog.Any("error", err))
				return
			}
			slog.Info("✅ Instruments synced", slog.String("exchange", exch), slog.Int("count", n))
		}(exchange)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	active, err := b.Storage.ActiveInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load active instruments: %w", err)
	}
	if len(active) == 0 {
		return errors.New("instrument catalog is empty")
	}
	b.Reader.SetInstruments(active)

	slog.Info("✨ Instrument catalog synchronization completed", slog.Int("active", len(active)))
	return nil
}

// Close releases the stream connection and the database.
func (b *Bootstrap) Close() {
	if b.Stream != nil {
		b.Stream.Disconnect()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Error("Failed to close database", slog.Any("error", err))
		}
	}
}
