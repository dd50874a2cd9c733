package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/dirstore"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/database/sqlite"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/fingerprint"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// OpenStore opens the embedding store selected by cfg.Store.Backend.
func OpenStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendDir, "":
		s, err := dirstore.Open(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// MatchOptions converts the recognition settings into matcher options.
func MatchOptions(cfg *config.Config) facematch.Options {
	policy := facematch.PolicyAbort
	if cfg.Recognition.CorruptionPolicy == config.CorruptionSkip {
		policy = facematch.PolicySkip
	}
	return facematch.Options{
		CompareAllVectors: cfg.Recognition.CompareAllVectors,
		Policy:            policy,
	}
}

// Open builds a ready engine from configuration: the store, the embedding server client,
// the matcher and the ledger. The caller closes the engine.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}

	l, err := ledger.New(ledger.Options{
		AttendanceDir:   cfg.Ledger.AttendanceDir,
		ConfirmationDir: cfg.Ledger.ConfirmationDir,
		Direction:       cfg.Ledger.Direction,
		Logger:          logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	client := fingerprint.NewFaceClient(cfg.Embedding.URL, cfg.Embedding.Dim, cfg.Embedding.MaxImageSize)

	matchOpts := MatchOptions(cfg)
	var (
		matcher facematch.Matcher
		index   *database.LabelIndex
	)
	if cfg.Recognition.Matcher == config.MatcherHNSW {
		index = database.NewLabelIndex(cfg.Recognition.CompareAllVectors)
		matcher = facematch.NewIndexedMatcher(store, index, matchOpts)
	} else {
		matcher = facematch.NewLinearMatcher(store, matchOpts)
	}

	session := recognition.NewSession(client, matcher, recognition.Options{
		Workers:           cfg.Recognition.Workers,
		ExtractionTimeout: cfg.Recognition.ExtractionTimeout,
		Logger:            logger,
	})

	e, err := New(ctx, store, session, l, Options{
		Tolerance:          cfg.Recognition.Tolerance,
		KeepReferenceImage: cfg.Store.KeepReferenceImage,
		BatchDir:           cfg.Store.BatchDir,
		Index:              index,
		Health:             client.Health,
		Logger:             logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("engine ready",
		"store", cfg.Store.Backend,
		"matcher", cfg.Recognition.Matcher,
		"corruption_policy", matchOpts.Policy,
		"tolerance", cfg.Recognition.Tolerance,
		"embedding_url", cfg.Embedding.URL)
	return e, nil
}
