// Package ingestor keeps the recent-writes cache warm: it polls the
// document store for resources newer than a watermark and, optionally,
// consumes a push-based topic of document-upsert events, writing both
// into the speed layer the Hybrid Runner cross-checks against.
package ingestor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/queryengine/internal/docstore"
	"github.com/correlator-io/queryengine/internal/recentwrites"
)

// DefaultPollInterval is how often the poller checks the document
// store for new resource versions when no override is configured.
const DefaultPollInterval = 10 * time.Second

// DefaultTTL is how long a polled or consumed resource stays resident
// in the recent-writes cache.
const DefaultTTL = 15 * time.Minute

// Checkpoint is one poll cycle's audit record: an immutable row
// identifying how far the poller had advanced for a resource type at
// a point in time, so a restart or an operator can reconstruct the
// ingestion history rather than trusting a single mutable cursor.
type Checkpoint struct {
	ID           uuid.UUID
	ResourceType string
	LastResVer   int64
	PolledAt     time.Time
}

// Poller periodically scans hfj_resource/hfj_res_ver for resource
// versions beyond its last-seen cursor, per resource type, and writes
// them into the recent-writes store.
type Poller struct {
	pool         *docstore.Pool
	store        recentwrites.Store
	logger       *slog.Logger
	pollInterval time.Duration
	ttl          time.Duration
	kinds        []string

	mu      sync.Mutex
	cursors map[string]int64

	stop chan struct{}
	done chan struct{}
}

// NewPoller creates a Poller watching kinds (FHIR resource types). A
// zero pollInterval/ttl falls back to the package defaults.
func NewPoller(
	pool *docstore.Pool, store recentwrites.Store, logger *slog.Logger, kinds []string, pollInterval, ttl time.Duration,
) *Poller {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Poller{
		pool:         pool,
		store:        store,
		logger:       logger,
		pollInterval: pollInterval,
		ttl:          ttl,
		kinds:        kinds,
		cursors:      make(map[string]int64, len(kinds)),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the poll loop in a background goroutine.
func (p *Poller) Start() {
	go p.run()

	p.logger.Info("ingestor: poller started",
		slog.Duration("interval", p.pollInterval), slog.Any("kinds", p.kinds))
}

// Close stops the poll loop and waits for the current cycle to finish.
func (p *Poller) Close() error {
	close(p.stop)
	<-p.done

	return nil
}

func (p *Poller) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-p.stop:
			cancel()
			p.logger.Info("ingestor: poller stopping")

			return
		case <-ticker.C:
			cycleCtx, cycleCancel := context.WithTimeout(ctx, p.pollInterval)
			if err := p.pollOnce(cycleCtx); err != nil {
				p.logger.Error("ingestor: poll cycle failed", slog.Any("error", err))
			}
			cycleCancel()
		}
	}
}

// pollOnce runs a single poll cycle across every watched kind.
func (p *Poller) pollOnce(ctx context.Context) error {
	for _, kind := range p.kinds {
		count, err := p.pollKind(ctx, kind)
		if err != nil {
			p.logger.Error("ingestor: poll failed for kind", slog.String("kind", kind), slog.Any("error", err))
			continue
		}

		if count > 0 {
			p.logger.Info("ingestor: polled new resources", slog.String("kind", kind), slog.Int("count", count))
		}
	}

	return nil
}

func (p *Poller) pollKind(ctx context.Context, kind string) (int, error) {
	p.mu.Lock()
	since := p.cursors[kind]
	p.mu.Unlock()

	rows, err := p.pool.QueryContext(ctx, `
SELECT r.res_id, r.fhir_id, r.res_ver, v.res_text_vc
FROM hfj_resource r
JOIN hfj_res_ver v ON r.res_ver = v.pid
WHERE r.res_type = $1 AND r.res_ver > $2 AND r.res_deleted_at IS NULL
ORDER BY r.res_ver ASC`, kind, since)
	if err != nil {
		return 0, fmt.Errorf("ingestor: poll query: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var (
		count     int
		maxResVer int64
	)

	for rows.Next() {
		var (
			resID   int64
			fhirID  string
			resVer  int64
			content sql.NullString
		)

		if err := rows.Scan(&resID, &fhirID, &resVer, &content); err != nil {
			return count, fmt.Errorf("ingestor: scan poll row: %w", err)
		}

		var resource map[string]any

		if content.Valid {
			if err := json.Unmarshal([]byte(content.String), &resource); err != nil {
				p.logger.Warn("ingestor: failed to parse resource content",
					slog.String("kind", kind), slog.String("id", fhirID), slog.Any("error", err))
				continue
			}
		}

		if err := p.store.Put(ctx, kind, fhirID, resource, p.ttl); err != nil {
			return count, fmt.Errorf("ingestor: store put: %w", err)
		}

		count++

		if resVer > maxResVer {
			maxResVer = resVer
		}
	}

	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("ingestor: iterate poll rows: %w", err)
	}

	if maxResVer > since {
		p.mu.Lock()
		p.cursors[kind] = maxResVer
		p.mu.Unlock()

		if err := p.recordCheckpoint(ctx, kind, maxResVer); err != nil {
			p.logger.Warn("ingestor: failed to record checkpoint", slog.Any("error", err))
		}
	}

	return count, nil
}

func (p *Poller) recordCheckpoint(ctx context.Context, kind string, resVer int64) error {
	_, err := p.pool.ExecContext(ctx, `
INSERT INTO ingest_watermark_checkpoints (id, resource_type, last_res_ver, polled_at)
VALUES ($1, $2, $3, now())`, uuid.New(), kind, resVer)
	if err != nil {
		return fmt.Errorf("ingestor: record checkpoint: %w", err)
	}

	return nil
}
