package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/edgeswarm/coordinator/internal/blacklist"
	"github.com/edgeswarm/coordinator/internal/economy"
	"github.com/edgeswarm/coordinator/internal/ledger"
	"github.com/edgeswarm/coordinator/internal/queue"
)

// Postgres persists records as JSONB rows keyed by their primary id.
type Postgres struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_records (
		id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blacklist_events (
		event_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS price_epochs (
		resource_class TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS issuance_epochs (
		issuance_epoch_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_intents (
		intent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		payload JSONB NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subtask_results (
		subtask_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contributions (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		weight DOUBLE PRECISION NOT NULL,
		recorded_at_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS contributions_window_idx
		ON contributions (recorded_at_ms, account_id)`,
}

// NewPostgres opens the database, verifies connectivity, and applies
// the schema.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Postgres{db: db}, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (p *Postgres) upsert(ctx context.Context, table, keyColumn, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, payload, updated_at_ms) VALUES ($1, $2, $3)
		ON CONFLICT (%s) DO UPDATE SET payload = EXCLUDED.payload, updated_at_ms = EXCLUDED.updated_at_ms`,
		table, keyColumn, keyColumn)
	_, err = p.db.ExecContext(ctx, query, key, data, nowMs())
	return err
}

func (p *Postgres) SaveLedgerRecord(ctx context.Context, rec ledger.Record) error {
	return p.upsert(ctx, "ledger_records", "id", rec.ID, rec)
}

func (p *Postgres) SaveBlacklistRecord(ctx context.Context, rec blacklist.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO blacklist_events (event_id, agent_id, payload, updated_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at_ms = EXCLUDED.updated_at_ms`,
		rec.EventID, rec.AgentID, data, nowMs())
	return err
}

func (p *Postgres) SavePriceEpoch(ctx context.Context, epoch economy.PriceEpoch) error {
	return p.upsert(ctx, "price_epochs", "resource_class", epoch.ResourceClass, epoch)
}

func (p *Postgres) SaveIssuanceEpoch(ctx context.Context, epoch economy.IssuanceEpoch) error {
	return p.upsert(ctx, "issuance_epochs", "issuance_epoch_id", epoch.IssuanceEpochID, epoch)
}

func (p *Postgres) SavePaymentIntent(ctx context.Context, intent economy.PaymentIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO payment_intents (intent_id, status, payload, updated_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (intent_id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at_ms = EXCLUDED.updated_at_ms`,
		intent.IntentID, intent.Status, data, nowMs())
	return err
}

func (p *Postgres) SaveResult(ctx context.Context, result queue.Result) error {
	return p.upsert(ctx, "subtask_results", "subtask_id", result.SubtaskID, result)
}

func (p *Postgres) RecordContribution(ctx context.Context, c Contribution) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO contributions (account_id, kind, weight, recorded_at_ms)
		VALUES ($1, $2, $3, $4)`, c.AccountID, c.Kind, c.Weight, c.RecordedAtMs)
	return err
}

func (p *Postgres) ContributionShares(windowStartMs, windowEndMs int64) ([]economy.ContributionShare, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT account_id, SUM(weight)
		FROM contributions
		WHERE recorded_at_ms >= $1 AND recorded_at_ms <= $2
		GROUP BY account_id
		ORDER BY account_id`, windowStartMs, windowEndMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []economy.ContributionShare
	for rows.Next() {
		var share economy.ContributionShare
		if err := rows.Scan(&share.AccountID, &share.WeightedContribution); err != nil {
			return nil, err
		}
		out = append(out, share)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadBlacklistRecords(ctx context.Context) ([]blacklist.Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT payload FROM blacklist_events ORDER BY updated_at_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blacklist.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec blacklist.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadPriceEpochs(ctx context.Context) ([]economy.PriceEpoch, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT payload FROM price_epochs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []economy.PriceEpoch
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var epoch economy.PriceEpoch
		if err := json.Unmarshal(data, &epoch); err != nil {
			return nil, err
		}
		out = append(out, epoch)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadPendingIntents(ctx context.Context) ([]economy.PaymentIntent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT payload FROM payment_intents WHERE status = $1`, economy.IntentCreated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []economy.PaymentIntent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var intent economy.PaymentIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error { return p.db.Close() }
