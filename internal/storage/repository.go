package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrCooldownActive indicates a dispatch claim lost to the cooldown
	// window: a prior dispatch for the same (user, rule) is still recent.
	ErrCooldownActive = errors.New("storage: cooldown active for rule")
)

// dispatchLockNS namespaces per-rule transaction advisory locks away from
// the scheduler's cycle lock key space.
const dispatchLockNS int64 = 0x6e694350 << 16

const (
	upsertSampleSQL = `INSERT INTO opportunity_samples (
        bucket_ts,
        pair,
        exchange,
        nicp_price_icp,
        reference_rate,
        rate_source,
        profit_pct,
        apy_pct,
        risk_tier,
        volume_usd,
        sources,
        status,
        error,
        quote
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET
        pair           = EXCLUDED.pair,
        exchange       = EXCLUDED.exchange,
        nicp_price_icp = EXCLUDED.nicp_price_icp,
        reference_rate = EXCLUDED.reference_rate,
        rate_source    = EXCLUDED.rate_source,
        profit_pct     = EXCLUDED.profit_pct,
        apy_pct        = EXCLUDED.apy_pct,
        risk_tier      = EXCLUDED.risk_tier,
        volume_usd     = EXCLUDED.volume_usd,
        sources        = EXCLUDED.sources,
        status         = EXCLUDED.status,
        error          = EXCLUDED.error,
        quote          = EXCLUDED.quote;`

	sampleColumns = `bucket_ts,
        pair,
        exchange,
        nicp_price_icp,
        reference_rate,
        rate_source,
        profit_pct,
        apy_pct,
        risk_tier,
        volume_usd,
        sources,
        status,
        error,
        created_at`

	listSamplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM opportunity_samples
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM opportunity_samples
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	listActiveRulesSQL = `SELECT
        id, user_id, chat_id, pair, threshold_pct, cooldown_seconds, enabled, created_at
    FROM alert_rules
    WHERE pair = $1
      AND enabled
    ORDER BY id;`

	listRulesSQL = `SELECT
        id, user_id, chat_id, pair, threshold_pct, cooldown_seconds, enabled, created_at
    FROM alert_rules
    ORDER BY id
    LIMIT $1;`

	insertRuleSQL = `INSERT INTO alert_rules (
        user_id, chat_id, pair, threshold_pct, cooldown_seconds, enabled
    ) VALUES ($1,$2,$3,$4,$5,$6)
    RETURNING id, created_at;`

	setRuleEnabledSQL = `UPDATE alert_rules SET enabled = $2 WHERE id = $1;`

	lastDispatchSQL = `SELECT fired_at
    FROM alert_dispatches
    WHERE rule_id = $1 AND user_id = $2
    ORDER BY fired_at DESC
    LIMIT 1;`

	// insert-unless-recent: serialized per rule by an advisory lock taken
	// in the same transaction, this is the atomic cooldown check-and-record.
	claimDispatchSQL = `INSERT INTO alert_dispatches (
        rule_id, user_id, fired_at, profit_pct, threshold_pct, exchange
    )
    SELECT $1,$2,$3,$4,$5,$6
    WHERE NOT EXISTS (
        SELECT 1 FROM alert_dispatches
        WHERE rule_id = $1
          AND user_id = $2
          AND fired_at > $3 - make_interval(secs => $7)
    )
    RETURNING id;`

	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock($1);`

	listRecentDispatchesSQL = `SELECT
        id, rule_id, user_id, fired_at, profit_pct, threshold_pct, exchange, created_at
    FROM alert_dispatches
    ORDER BY fired_at DESC
    LIMIT $1;`

	deleteDispatchesBeforeSQL = `DELETE FROM alert_dispatches WHERE fired_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore persists per-cycle opportunity samples.
type SampleStore interface {
	UpsertSample(ctx context.Context, sample OpportunitySample) error
	ListRecentSamples(ctx context.Context, limit int) ([]OpportunitySample, error)
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]OpportunitySample, error)
}

// RuleStore exposes the alert subscription surface consumed by the
// evaluator and the management CLI.
type RuleStore interface {
	ListActiveRules(ctx context.Context, pair string) ([]AlertRule, error)
	ListRules(ctx context.Context, limit int) ([]AlertRule, error)
	CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
}

// DispatchClaim carries one attempt to fire an alert.
type DispatchClaim struct {
	RuleID       int64
	UserID       int64
	FiredAt      time.Time
	ProfitPct    decimal.Decimal
	ThresholdPct decimal.Decimal
	Exchange     string
	Cooldown     time.Duration
}

// DispatchLedger is the durable record of fired alerts. ClaimDispatch is
// the only write path and performs the cooldown check and the insert as one
// atomic operation.
type DispatchLedger interface {
	LastDispatch(ctx context.Context, ruleID, userID int64) (time.Time, bool, error)
	ClaimDispatch(ctx context.Context, claim DispatchClaim) (AlertDispatch, error)
	ListRecentDispatches(ctx context.Context, limit int) ([]AlertDispatch, error)
	DeleteDispatchesBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes session advisory lock helpers for cross-process
// cycle serialization.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to samples, rules, and the dispatch ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts a session advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; the session release covers it
		}
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertSample persists or updates one cycle's sample.
func (s *Store) UpsertSample(ctx context.Context, sample OpportunitySample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, upsertSampleSQL,
		sample.Bucket,
		sample.Pair,
		sample.Exchange,
		sample.Price.String(),
		sample.ReferenceRate.String(),
		sample.RateSource,
		sample.ProfitPct.String(),
		sample.APYPct.String(),
		sample.RiskTier,
		sample.VolumeUSD.String(),
		sample.Sources,
		sample.Status,
		errMsg,
		[]byte(sample.Quote),
	)
	if execErr != nil {
		return fmt.Errorf("upsert opportunity sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]OpportunitySample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]OpportunitySample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// ListActiveRules returns the enabled rules subscribed to a pair.
func (s *Store) ListActiveRules(ctx context.Context, pair string) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveRulesSQL, pair)
	if queryErr != nil {
		return nil, fmt.Errorf("list active rules: %w", queryErr)
	}
	defer rows.Close()

	return collectRules(rows)
}

// ListRules returns rules regardless of state, for the management CLI.
func (s *Store) ListRules(ctx context.Context, limit int) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRulesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list rules: %w", queryErr)
	}
	defer rows.Close()

	return collectRules(rows)
}

// CreateRule persists a new alert rule.
func (s *Store) CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}

	row := pool.QueryRow(ctx, insertRuleSQL,
		rule.UserID,
		rule.ChatID,
		rule.Pair,
		rule.ThresholdPct.String(),
		rule.CooldownSeconds,
		rule.Enabled,
	)
	if scanErr := row.Scan(&rule.ID, &rule.CreatedAt); scanErr != nil {
		return AlertRule{}, fmt.Errorf("insert alert rule: %w", scanErr)
	}
	return rule, nil
}

// SetRuleEnabled flips a rule's enabled flag.
func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, setRuleEnabledSQL, id, enabled)
	if execErr != nil {
		return fmt.Errorf("set rule enabled: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// LastDispatch returns the most recent fired_at for a (rule, user), with
// ok=false when no dispatch has ever fired.
func (s *Store) LastDispatch(ctx context.Context, ruleID, userID int64) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var firedAt time.Time
	scanErr := pool.QueryRow(ctx, lastDispatchSQL, ruleID, userID).Scan(&firedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if scanErr != nil {
		return time.Time{}, false, fmt.Errorf("last dispatch: %w", scanErr)
	}
	return firedAt, true, nil
}

// ClaimDispatch atomically verifies the cooldown and records the dispatch.
// A transaction-scoped advisory lock serializes claims per rule, so two
// racing evaluation passes cannot both clear the NOT EXISTS check; the
// loser receives ErrCooldownActive.
func (s *Store) ClaimDispatch(ctx context.Context, claim DispatchClaim) (AlertDispatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertDispatch{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return AlertDispatch{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, advisoryXactLockSQL, dispatchLockNS^claim.RuleID); err != nil {
		return AlertDispatch{}, fmt.Errorf("rule advisory lock: %w", err)
	}

	var id int64
	scanErr := tx.QueryRow(ctx, claimDispatchSQL,
		claim.RuleID,
		claim.UserID,
		claim.FiredAt,
		claim.ProfitPct.String(),
		claim.ThresholdPct.String(),
		claim.Exchange,
		claim.Cooldown.Seconds(),
	).Scan(&id)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertDispatch{}, ErrCooldownActive
	}
	if scanErr != nil {
		return AlertDispatch{}, fmt.Errorf("claim dispatch: %w", scanErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return AlertDispatch{}, fmt.Errorf("commit claim tx: %w", err)
	}

	return AlertDispatch{
		ID:           id,
		RuleID:       claim.RuleID,
		UserID:       claim.UserID,
		FiredAt:      claim.FiredAt,
		ProfitPct:    claim.ProfitPct,
		ThresholdPct: claim.ThresholdPct,
		Exchange:     claim.Exchange,
	}, nil
}

// ListRecentDispatches lists most recent fired alerts.
func (s *Store) ListRecentDispatches(ctx context.Context, limit int) ([]AlertDispatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDispatchesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent dispatches: %w", queryErr)
	}
	defer rows.Close()

	dispatches := make([]AlertDispatch, 0, limit)
	for rows.Next() {
		var rec AlertDispatch
		var profitStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.RuleID,
			&rec.UserID,
			&rec.FiredAt,
			&profitStr,
			&thresholdStr,
			&rec.Exchange,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.ProfitPct, convErr = decimal.NewFromString(profitStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse profit pct: %w", convErr)
		}
		rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", convErr)
		}

		dispatches = append(dispatches, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return dispatches, nil
}

// DeleteDispatchesBefore prunes historical dispatch records.
func (s *Store) DeleteDispatchesBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteDispatchesBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete dispatches before: %w", execErr)
	}
	return nil
}

func collectRules(rows pgx.Rows) ([]AlertRule, error) {
	rules := make([]AlertRule, 0)
	for rows.Next() {
		var rule AlertRule
		var thresholdStr string
		if err := rows.Scan(
			&rule.ID,
			&rule.UserID,
			&rule.ChatID,
			&rule.Pair,
			&thresholdStr,
			&rule.CooldownSeconds,
			&rule.Enabled,
			&rule.CreatedAt,
		); err != nil {
			return nil, err
		}

		threshold, convErr := decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", convErr)
		}
		rule.ThresholdPct = threshold

		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

func collectSamples(rows pgx.Rows, sizeHint int) ([]OpportunitySample, error) {
	samples := make([]OpportunitySample, 0, sizeHint)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanSample(rows pgx.Rows) (OpportunitySample, error) {
	var (
		sample    OpportunitySample
		priceStr  string
		rateStr   string
		profitStr string
		apyStr    string
		volumeStr string
		errMsg    sql.NullString
	)

	if err := rows.Scan(
		&sample.Bucket,
		&sample.Pair,
		&sample.Exchange,
		&priceStr,
		&rateStr,
		&sample.RateSource,
		&profitStr,
		&apyStr,
		&sample.RiskTier,
		&volumeStr,
		&sample.Sources,
		&sample.Status,
		&errMsg,
		&sample.CreatedAt,
	); err != nil {
		return OpportunitySample{}, err
	}

	for _, conv := range []struct {
		src string
		dst *decimal.Decimal
		tag string
	}{
		{priceStr, &sample.Price, "price"},
		{rateStr, &sample.ReferenceRate, "reference rate"},
		{profitStr, &sample.ProfitPct, "profit pct"},
		{apyStr, &sample.APYPct, "apy pct"},
		{volumeStr, &sample.VolumeUSD, "volume usd"},
	} {
		value, err := decimal.NewFromString(conv.src)
		if err != nil {
			return OpportunitySample{}, fmt.Errorf("parse %s: %w", conv.tag, err)
		}
		*conv.dst = value
	}

	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}

	return sample, nil
}
