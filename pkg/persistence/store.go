// Package persistence stores instance registrations and alert rules in
// SQLite so a restarted pool can rebuild its state.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"agentpool/pkg/alert"
	"agentpool/pkg/logx"
	"agentpool/pkg/pool"
)

// Store wraps one SQLite database. The caller owns the lifecycle: Open at
// startup, Close during shutdown.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens the database at dbPath, creating it if needed, and brings the
// schema up to date.
func Open(dbPath string) (*Store, error) {
	// WAL mode and busy timeout keep the single writer responsive
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("database ready: %s", dbPath)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// SaveInstance inserts or updates an instance declaration. Re-registering a
// known ID clears any earlier deregistration stamp.
func (s *Store) SaveInstance(cfg pool.InstanceConfig) error {
	query := `
		INSERT INTO instances (id, agent_type, endpoint, capacity, cost_cents, probe, registered_at, deregistered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			agent_type = excluded.agent_type,
			endpoint = excluded.endpoint,
			capacity = excluded.capacity,
			cost_cents = excluded.cost_cents,
			probe = excluded.probe,
			registered_at = excluded.registered_at,
			deregistered_at = NULL
	`

	_, err := s.db.Exec(query, cfg.ID, cfg.AgentType, cfg.Endpoint, cfg.Capacity, cfg.CostPerRequest, cfg.Probe, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", cfg.ID, err)
	}
	return nil
}

// MarkDeregistered stamps an instance as removed without losing its row.
func (s *Store) MarkDeregistered(id string) error {
	result, err := s.db.Exec(`UPDATE instances SET deregistered_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deregister instance %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// LoadActiveInstances returns every instance without a deregistration
// stamp, oldest registration first.
func (s *Store) LoadActiveInstances() ([]pool.InstanceConfig, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_type, endpoint, capacity, cost_cents, probe
		FROM instances
		WHERE deregistered_at IS NULL
		ORDER BY registered_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var configs []pool.InstanceConfig
	for rows.Next() {
		var cfg pool.InstanceConfig
		err := rows.Scan(&cfg.ID, &cfg.AgentType, &cfg.Endpoint, &cfg.Capacity, &cfg.CostPerRequest, &cfg.Probe)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return configs, nil
}

// SaveRule inserts or updates an alert rule.
func (s *Store) SaveRule(r alert.Rule) error {
	query := `
		INSERT INTO alert_rules (id, name, condition, threshold, severity, enabled, cooldown_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			condition = excluded.condition,
			threshold = excluded.threshold,
			severity = excluded.severity,
			enabled = excluded.enabled,
			cooldown_seconds = excluded.cooldown_seconds
	`

	_, err := s.db.Exec(query,
		r.ID, r.Name, r.Condition, r.Threshold, r.Severity, r.Enabled,
		int64(r.Cooldown/time.Second), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRule removes an alert rule.
func (s *Store) DeleteRule(id string) error {
	result, err := s.db.Exec(`DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

// LoadRules returns the stored rule set, oldest first.
func (s *Store) LoadRules() ([]alert.Rule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, condition, threshold, severity, enabled, cooldown_seconds
		FROM alert_rules
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []alert.Rule
	for rows.Next() {
		var r alert.Rule
		var cooldownSecs int64
		err := rows.Scan(&r.ID, &r.Name, &r.Condition, &r.Threshold, &r.Severity, &r.Enabled, &cooldownSecs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Cooldown = time.Duration(cooldownSecs) * time.Second
		rules = append(rules, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return rules, nil
}
