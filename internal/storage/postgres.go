package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var sqlMigrations embed.FS

const pgTimeout = 60 * time.Second

// PostgresStore keeps credentials and config in PostgreSQL with JSONB
// columns. Schema is applied through embedded migrations at Init.
type PostgresStore struct {
	db    *sql.DB
	dsn   string
	cache *configCache
}

func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn, cache: newConfigCache()}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return err
	}
	if err := s.ReloadConfigCache(ctx); err != nil {
		_ = db.Close()
		return err
	}
	log.Info("postgres storage initialized")
	return nil
}

func (s *PostgresStore) migrate() error {
	src, err := iofs.New(sqlMigrations, "sql")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(s.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) table(ns Namespace) string {
	if ns == NamespaceAntigravity {
		return "antigravity_credentials"
	}
	return "credentials"
}

func withPGTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, pgTimeout)
}

func (s *PostgresStore) StoreCredential(ctx context.Context, ns Namespace, filename string, data map[string]any) bool {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	t := s.table(ns)

	if rt := refreshTokenOf(data); rt != "" {
		var existing string
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT filename FROM %s WHERE credential_data->>'refresh_token' = $1 AND filename <> $2 LIMIT 1`, t),
			rt, filename).Scan(&existing)
		if err == nil {
			log.WithFields(log.Fields{"filename": filename, "existing": existing}).
				Warn("duplicate refresh token, credential rejected")
			return false
		}
		if !errors.Is(err, sql.ErrNoRows) {
			log.WithError(err).Error("credential dedup check failed")
			return false
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		log.WithError(err).Error("marshal credential data")
		return false
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (filename, credential_data, rotation_order)
		VALUES ($1, $2, COALESCE((SELECT MAX(rotation_order) FROM %s), 0) + 1)
		ON CONFLICT (filename) DO UPDATE SET
			credential_data = EXCLUDED.credential_data,
			updated_at = NOW()`, t, t),
		filename, raw)
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("store credential failed")
		return false
	}
	return true
}

func (s *PostgresStore) GetCredential(ctx context.Context, ns Namespace, filename string) map[string]any {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT credential_data FROM %s WHERE filename = $1`, s.table(ns)),
		filename).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("get credential failed")
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		log.WithError(err).WithField("filename", filename).Error("decode credential data")
		return nil
	}
	return data
}

func (s *PostgresStore) ListCredentials(ctx context.Context, ns Namespace) []string {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT filename FROM %s ORDER BY rotation_order`, s.table(ns)))
	if err != nil {
		log.WithError(err).Error("list credentials failed")
		return nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.WithError(err).Error("scan credential filename")
			return nil
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).Error("list credentials failed")
		return nil
	}
	return names
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, ns Namespace, filename string) bool {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE filename = $1`, s.table(ns)), filename)
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("delete credential failed")
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

func (s *PostgresStore) GetAllCredentials(ctx context.Context, ns Namespace) []CredentialRecord {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT filename, credential_data, disabled, error_codes, last_success,
		       COALESCE(user_email, ''), model_cooldowns, rotation_order, call_count
		FROM %s ORDER BY rotation_order`, s.table(ns)))
	if err != nil {
		log.WithError(err).Error("load credentials failed")
		return nil
	}
	defer rows.Close()

	var records []CredentialRecord
	for rows.Next() {
		var (
			r                        CredentialRecord
			rawData, rawErrs, rawCDs []byte
		)
		if err := rows.Scan(&r.Filename, &rawData, &r.State.Disabled, &rawErrs,
			&r.State.LastSuccess, &r.State.UserEmail, &rawCDs, &r.RotationOrder, &r.CallCount); err != nil {
			log.WithError(err).Error("scan credential row")
			return nil
		}
		if err := json.Unmarshal(rawData, &r.Data); err != nil {
			log.WithError(err).WithField("filename", r.Filename).Warn("skip undecodable credential")
			continue
		}
		_ = json.Unmarshal(rawErrs, &r.State.ErrorCodes)
		_ = json.Unmarshal(rawCDs, &r.State.ModelCooldowns)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).Error("load credentials failed")
		return nil
	}
	return records
}

func (s *PostgresStore) GetCredentialState(ctx context.Context, ns Namespace, filename string) CredentialState {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var (
		state            CredentialState
		rawErrs, rawCDs  []byte
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT disabled, error_codes, last_success, COALESCE(user_email, ''), model_cooldowns
		FROM %s WHERE filename = $1`, s.table(ns)),
		filename).Scan(&state.Disabled, &rawErrs, &state.LastSuccess, &state.UserEmail, &rawCDs)
	if errors.Is(err, sql.ErrNoRows) {
		return CredentialState{}
	}
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("get credential state failed")
		return CredentialState{}
	}
	_ = json.Unmarshal(rawErrs, &state.ErrorCodes)
	_ = json.Unmarshal(rawCDs, &state.ModelCooldowns)
	return state
}

func (s *PostgresStore) UpdateCredentialState(ctx context.Context, ns Namespace, filename string, updates map[string]any) bool {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	set := "updated_at = NOW()"
	args := []any{filename}
	add := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	for key, v := range updates {
		switch key {
		case "disabled":
			add("disabled", v)
		case "last_success":
			add("last_success", v)
		case "user_email":
			add("user_email", v)
		case "error_codes", "model_cooldowns":
			raw, err := json.Marshal(v)
			if err != nil {
				log.WithError(err).WithField("field", key).Error("marshal state field")
				return false
			}
			add(key, raw)
		default:
			log.WithField("field", key).Warn("ignoring unknown state field")
		}
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE filename = $1`, s.table(ns), set), args...)
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("update credential state failed")
		return false
	}
	return true
}

func (s *PostgresStore) SetModelCooldown(ctx context.Context, ns Namespace, filename, model string, until float64) bool {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	t := s.table(ns)

	var err error
	if until > 0 {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET
				model_cooldowns = jsonb_set(COALESCE(model_cooldowns, '{}'::jsonb), ARRAY[$2], to_jsonb($3::double precision), true),
				updated_at = NOW()
			WHERE filename = $1`, t),
			filename, model, until)
	} else {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET model_cooldowns = model_cooldowns - $2, updated_at = NOW()
			WHERE filename = $1`, t),
			filename, model)
	}
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("set model cooldown failed")
		return false
	}
	return true
}

func (s *PostgresStore) IncrementCallCount(ctx context.Context, ns Namespace, filename string) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET call_count = call_count + 1 WHERE filename = $1`, s.table(ns)),
		filename)
	if err != nil {
		log.WithError(err).WithField("filename", filename).Warn("increment call count failed")
	}
}

func (s *PostgresStore) GetCredentialsSummary(ctx context.Context, ns Namespace, f SummaryFilter) Summary {
	return summarize(s.GetAllCredentials(ctx, ns), f)
}

func (s *PostgresStore) GetConfig(key string) (any, bool) { return s.cache.get(key) }
func (s *PostgresStore) AllConfig() map[string]any        { return s.cache.all() }

func (s *PostgresStore) SetConfig(ctx context.Context, key string, value any) bool {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	raw, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).WithField("key", key).Error("marshal config value")
		return false
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, raw)
	if err != nil {
		log.WithError(err).WithField("key", key).Error("set config failed")
		return false
	}
	s.cache.set(key, value)
	return true
}

func (s *PostgresStore) DeleteConfig(ctx context.Context, key string) bool {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = $1`, key)
	if err != nil {
		log.WithError(err).WithField("key", key).Error("delete config failed")
		return false
	}
	s.cache.delete(key)
	return true
}

func (s *PostgresStore) ReloadConfigCache(ctx context.Context) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer rows.Close()

	data := map[string]any{}
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return fmt.Errorf("scan config row: %w", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			log.WithError(err).WithField("key", key).Warn("skip undecodable config value")
			continue
		}
		data[key] = v
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.cache.replace(data)
	return nil
}
