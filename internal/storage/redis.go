package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	redisConfigKey = "gcli:config"

	fieldData           = "credential_data"
	fieldDisabled       = "disabled"
	fieldErrorCodes     = "error_codes"
	fieldLastSuccess    = "last_success"
	fieldUserEmail      = "user_email"
	fieldModelCooldowns = "model_cooldowns"
	fieldRotationOrder  = "rotation_order"
	fieldCallCount      = "call_count"
)

// RedisStore keeps each credential in a hash whose field values are
// JSON-encoded, with a set per namespace indexing the known filenames.
// Works against Redis and Valkey.
type RedisStore struct {
	client *redis.Client
	url    string
	cache  *configCache
}

func NewRedisStore(url string) *RedisStore {
	return &RedisStore{url: url, cache: newConfigCache()}
}

func (s *RedisStore) Init(ctx context.Context) error {
	opts, err := redis.ParseURL(s.url)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 10 * time.Second

	s.client = redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	if err := s.ReloadConfigCache(ctx); err != nil {
		return err
	}
	log.Info("redis storage initialized")
	return nil
}

func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func credKey(ns Namespace, filename string) string {
	if ns == NamespaceAntigravity {
		return "gcli:ag_creds:" + filename
	}
	return "gcli:creds:" + filename
}

func indexKey(ns Namespace) string {
	if ns == NamespaceAntigravity {
		return "gcli:ag_creds_index"
	}
	return "gcli:creds_index"
}

func encodeField(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func (s *RedisStore) StoreCredential(ctx context.Context, ns Namespace, filename string, data map[string]any) bool {
	if rt := refreshTokenOf(data); rt != "" {
		names, err := s.client.SMembers(ctx, indexKey(ns)).Result()
		if err != nil {
			log.WithError(err).Error("credential dedup scan failed")
			return false
		}
		for _, name := range names {
			if name == filename {
				continue
			}
			raw, err := s.client.HGet(ctx, credKey(ns, name), fieldData).Result()
			if err != nil {
				continue
			}
			var existing map[string]any
			if json.Unmarshal([]byte(raw), &existing) == nil && refreshTokenOf(existing) == rt {
				log.WithFields(log.Fields{"filename": filename, "existing": name}).
					Warn("duplicate refresh token, credential rejected")
				return false
			}
		}
	}

	exists, err := s.client.SIsMember(ctx, indexKey(ns), filename).Result()
	if err != nil {
		log.WithError(err).Error("credential index check failed")
		return false
	}

	key := credKey(ns, filename)
	if exists {
		if err := s.client.HSet(ctx, key, fieldData, encodeField(data)).Err(); err != nil {
			log.WithError(err).WithField("filename", filename).Error("store credential failed")
			return false
		}
		return true
	}

	order, err := s.client.SCard(ctx, indexKey(ns)).Result()
	if err != nil {
		log.WithError(err).Error("credential index size failed")
		return false
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldData:           encodeField(data),
		fieldDisabled:       encodeField(false),
		fieldErrorCodes:     encodeField([]int{}),
		fieldLastSuccess:    encodeField(0),
		fieldUserEmail:      encodeField(""),
		fieldModelCooldowns: encodeField(map[string]float64{}),
		fieldRotationOrder:  encodeField(order + 1),
		fieldCallCount:      encodeField(0),
	})
	pipe.SAdd(ctx, indexKey(ns), filename)
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).WithField("filename", filename).Error("store credential failed")
		return false
	}
	return true
}

func (s *RedisStore) GetCredential(ctx context.Context, ns Namespace, filename string) map[string]any {
	raw, err := s.client.HGet(ctx, credKey(ns, filename), fieldData).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("get credential failed")
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		log.WithError(err).WithField("filename", filename).Error("decode credential data")
		return nil
	}
	return data
}

func (s *RedisStore) ListCredentials(ctx context.Context, ns Namespace) []string {
	names, err := s.client.SMembers(ctx, indexKey(ns)).Result()
	if err != nil {
		log.WithError(err).Error("list credentials failed")
		return nil
	}
	return names
}

func (s *RedisStore) DeleteCredential(ctx context.Context, ns Namespace, filename string) bool {
	removed, err := s.client.SRem(ctx, indexKey(ns), filename).Result()
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("delete credential failed")
		return false
	}
	if err := s.client.Del(ctx, credKey(ns, filename)).Err(); err != nil {
		log.WithError(err).WithField("filename", filename).Warn("delete credential hash failed")
	}
	return removed > 0
}

func (s *RedisStore) loadRecord(ctx context.Context, ns Namespace, filename string) (CredentialRecord, error) {
	fields, err := s.client.HGetAll(ctx, credKey(ns, filename)).Result()
	if err != nil {
		return CredentialRecord{}, err
	}
	if len(fields) == 0 {
		return CredentialRecord{}, ErrNotFound
	}
	r := CredentialRecord{Filename: filename}
	if err := json.Unmarshal([]byte(fields[fieldData]), &r.Data); err != nil {
		return CredentialRecord{}, fmt.Errorf("decode credential data: %w", err)
	}
	_ = json.Unmarshal([]byte(fields[fieldDisabled]), &r.State.Disabled)
	_ = json.Unmarshal([]byte(fields[fieldErrorCodes]), &r.State.ErrorCodes)
	_ = json.Unmarshal([]byte(fields[fieldLastSuccess]), &r.State.LastSuccess)
	_ = json.Unmarshal([]byte(fields[fieldUserEmail]), &r.State.UserEmail)
	_ = json.Unmarshal([]byte(fields[fieldModelCooldowns]), &r.State.ModelCooldowns)
	_ = json.Unmarshal([]byte(fields[fieldRotationOrder]), &r.RotationOrder)
	_ = json.Unmarshal([]byte(fields[fieldCallCount]), &r.CallCount)
	return r, nil
}

func (s *RedisStore) GetAllCredentials(ctx context.Context, ns Namespace) []CredentialRecord {
	names := s.ListCredentials(ctx, ns)
	records := make([]CredentialRecord, 0, len(names))
	for _, name := range names {
		r, err := s.loadRecord(ctx, ns, name)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.WithError(err).WithField("filename", name).Warn("skip unreadable credential")
			}
			continue
		}
		records = append(records, r)
	}
	return records
}

func (s *RedisStore) GetCredentialState(ctx context.Context, ns Namespace, filename string) CredentialState {
	r, err := s.loadRecord(ctx, ns, filename)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.WithError(err).WithField("filename", filename).Error("get credential state failed")
		}
		return CredentialState{}
	}
	return r.State
}

func (s *RedisStore) UpdateCredentialState(ctx context.Context, ns Namespace, filename string, updates map[string]any) bool {
	fields := map[string]any{}
	for key, v := range updates {
		switch key {
		case "disabled", "error_codes", "last_success", "user_email", "model_cooldowns":
			fields[key] = encodeField(v)
		default:
			log.WithField("field", key).Warn("ignoring unknown state field")
		}
	}
	if len(fields) == 0 {
		return true
	}
	if err := s.client.HSet(ctx, credKey(ns, filename), fields).Err(); err != nil {
		log.WithError(err).WithField("filename", filename).Error("update credential state failed")
		return false
	}
	return true
}

func (s *RedisStore) SetModelCooldown(ctx context.Context, ns Namespace, filename, model string, until float64) bool {
	raw, err := s.client.HGet(ctx, credKey(ns, filename), fieldModelCooldowns).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.WithError(err).WithField("filename", filename).Error("load model cooldowns failed")
		return false
	}
	cooldowns := map[string]float64{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &cooldowns)
	}
	if until > 0 {
		cooldowns[model] = until
	} else {
		delete(cooldowns, model)
	}
	if err := s.client.HSet(ctx, credKey(ns, filename), fieldModelCooldowns, encodeField(cooldowns)).Err(); err != nil {
		log.WithError(err).WithField("filename", filename).Error("set model cooldown failed")
		return false
	}
	return true
}

func (s *RedisStore) IncrementCallCount(ctx context.Context, ns Namespace, filename string) {
	// JSON-encoded integers are plain digits, so HINCRBY applies directly.
	if err := s.client.HIncrBy(ctx, credKey(ns, filename), fieldCallCount, 1).Err(); err != nil {
		log.WithError(err).WithField("filename", filename).Warn("increment call count failed")
	}
}

func (s *RedisStore) GetCredentialsSummary(ctx context.Context, ns Namespace, f SummaryFilter) Summary {
	return summarize(s.GetAllCredentials(ctx, ns), f)
}

func (s *RedisStore) GetConfig(key string) (any, bool) { return s.cache.get(key) }
func (s *RedisStore) AllConfig() map[string]any        { return s.cache.all() }

func (s *RedisStore) SetConfig(ctx context.Context, key string, value any) bool {
	if err := s.client.HSet(ctx, redisConfigKey, key, encodeField(value)).Err(); err != nil {
		log.WithError(err).WithField("key", key).Error("set config failed")
		return false
	}
	s.cache.set(key, value)
	return true
}

func (s *RedisStore) DeleteConfig(ctx context.Context, key string) bool {
	if err := s.client.HDel(ctx, redisConfigKey, key).Err(); err != nil {
		log.WithError(err).WithField("key", key).Error("delete config failed")
		return false
	}
	s.cache.delete(key)
	return true
}

func (s *RedisStore) ReloadConfigCache(ctx context.Context) error {
	fields, err := s.client.HGetAll(ctx, redisConfigKey).Result()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	data := map[string]any{}
	for key, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			log.WithError(err).WithField("key", key).Warn("skip undecodable config value")
			continue
		}
		data[key] = v
	}
	s.cache.replace(data)
	return nil
}
