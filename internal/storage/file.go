package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	stateFileName  = ".state.json"
	configFileName = "config.json"
)

// fileMeta is the per-credential bookkeeping kept in the shared state file.
type fileMeta struct {
	State         CredentialState `json:"state"`
	RotationOrder int             `json:"rotation_order"`
	CallCount     int64           `json:"call_count"`
}

// FileStore is the local-directory fallback backend. Credentials are plain
// JSON files so bundles can be dropped into the directory by hand; runtime
// state lives in a single sidecar document. An fsnotify watcher invalidates
// the in-memory view when the directory changes underneath the process.
type FileStore struct {
	dir     string
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cache   *configCache

	creds map[string]map[string]any // "<ns>/<filename>" -> bundle
	meta  map[string]*fileMeta      // same keying
	dirty bool
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, cache: newConfigCache()}
}

func (s *FileStore) nsDir(ns Namespace) string {
	if ns == NamespaceAntigravity {
		return filepath.Join(s.dir, "antigravity")
	}
	return s.dir
}

func metaKey(ns Namespace, filename string) string {
	return string(ns) + "/" + filename
}

func (s *FileStore) Init(ctx context.Context) error {
	for _, dir := range []string{s.nsDir(NamespaceDefault), s.nsDir(NamespaceAntigravity)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create credentials directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range []string{s.nsDir(NamespaceDefault), s.nsDir(NamespaceAntigravity)} {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	s.watcher = watcher
	go s.watch()

	s.mu.Lock()
	err = s.reloadLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.ReloadConfigCache(ctx); err != nil {
		return err
	}
	log.WithField("dir", s.dir).Info("file storage initialized")
	return nil
}

func (s *FileStore) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if name == stateFileName || name == configFileName {
				continue
			}
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("credential directory watch error")
		}
	}
}

func (s *FileStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// reloadLocked rebuilds the credential and meta views from disk.
func (s *FileStore) reloadLocked() error {
	creds := map[string]map[string]any{}
	meta := map[string]*fileMeta{}

	raw, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			log.WithError(err).Warn("state file unreadable, starting fresh")
			meta = map[string]*fileMeta{}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read state file: %w", err)
	}

	for _, ns := range []Namespace{NamespaceDefault, NamespaceAntigravity} {
		entries, err := os.ReadDir(s.nsDir(ns))
		if err != nil {
			return fmt.Errorf("read credentials directory: %w", err)
		}
		order := 0
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") ||
				e.Name() == stateFileName || e.Name() == configFileName {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(s.nsDir(ns), e.Name()))
			if err != nil {
				log.WithError(err).WithField("filename", e.Name()).Warn("skip unreadable credential file")
				continue
			}
			var data map[string]any
			if err := json.Unmarshal(raw, &data); err != nil {
				log.WithError(err).WithField("filename", e.Name()).Warn("skip undecodable credential file")
				continue
			}
			key := metaKey(ns, e.Name())
			creds[key] = data
			order++
			if meta[key] == nil {
				meta[key] = &fileMeta{RotationOrder: order}
			}
		}
	}

	s.creds = creds
	s.meta = meta
	s.dirty = false
	return nil
}

func (s *FileStore) ensureFreshLocked() {
	if s.creds == nil || s.dirty {
		if err := s.reloadLocked(); err != nil {
			log.WithError(err).Error("reload credentials failed")
		}
	}
}

func (s *FileStore) persistMetaLocked() bool {
	raw, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		log.WithError(err).Error("marshal state file")
		return false
	}
	if err := writeFileAtomic(filepath.Join(s.dir, stateFileName), raw); err != nil {
		log.WithError(err).Error("write state file")
		return false
	}
	return true
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) StoreCredential(ctx context.Context, ns Namespace, filename string, data map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()

	key := metaKey(ns, filename)
	if rt := refreshTokenOf(data); rt != "" {
		for other, bundle := range s.creds {
			if other != key && strings.HasPrefix(other, string(ns)+"/") && refreshTokenOf(bundle) == rt {
				log.WithFields(log.Fields{"filename": filename, "existing": other}).
					Warn("duplicate refresh token, credential rejected")
				return false
			}
		}
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		log.WithError(err).Error("marshal credential data")
		return false
	}
	if err := writeFileAtomic(filepath.Join(s.nsDir(ns), filename), raw); err != nil {
		log.WithError(err).WithField("filename", filename).Error("write credential file")
		return false
	}
	s.creds[key] = data
	if s.meta[key] == nil {
		maxOrder := 0
		for other, m := range s.meta {
			if strings.HasPrefix(other, string(ns)+"/") && m.RotationOrder > maxOrder {
				maxOrder = m.RotationOrder
			}
		}
		s.meta[key] = &fileMeta{RotationOrder: maxOrder + 1}
	}
	return s.persistMetaLocked()
}

func (s *FileStore) GetCredential(ctx context.Context, ns Namespace, filename string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()
	return s.creds[metaKey(ns, filename)]
}

func (s *FileStore) ListCredentials(ctx context.Context, ns Namespace) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()

	var names []string
	prefix := string(ns) + "/"
	for key := range s.creds {
		if strings.HasPrefix(key, prefix) {
			names = append(names, strings.TrimPrefix(key, prefix))
		}
	}
	return names
}

func (s *FileStore) DeleteCredential(ctx context.Context, ns Namespace, filename string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()

	key := metaKey(ns, filename)
	if _, ok := s.creds[key]; !ok {
		return false
	}
	if err := os.Remove(filepath.Join(s.nsDir(ns), filename)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("filename", filename).Error("delete credential file")
		return false
	}
	delete(s.creds, key)
	delete(s.meta, key)
	s.persistMetaLocked()
	s.dirty = false
	return true
}

func (s *FileStore) GetAllCredentials(ctx context.Context, ns Namespace) []CredentialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()

	var records []CredentialRecord
	prefix := string(ns) + "/"
	for key, data := range s.creds {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		m := s.meta[key]
		if m == nil {
			m = &fileMeta{}
		}
		records = append(records, CredentialRecord{
			Filename:      strings.TrimPrefix(key, prefix),
			Data:          data,
			State:         m.State,
			RotationOrder: m.RotationOrder,
			CallCount:     m.CallCount,
		})
	}
	return records
}

func (s *FileStore) GetCredentialState(ctx context.Context, ns Namespace, filename string) CredentialState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()

	if m := s.meta[metaKey(ns, filename)]; m != nil {
		return m.State
	}
	return CredentialState{}
}

func (s *FileStore) UpdateCredentialState(ctx context.Context, ns Namespace, filename string, updates map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()

	key := metaKey(ns, filename)
	m := s.meta[key]
	if m == nil {
		m = &fileMeta{}
		s.meta[key] = m
	}
	for field, v := range updates {
		switch field {
		case "disabled":
			if b, ok := v.(bool); ok {
				m.State.Disabled = b
			}
		case "last_success":
			if f, ok := toFloat(v); ok {
				m.State.LastSuccess = f
			}
		case "user_email":
			if str, ok := v.(string); ok {
				m.State.UserEmail = str
			}
		case "error_codes":
			m.State.ErrorCodes = toIntSlice(v)
		case "model_cooldowns":
			switch cd := v.(type) {
			case map[string]float64:
				m.State.ModelCooldowns = cd
			case map[string]any:
				out := make(map[string]float64, len(cd))
				for mk, mv := range cd {
					if f, ok := toFloat(mv); ok {
						out[mk] = f
					}
				}
				m.State.ModelCooldowns = out
			}
		default:
			log.WithField("field", field).Warn("ignoring unknown state field")
		}
	}
	return s.persistMetaLocked()
}

func (s *FileStore) SetModelCooldown(ctx context.Context, ns Namespace, filename, model string, until float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()

	key := metaKey(ns, filename)
	m := s.meta[key]
	if m == nil {
		m = &fileMeta{}
		s.meta[key] = m
	}
	if until > 0 {
		if m.State.ModelCooldowns == nil {
			m.State.ModelCooldowns = map[string]float64{}
		}
		m.State.ModelCooldowns[model] = until
	} else {
		delete(m.State.ModelCooldowns, model)
	}
	return s.persistMetaLocked()
}

func (s *FileStore) IncrementCallCount(ctx context.Context, ns Namespace, filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()

	if m := s.meta[metaKey(ns, filename)]; m != nil {
		m.CallCount++
		s.persistMetaLocked()
	}
}

func (s *FileStore) GetCredentialsSummary(ctx context.Context, ns Namespace, f SummaryFilter) Summary {
	return summarize(s.GetAllCredentials(ctx, ns), f)
}

func (s *FileStore) GetConfig(key string) (any, bool) { return s.cache.get(key) }
func (s *FileStore) AllConfig() map[string]any        { return s.cache.all() }

func (s *FileStore) SetConfig(ctx context.Context, key string, value any) bool {
	s.cache.set(key, value)
	return s.persistConfig()
}

func (s *FileStore) DeleteConfig(ctx context.Context, key string) bool {
	s.cache.delete(key)
	return s.persistConfig()
}

func (s *FileStore) persistConfig() bool {
	raw, err := json.MarshalIndent(s.cache.all(), "", "  ")
	if err != nil {
		log.WithError(err).Error("marshal config file")
		return false
	}
	if err := writeFileAtomic(filepath.Join(s.dir, configFileName), raw); err != nil {
		log.WithError(err).Error("write config file")
		return false
	}
	return true
}

func (s *FileStore) ReloadConfigCache(ctx context.Context) error {
	raw, err := os.ReadFile(filepath.Join(s.dir, configFileName))
	if os.IsNotExist(err) {
		s.cache.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	s.cache.replace(data)
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toIntSlice(v any) []int {
	switch vv := v.(type) {
	case []int:
		return vv
	case []any:
		out := make([]int, 0, len(vv))
		for _, e := range vv {
			if f, ok := toFloat(e); ok {
				out = append(out, int(f))
			}
		}
		return out
	}
	return nil
}
