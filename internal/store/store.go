package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cloud-relay/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrForbidden = errors.New("store: forbidden")
	ErrInvalid   = errors.New("store: invalid argument")
)

// Store is the directory of accounts, users, instances and API keys. Every
// mutation runs under a single mutex, which is what makes the primary
// instance toggle transactional.
type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex
	logger    zerolog.Logger

	accounts  map[string]model.Account
	users     map[string]model.User
	instances map[string]model.Instance
	apiKeys   map[string]model.APIKey // by hash
}

type Options struct {
	StateFile string
	Logger    zerolog.Logger
}

func New() *Store {
	return NewWithOptions(Options{Logger: zerolog.Nop()})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		stateFile: opts.StateFile,
		logger:    opts.Logger,
		accounts:  make(map[string]model.Account),
		users:     make(map[string]model.User),
		instances: make(map[string]model.Instance),
		apiKeys:   make(map[string]model.APIKey),
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.logger.Error().Err(err).Str("path", s.stateFile).Msg("store persistence: load failed")
		}
	}
	return s
}

func (s *Store) CreateAccount(name string, nowMillis int64) model.Account {
	s.mu.Lock()
	acc := model.Account{ID: uuid.NewString(), Name: name, CreatedAt: nowMillis}
	s.accounts[acc.ID] = acc
	s.unlockAndPersist()
	return acc
}

func (s *Store) GetAccount(accountID string) (model.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[accountID]
	return acc, ok
}

func (s *Store) CreateUser(accountID, name string, nowMillis int64) (model.User, error) {
	s.mu.Lock()
	if _, ok := s.accounts[accountID]; !ok {
		s.mu.Unlock()
		return model.User{}, ErrNotFound
	}
	u := model.User{ID: uuid.NewString(), AccountID: accountID, Name: name, CreatedAt: nowMillis}
	s.users[u.ID] = u
	s.unlockAndPersist()
	return u, nil
}

// GetUser returns non-deleted users only.
func (s *Store) GetUser(userID string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || u.Deleted {
		return model.User{}, false
	}
	return u, true
}

// CreateInstance registers an instance. If the account has no primary
// instance yet, the new one becomes primary in the same critical section.
func (s *Store) CreateInstance(accountID, name string, nowMillis int64) (model.Instance, error) {
	s.mu.Lock()
	if _, ok := s.accounts[accountID]; !ok {
		s.mu.Unlock()
		return model.Instance{}, ErrNotFound
	}

	_, hasPrimary := s.primaryLocked(accountID)
	inst := model.Instance{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Name:      name,
		Primary:   !hasPrimary,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	s.instances[inst.ID] = inst
	s.unlockAndPersist()
	return inst, nil
}

// GetInstance returns non-deleted instances only.
func (s *Store) GetInstance(instanceID string) (model.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok || inst.Deleted {
		return model.Instance{}, false
	}
	return inst, true
}

func (s *Store) ListInstances(accountID string) []model.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Instance, 0)
	for _, inst := range s.instances {
		if inst.AccountID == accountID && !inst.Deleted {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt == result[j].CreatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result
}

func (s *Store) DeleteInstance(accountID, instanceID string, nowMillis int64) error {
	s.mu.Lock()
	inst, err := s.ownedInstanceLocked(accountID, instanceID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	inst.Deleted = true
	inst.Primary = false
	inst.UpdatedAt = nowMillis
	s.instances[instanceID] = inst
	s.unlockAndPersist()
	return nil
}

// SetInstanceAsPrimaryInstance clears the primary flag on every sibling and
// sets it on instanceID as one transaction.
func (s *Store) SetInstanceAsPrimaryInstance(accountID, instanceID string, nowMillis int64) (model.Instance, error) {
	s.mu.Lock()
	target, err := s.ownedInstanceLocked(accountID, instanceID)
	if err != nil {
		s.mu.Unlock()
		return model.Instance{}, err
	}

	for id, inst := range s.instances {
		if inst.AccountID != accountID || !inst.Primary || id == instanceID {
			continue
		}
		inst.Primary = false
		inst.UpdatedAt = nowMillis
		s.instances[id] = inst
	}
	if !target.Primary {
		target.Primary = true
		target.UpdatedAt = nowMillis
		s.instances[instanceID] = target
	}
	s.unlockAndPersist()
	return target, nil
}

func (s *Store) GetPrimaryInstanceByAccount(accountID string) (model.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primaryLocked(accountID)
}

func (s *Store) primaryLocked(accountID string) (model.Instance, bool) {
	for _, inst := range s.instances {
		if inst.AccountID == accountID && inst.Primary && !inst.Deleted {
			return inst, true
		}
	}
	return model.Instance{}, false
}

func (s *Store) ownedInstanceLocked(accountID, instanceID string) (model.Instance, error) {
	inst, ok := s.instances[instanceID]
	if !ok || inst.Deleted {
		return model.Instance{}, ErrNotFound
	}
	if inst.AccountID != accountID {
		return model.Instance{}, ErrForbidden
	}
	return inst, nil
}

func (s *Store) CreateAPIKey(userID, name, hash string, nowMillis int64) (model.APIKey, error) {
	if hash == "" {
		return model.APIKey{}, ErrInvalid
	}
	s.mu.Lock()
	if u, ok := s.users[userID]; !ok || u.Deleted {
		s.mu.Unlock()
		return model.APIKey{}, ErrNotFound
	}
	key := model.APIKey{ID: uuid.NewString(), Hash: hash, UserID: userID, Name: name, CreatedAt: nowMillis}
	s.apiKeys[hash] = key
	s.unlockAndPersist()
	return key, nil
}

// GetUserByAPIKeyHash resolves a key digest to its non-deleted owner.
func (s *Store) GetUserByAPIKeyHash(hash string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[hash]
	if !ok {
		return model.User{}, false
	}
	u, ok := s.users[key.UserID]
	if !ok || u.Deleted {
		return model.User{}, false
	}
	return u, true
}

func (s *Store) DeleteAPIKey(userID, keyID string) error {
	s.mu.Lock()
	for hash, key := range s.apiKeys {
		if key.ID != keyID {
			continue
		}
		if key.UserID != userID {
			s.mu.Unlock()
			return ErrForbidden
		}
		delete(s.apiKeys, hash)
		s.unlockAndPersist()
		return nil
	}
	s.mu.Unlock()
	return ErrNotFound
}

type persistedState struct {
	Version   int              `json:"version"`
	Accounts  []model.Account  `json:"accounts"`
	Users     []model.User     `json:"users"`
	Instances []model.Instance `json:"instances"`
	APIKeys   []model.APIKey   `json:"apiKeys"`
	SavedAt   int64            `json:"savedAt"`
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range file.Accounts {
		if a.ID != "" {
			s.accounts[a.ID] = a
		}
	}
	for _, u := range file.Users {
		if u.ID != "" && u.AccountID != "" {
			s.users[u.ID] = u
		}
	}
	for _, inst := range file.Instances {
		if inst.ID != "" && inst.AccountID != "" {
			s.instances[inst.ID] = inst
		}
	}
	for _, k := range file.APIKeys {
		if k.Hash != "" && k.UserID != "" {
			s.apiKeys[k.Hash] = k
		}
	}
	return nil
}

func (s *Store) snapshotLocked() persistedState {
	st := persistedState{
		Version:   1,
		Accounts:  make([]model.Account, 0, len(s.accounts)),
		Users:     make([]model.User, 0, len(s.users)),
		Instances: make([]model.Instance, 0, len(s.instances)),
		APIKeys:   make([]model.APIKey, 0, len(s.apiKeys)),
	}
	for _, a := range s.accounts {
		st.Accounts = append(st.Accounts, a)
	}
	for _, u := range s.users {
		st.Users = append(st.Users, u)
	}
	for _, inst := range s.instances {
		st.Instances = append(st.Instances, inst)
	}
	for _, k := range s.apiKeys {
		st.APIKeys = append(st.APIKeys, k)
	}
	sort.Slice(st.Accounts, func(i, j int) bool { return st.Accounts[i].ID < st.Accounts[j].ID })
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].ID < st.Users[j].ID })
	sort.Slice(st.Instances, func(i, j int) bool { return st.Instances[i].ID < st.Instances[j].ID })
	sort.Slice(st.APIKeys, func(i, j int) bool { return st.APIKeys[i].ID < st.APIKeys[j].ID })
	return st
}

// unlockAndPersist releases s.mu and writes the snapshot taken while it was
// held. persistMu is acquired before s.mu is released so snapshots reach disk
// in mutation order.
func (s *Store) unlockAndPersist() {
	if s.stateFile == "" {
		s.mu.Unlock()
		return
	}
	snapshot := s.snapshotLocked()
	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()
	s.writeSnapshot(snapshot)
}

func (s *Store) writeSnapshot(state persistedState) {
	path := s.stateFile
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Error().Err(err).Str("dir", dir).Msg("store persistence: mkdir failed")
		return
	}

	state.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("store persistence: marshal failed")
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		s.logger.Error().Err(err).Msg("store persistence: create temp failed")
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		s.logger.Error().Err(err).Msg("store persistence: chmod temp failed")
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		s.logger.Error().Err(err).Msg("store persistence: write temp failed")
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		s.logger.Error().Err(err).Msg("store persistence: sync temp failed")
		return
	}
	if err := tmp.Close(); err != nil {
		s.logger.Error().Err(err).Msg("store persistence: close temp failed")
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		s.logger.Error().Err(err).Msg("store persistence: rename failed")
	}
}
