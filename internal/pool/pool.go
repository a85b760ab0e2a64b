package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultProviderType names the single provider this pool file tracks when
// the on-disk shape is the legacy object-keyed form.
const DefaultProviderType = "claude-kiro-oauth"

// ErrNoAccount is returned by Select when no account satisfies the filter.
var ErrNoAccount = errors.New("pool: no healthy account available")

// fileShape records which of the two legacy pool-file layouts was read, so
// Manager can write back in the same shape it found.
type fileShape int

const (
	shapeArray fileShape = iota
	shapeObject
)

// Options configures a new Manager.
type Options struct {
	FilePath            string
	MaxErrorCount        int64
	SaveDebounce         time.Duration
	HealthCheckInterval  time.Duration
	Logger               *slog.Logger
}

// Manager holds the ordered set of accounts and coordinates selection,
// health-budget tracking, and debounced persistence. All state is guarded by
// a single mutex; network I/O (refresh, probe, generate) never happens while
// the mutex is held.
type Manager struct {
	mu       sync.Mutex
	accounts []*Account
	byUUID   map[string]*Account

	filePath     string
	shape        fileShape
	providerType string

	maxErrorCount       int64
	saveDebounce        time.Duration
	healthCheckInterval time.Duration

	saveTimer *time.Timer
	logger    *slog.Logger
}

// NewManager loads the pool file (if present) and returns a ready Manager.
// A missing file is not an error: the pool simply starts empty, using the
// array shape for future writes.
func NewManager(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxErr := opts.MaxErrorCount
	if maxErr <= 0 {
		maxErr = 3
	}
	debounce := opts.SaveDebounce
	if debounce <= 0 {
		debounce = time.Second
	}
	healthInterval := opts.HealthCheckInterval
	if healthInterval <= 0 {
		healthInterval = 10 * time.Minute
	}

	m := &Manager{
		byUUID:              make(map[string]*Account),
		filePath:            opts.FilePath,
		shape:               shapeArray,
		providerType:        DefaultProviderType,
		maxErrorCount:       maxErr,
		saveDebounce:        debounce,
		healthCheckInterval: healthInterval,
		logger:              logger,
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	if m.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pool: read %s: %w", m.filePath, err)
	}

	var arr []*Account
	if err := json.Unmarshal(data, &arr); err == nil {
		m.shape = shapeArray
		m.setAccounts(arr)
		return nil
	}

	var obj map[string][]*Account
	if err := json.Unmarshal(data, &obj); err == nil {
		m.shape = shapeObject
		for providerType, accs := range obj {
			m.providerType = providerType
			m.setAccounts(accs)
			break
		}
		return nil
	}

	return fmt.Errorf("pool: %s is neither an account array nor a provider-keyed object", m.filePath)
}

func (m *Manager) setAccounts(accs []*Account) {
	m.accounts = accs
	m.byUUID = make(map[string]*Account, len(accs))
	for _, a := range accs {
		m.byUUID[a.UUID] = a
	}
}

// AddAccount appends a new account to the pool and schedules a save.
func (m *Manager) AddAccount(a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.UUID == "" {
		return errors.New("pool: account uuid is required")
	}
	if _, exists := m.byUUID[a.UUID]; exists {
		return fmt.Errorf("pool: account %s already exists", a.UUID)
	}
	m.accounts = append(m.accounts, a)
	m.byUUID[a.UUID] = a
	m.scheduleSaveLocked()
	return nil
}

// RemoveAccount deletes an account from the pool and schedules a save.
func (m *Manager) RemoveAccount(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUUID[uuid]; !ok {
		return fmt.Errorf("pool: account %s not found", uuid)
	}
	delete(m.byUUID, uuid)
	for i, a := range m.accounts {
		if a.UUID == uuid {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			break
		}
	}
	m.scheduleSaveLocked()
	return nil
}

// GetAllAccounts returns a snapshot copy of every account in the pool.
func (m *Manager) GetAllAccounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, len(m.accounts))
	for i, a := range m.accounts {
		out[i] = a.Clone()
	}
	return out
}

// GetAccount returns a snapshot copy of one account, if present.
func (m *Manager) GetAccount(uuid string) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byUUID[uuid]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Select implements the §4.1 LRU selection algorithm: filter to
// healthy-and-not-disabled accounts, optionally drop those that exclude
// requestedModel, and return the least-recently-used of what remains.
// excluded names account UUIDs to skip (used by the fallback chain).
func (m *Manager) Select(requestedModel string, excluded map[string]bool, skipUsageCount bool) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Account
	for _, a := range m.accounts {
		if a.IsDisabled || !a.IsHealthy {
			continue
		}
		if excluded != nil && excluded[a.UUID] {
			continue
		}
		if !a.supportsModel(requestedModel) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, ErrNoAccount
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := candidates[i].lastUsedTime(), candidates[j].lastUsedTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return candidates[i].UsageCount < candidates[j].UsageCount
	})

	selected := candidates[0]
	if !skipUsageCount {
		selected.UsageCount++
		selected.LastUsed = time.Now().UTC().Format(time.RFC3339)
		m.scheduleSaveLocked()
	}
	return selected.Clone(), nil
}

// MarkHealthy records a successful call against an account. probe is true
// when the success came from a health probe rather than user traffic.
func (m *Manager) MarkHealthy(uuid string, probe bool, modelName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byUUID[uuid]
	if !ok {
		return
	}
	a.IsHealthy = true
	a.ErrorCount = 0
	a.LastErrorTime = ""
	a.LastErrorMessage = ""
	now := time.Now().UTC().Format(time.RFC3339)
	if probe {
		a.LastHealthCheckTime = now
		a.LastHealthCheckModel = modelName
		a.UsageCount = 0
	} else {
		a.UsageCount++
		a.LastUsed = now
	}
	m.scheduleSaveLocked()
}

// MarkUnhealthy records a failed call. When ErrorCount reaches the
// configured maximum, IsHealthy flips to false.
func (m *Manager) MarkUnhealthy(uuid string, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byUUID[uuid]
	if !ok {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	a.ErrorCount++
	a.LastErrorTime = now
	a.LastErrorMessage = message
	a.LastUsed = now // keep LRU from immediately re-selecting this account
	if a.ErrorCount >= m.maxErrorCount {
		a.IsHealthy = false
	}
	m.scheduleSaveLocked()
}

// UpdateTokens merges a fresh access/refresh token pair (and optional
// profile ARN) into the in-memory account, e.g. after a successful refresh.
func (m *Manager) UpdateTokens(uuid, accessToken, refreshToken, expiresAt, profileARN string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byUUID[uuid]
	if !ok {
		return
	}
	a.AccessToken = accessToken
	if refreshToken != "" {
		a.RefreshToken = refreshToken
	}
	if expiresAt != "" {
		a.ExpiresAt = expiresAt
	}
	if profileARN != "" {
		a.ProfileARN = profileARN
	}
	m.scheduleSaveLocked()
}

// Summary reports counts for GET /health and GET /provider_health.
type Summary struct {
	Total   int
	Healthy int
}

// Summarize returns the current total/healthy account counts.
func (m *Manager) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{Total: len(m.accounts)}
	for _, a := range m.accounts {
		if a.IsHealthy && !a.IsDisabled {
			s.Healthy++
		}
	}
	return s
}

// scheduleSaveLocked coalesces mutations into a single debounced flush.
// Must be called with m.mu held.
func (m *Manager) scheduleSaveLocked() {
	if m.filePath == "" || m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(m.saveDebounce, func() {
		if err := m.flush(); err != nil {
			m.logger.Error("pool: flush failed", "error", err)
		}
	})
}

// Flush forces an immediate persist, bypassing the debounce timer. Useful on
// graceful shutdown so no mutation is lost.
func (m *Manager) Flush() error {
	m.mu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.mu.Unlock()
	return m.flush()
}

func (m *Manager) flush() error {
	m.mu.Lock()
	m.saveTimer = nil
	accountsCopy := make([]*Account, len(m.accounts))
	for i, a := range m.accounts {
		accountsCopy[i] = a.Clone()
	}
	shape := m.shape
	providerType := m.providerType
	path := m.filePath
	m.mu.Unlock()

	if path == "" {
		return nil
	}

	var payload any
	if shape == shapeObject {
		payload = map[string][]*Account{providerType: accountsCopy}
	} else {
		payload = accountsCopy
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("pool: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pool: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".provider_pools-*.tmp")
	if err != nil {
		return fmt.Errorf("pool: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("pool: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pool: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pool: rename temp file: %w", err)
	}
	return nil
}
