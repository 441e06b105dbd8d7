// Package service implements the session snapshot lifecycle: disk cache
// bootstrap, refresh decisions driven by a manifest of source fingerprints,
// single-flight refreshes, and coalesced direct loads.
package service

import (
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kmckiern/agent-sessions/internal/cache"
	. "github.com/kmckiern/agent-sessions/internal/logging"
	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/query"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

// EnvStrictCache forces blocking refreshes: reads never serve a stale
// snapshot while a refresh runs in the background.
const EnvStrictCache = "AGENT_SESSIONS_STRICT_CACHE"

func strictCacheMode() bool {
	return cache.Truthy(os.Getenv(EnvStrictCache))
}

// LoadResult reports how a session lookup was satisfied.
type LoadResult struct {
	Session     *model.SessionRecord
	Source      string
	ParseMS     float64
	CacheStatus string
}

type providerSessionKey struct {
	provider  string
	sessionID string
}

type inflightDirectLoad struct {
	done        chan struct{}
	result      *model.SessionRecord
	parseMS     float64
	cacheStatus string
}

// SessionService is the gateway for cached session access and querying.
// All exported methods are safe for concurrent use.
type SessionService struct {
	providerOverrides []provider.SessionProvider
	clock             func() time.Time

	mu          sync.Mutex
	refreshCond *sync.Cond

	// providerIOMu serializes provider enumeration, manifest construction,
	// and direct loads: providers share mutable state (attached caches).
	providerIOMu sync.Mutex

	providers []provider.SessionProvider

	sessions     []*model.SessionRecord
	byPath       map[string]*model.SessionRecord
	byProviderID map[providerSessionKey]*model.SessionRecord

	manifest     cache.Manifest
	manifestHash string
	cacheKey     string

	refreshInterval *time.Duration
	lastLoaded      time.Time

	serveStaleWhileRevalidate  bool
	backgroundRefresh          bool
	bootstrapped               bool
	startupValidationScheduled bool

	refreshInflight bool
	directInflight  map[string]*inflightDirectLoad

	metadataCache         *cache.DiskMetadataCache
	directDiskCache       *cache.DiskSessionCache
	directDiskCacheLoaded bool
}

// Option configures a SessionService.
type Option func(*SessionService)

// WithProviders pins the provider set instead of the default registry.
// Pinned providers disable stale-while-revalidate: refreshes block.
func WithProviders(providers []provider.SessionProvider) Option {
	return func(s *SessionService) {
		s.providerOverrides = append([]provider.SessionProvider(nil), providers...)
	}
}

// WithRefreshInterval sets how long a snapshot stays fresh. Zero or
// negative means every read re-validates.
func WithRefreshInterval(interval time.Duration) Option {
	return func(s *SessionService) { s.refreshInterval = &interval }
}

// WithoutRefresh keeps a populated snapshot forever; only an empty snapshot
// triggers a load.
func WithoutRefresh() Option {
	return func(s *SessionService) { s.refreshInterval = nil }
}

// WithBackgroundRefresh serves the current snapshot while refreshes run in
// the background, even when the provider set is pinned. The default provider
// set already behaves this way unless strict cache mode is set.
func WithBackgroundRefresh() Option {
	return func(s *SessionService) { s.backgroundRefresh = true }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *SessionService) { s.clock = clock }
}

const defaultRefreshInterval = 5 * time.Second

// New creates a session service.
func New(opts ...Option) *SessionService {
	interval := defaultRefreshInterval
	s := &SessionService{
		clock:           time.Now,
		refreshInterval: &interval,
		byPath:          make(map[string]*model.SessionRecord),
		byProviderID:    make(map[providerSessionKey]*model.SessionRecord),
		directInflight:  make(map[string]*inflightDirectLoad),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refreshCond = sync.NewCond(&s.mu)
	if s.providerOverrides != nil {
		s.providers = append([]provider.SessionProvider(nil), s.providerOverrides...)
	}
	s.serveStaleWhileRevalidate = (s.providerOverrides == nil || s.backgroundRefresh) && !strictCacheMode()
	s.metadataCache = cache.MetadataCacheFromEnv()
	s.directDiskCache = cache.SessionCacheFromEnv()
	return s
}

// ListSessions runs a query against the current snapshot.
func (s *SessionService) ListSessions(q query.SessionQuery, maxPageSize int) query.SessionPage {
	return query.Run(s.allSessions(), q, maxPageSize)
}

// AllSessions returns a copy of the full snapshot, newest first.
func (s *SessionService) AllSessions() []*model.SessionRecord {
	return s.allSessions()
}

// GetSession resolves one session by provider and id, optionally pinned to
// a source path.
func (s *SessionService) GetSession(providerName, sessionID, sourcePath string) *model.SessionRecord {
	return s.GetSessionWithMetrics(providerName, sessionID, sourcePath).Session
}

// GetSessionWithMetrics resolves one session and reports how. A source path
// tries a direct provider load first, falling back to the snapshot.
func (s *SessionService) GetSessionWithMetrics(providerName, sessionID, sourcePath string) LoadResult {
	if providerName == "" && sourcePath == "" {
		return LoadResult{Source: "invalid", CacheStatus: "miss"}
	}

	if sourcePath != "" {
		direct := s.loadSessionFromSourcePathCoalesced(sourcePath, sessionID, providerName)
		if direct.Session != nil {
			return direct
		}
	}

	s.ensureSnapshotReady()
	session := s.lookupCachedSession(providerName, sessionID, sourcePath)
	if session == nil {
		return LoadResult{Source: "snapshot", CacheStatus: "miss"}
	}
	return LoadResult{Session: session, Source: "snapshot", CacheStatus: "hit"}
}

// Invalidate marks the snapshot stale so the next read re-validates.
func (s *SessionService) Invalidate() {
	s.mu.Lock()
	s.lastLoaded = time.Time{}
	s.startupValidationScheduled = false
	s.mu.Unlock()
}

func (s *SessionService) allSessions() []*model.SessionRecord {
	s.ensureSnapshotReady()
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.SessionRecord(nil), s.sessions...)
}

func (s *SessionService) shouldReloadLocked(hasSessions bool) bool {
	if !hasSessions {
		return true
	}
	if s.refreshInterval == nil {
		return false
	}
	if *s.refreshInterval <= 0 {
		return true
	}
	return s.clock().Sub(s.lastLoaded) > *s.refreshInterval
}

func (s *SessionService) ensureSnapshotReady() {
	var blockingReason, backgroundReason string

	s.mu.Lock()
	if len(s.sessions) == 0 {
		s.bootstrapFromDiskCacheLocked()
		if len(s.sessions) == 0 {
			blockingReason = "startup_miss"
		} else if s.shouldReloadLocked(true) {
			if s.serveStaleWhileRevalidate {
				backgroundReason = "startup_refresh_interval"
			} else {
				blockingReason = "startup_refresh_interval"
			}
		} else if s.serveStaleWhileRevalidate && !s.startupValidationScheduled {
			backgroundReason = "startup_validate"
			s.startupValidationScheduled = true
		}
	} else if s.shouldReloadLocked(true) {
		if s.serveStaleWhileRevalidate {
			backgroundReason = "refresh_interval"
		} else {
			blockingReason = "refresh_interval"
		}
	}
	s.mu.Unlock()

	if blockingReason != "" {
		s.refreshBlocking(blockingReason)
	} else if backgroundReason != "" {
		s.refreshAsync(backgroundReason)
	}
}

func (s *SessionService) bootstrapFromDiskCacheLocked() {
	if s.bootstrapped {
		return
	}
	s.bootstrapped = true

	providers := s.providersLocked()
	cacheKey := computeCacheKey(providers)
	s.cacheKey = cacheKey

	started := time.Now()
	snapshot, _ := s.metadataCache.Load(cacheKey)
	loadMS := millisSince(started)

	if snapshot == nil {
		telemetry.Event("startup.metadata_cache",
			"status", "miss", "cache_read_ms", loadMS)
		return
	}

	s.applySnapshotLocked(snapshot.Sessions, snapshot.Manifest, snapshot.ManifestHash, cacheKey)
	telemetry.Event("startup.metadata_cache",
		"status", "hit", "cache_read_ms", loadMS, "sessions", len(snapshot.Sessions))
}

func (s *SessionService) refreshAsync(reason string) {
	s.mu.Lock()
	if s.refreshInflight {
		s.mu.Unlock()
		return
	}
	s.refreshInflight = true
	s.mu.Unlock()
	go s.refreshWorker(reason)
}

func (s *SessionService) refreshBlocking(reason string) {
	s.mu.Lock()
	if s.refreshInflight {
		for s.refreshInflight {
			s.refreshCond.Wait()
		}
		s.mu.Unlock()
		return
	}
	s.refreshInflight = true
	s.mu.Unlock()
	s.refreshWorker(reason)
}

func (s *SessionService) refreshWorker(reason string) {
	defer func() {
		s.mu.Lock()
		s.refreshInflight = false
		s.refreshCond.Broadcast()
		s.mu.Unlock()
	}()
	s.refreshSnapshot(reason)
}

func (s *SessionService) refreshSnapshot(reason string) {
	manifestStarted := time.Now()
	s.providerIOMu.Lock()
	providers := s.providersForRefresh()
	cacheKey := computeCacheKey(providers)
	manifest := buildManifest(providers)
	s.providerIOMu.Unlock()
	manifestMS := millisSince(manifestStarted)
	manifestHash := manifestHashFor(manifest)

	s.mu.Lock()
	previousManifestHash := s.manifestHash
	hasSessions := len(s.sessions) > 0
	previousCacheKey := s.cacheKey
	s.cacheKey = cacheKey
	s.mu.Unlock()

	cacheKeyChanged := previousCacheKey != "" && previousCacheKey != cacheKey
	manifestVerifiable := len(manifest) > 0
	manifestChanged := manifestVerifiable && manifestHash != previousManifestHash
	shouldRebuild := cacheKeyChanged || !hasSessions
	if !shouldRebuild {
		if !manifestVerifiable {
			shouldRebuild = true
		} else {
			shouldRebuild = manifestChanged
		}
	}

	if !shouldRebuild {
		s.mu.Lock()
		s.manifest = manifest
		s.manifestHash = manifestHash
		s.lastLoaded = s.clock()
		s.mu.Unlock()
		telemetry.Event("startup.cache_decision",
			"status", "hit", "reason", reason, "rebuild_ms", 0.0, "manifest_ms", manifestMS)
		return
	}

	rebuildStarted := time.Now()
	s.providerIOMu.Lock()
	sessions := s.loadSessionsWithCache(providers)
	s.providerIOMu.Unlock()
	rebuildMS := millisSince(rebuildStarted)

	s.mu.Lock()
	s.applySnapshotLocked(sessions, manifest, manifestHash, cacheKey)
	s.mu.Unlock()

	writeStarted := time.Now()
	s.metadataCache.Persist(cacheKey, manifestHash, manifest, sessions)
	cacheWriteMS := millisSince(writeStarted)
	L_elapsed(rebuildStarted, "session snapshot rebuilt", "sessions", len(sessions), "reason", reason)

	status := "miss"
	if hasSessions {
		status = "stale"
	}
	telemetry.Event("startup.cache_decision",
		"status", status, "reason", reason, "rebuild_ms", rebuildMS,
		"manifest_ms", manifestMS, "cache_write_ms", cacheWriteMS,
		"sessions", len(sessions))
}

func (s *SessionService) loadSessionsWithCache(providers []provider.SessionProvider) []*model.SessionRecord {
	diskCache := cache.SessionCacheFromEnv()

	cacheReadStarted := time.Now()
	diskCache.Load()
	cacheReadMS := millisSince(cacheReadStarted)

	for _, p := range providers {
		p.AttachCache(diskCache)
	}

	indexStarted := time.Now()
	sessions := collectProviderSessions(providers)
	indexMS := millisSince(indexStarted)

	cacheWriteStarted := time.Now()
	diskCache.Persist()
	cacheWriteMS := millisSince(cacheWriteStarted)

	telemetry.Event("startup.index_load",
		"cache_read_ms", cacheReadMS, "index_load_ms", indexMS,
		"cache_write_ms", cacheWriteMS, "sessions", len(sessions))
	return sessions
}

// collectProviderSessions aggregates every provider's sessions into one
// slice sorted by most recent activity.
func collectProviderSessions(providers []provider.SessionProvider) []*model.SessionRecord {
	var records []*model.SessionRecord
	for _, p := range providers {
		records = append(records, p.Sessions()...)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return recordActivityKey(records[i]) > recordActivityKey(records[j])
	})
	return records
}

func recordActivityKey(record *model.SessionRecord) float64 {
	if !record.UpdatedAt.IsZero() {
		return float64(record.UpdatedAt.UnixNano())
	}
	if !record.StartedAt.IsZero() {
		return float64(record.StartedAt.UnixNano())
	}
	return math.Inf(-1)
}

func (s *SessionService) loadSessionFromSourcePathCoalesced(sourcePath, sessionID, providerName string) LoadResult {
	keyProvider := providerName
	if keyProvider == "" {
		keyProvider = "*"
	}
	key := keyProvider + "::" + sourcePath + "::" + sessionID

	s.mu.Lock()
	inflight, waiting := s.directInflight[key]
	if !waiting {
		inflight = &inflightDirectLoad{done: make(chan struct{}), cacheStatus: "miss"}
		s.directInflight[key] = inflight
	}
	s.mu.Unlock()

	if waiting {
		<-inflight.done
		return LoadResult{
			Session:     inflight.result,
			Source:      "direct-coalesced",
			ParseMS:     inflight.parseMS,
			CacheStatus: inflight.cacheStatus,
		}
	}

	defer func() {
		close(inflight.done)
		s.mu.Lock()
		delete(s.directInflight, key)
		s.mu.Unlock()
	}()

	started := time.Now()
	record := s.loadSessionFromSourcePath(sourcePath, sessionID, providerName)
	inflight.parseMS = millisSince(started)
	inflight.result = record
	if record != nil {
		inflight.cacheStatus = "hit"
		s.mu.Lock()
		s.upsertSessionLocked(record)
		s.mu.Unlock()
	}
	return LoadResult{
		Session:     record,
		Source:      "direct",
		ParseMS:     inflight.parseMS,
		CacheStatus: inflight.cacheStatus,
	}
}

func (s *SessionService) loadSessionFromSourcePath(sourcePath, sessionID, providerName string) *model.SessionRecord {
	providers := s.providersForLookup()
	if providerName != "" {
		for _, candidate := range providers {
			if candidate.Name() == providerName {
				return s.tryDirectLoad(candidate, sourcePath, sessionID)
			}
		}
		return nil
	}
	for _, candidate := range providers {
		if record := s.tryDirectLoad(candidate, sourcePath, sessionID); record != nil {
			return record
		}
	}
	return nil
}

func (s *SessionService) tryDirectLoad(p provider.SessionProvider, sourcePath, sessionID string) *model.SessionRecord {
	s.providerIOMu.Lock()
	record := p.LoadSessionFromSourcePath(sourcePath, sessionID)
	s.providerIOMu.Unlock()
	if record != nil {
		telemetry.Event("session.direct_load",
			"provider", p.Name(), "status", "hit", "source_path", sourcePath)
	}
	return record
}

func (s *SessionService) lookupCachedSession(providerName, sessionID, sourcePath string) *model.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if providerName != "" && sessionID != "" {
		record := s.byProviderID[providerSessionKey{provider: providerName, sessionID: sessionID}]
		if record != nil {
			if sourcePath == "" || record.SourcePath == sourcePath {
				return record
			}
		}
	}
	if sourcePath != "" {
		if record := s.byPath[sourcePath]; record != nil {
			return record
		}
	}
	return nil
}

func (s *SessionService) providersLocked() []provider.SessionProvider {
	if s.providers == nil {
		s.providers = provider.DefaultProviders()
	}
	return s.providers
}

func (s *SessionService) providersForLookup() []provider.SessionProvider {
	s.mu.Lock()
	providers := append([]provider.SessionProvider(nil), s.providersLocked()...)
	s.ensureDirectDiskCacheLoadedLocked()
	diskCache := s.directDiskCache
	s.mu.Unlock()
	for _, p := range providers {
		p.AttachCache(diskCache)
	}
	return providers
}

// providersForRefresh builds fresh providers each refresh under default
// operation so per-refresh state (memoized metadata, attached caches) never
// leaks across cycles. Pinned providers are reused as-is.
func (s *SessionService) providersForRefresh() []provider.SessionProvider {
	if s.providerOverrides == nil {
		return provider.DefaultProviders()
	}
	return s.providersForLookup()
}

func (s *SessionService) ensureDirectDiskCacheLoadedLocked() {
	if s.directDiskCacheLoaded {
		return
	}
	started := time.Now()
	s.directDiskCache.Load()
	s.directDiskCacheLoaded = true
	telemetry.Event("session.direct_cache_read", "cache_read_ms", millisSince(started))
}

func (s *SessionService) applySnapshotLocked(sessions []*model.SessionRecord, manifest cache.Manifest, manifestHash, cacheKey string) {
	s.sessions = append([]*model.SessionRecord(nil), sessions...)
	s.manifest = make(cache.Manifest, len(manifest))
	for key, entry := range manifest {
		s.manifest[key] = entry
	}
	s.manifestHash = manifestHash
	s.cacheKey = cacheKey
	s.lastLoaded = s.clock()

	byPath := make(map[string]*model.SessionRecord, len(s.sessions))
	byProviderID := make(map[providerSessionKey]*model.SessionRecord, len(s.sessions))
	for _, record := range s.sessions {
		byPath[record.SourcePath] = record
		byProviderID[providerSessionKey{provider: record.Provider, sessionID: record.SessionID}] = record
	}
	s.byPath = byPath
	s.byProviderID = byProviderID
}

func (s *SessionService) upsertSessionLocked(record *model.SessionRecord) {
	key := providerSessionKey{provider: record.Provider, sessionID: record.SessionID}
	existing := s.byProviderID[key]

	if existing == nil {
		s.sessions = append(s.sessions, record)
	} else {
		replaced := false
		for i, candidate := range s.sessions {
			if candidate == existing {
				s.sessions[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			s.sessions = append(s.sessions, record)
		}
	}

	s.byProviderID[key] = record
	s.byPath[record.SourcePath] = record
}

func millisSince(started time.Time) float64 {
	return float64(time.Since(started)) / float64(time.Millisecond)
}
