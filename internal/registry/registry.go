// Package registry is the authoritative mapping from public file id to
// metadata. It owns record creation, expiry, access tokens, download
// accounting and reconciliation against the content store.
//
// Records live in memory and every mutation is written through a Persister
// before it becomes visible. Mutations are serialized per id; operations on
// different ids only share brief map-level locks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"file-relay/internal/metrics"
)

// DefaultTTL applies when Options.TTL is zero.
const DefaultTTL = 5 * time.Minute

// Persister is durable storage for records. Save must replace any previous
// version of the record atomically; Delete of an absent id is not an error.
type Persister interface {
	LoadAll(ctx context.Context) ([]FileRecord, error)
	Save(ctx context.Context, rec FileRecord) error
	Delete(ctx context.Context, id string) error
}

// Content is the part of the content store the registry needs to keep
// metadata and bytes consistent.
type Content interface {
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Options configures a Registry.
type Options struct {
	TTL            time.Duration
	TokenPolicy    TokenPolicy
	CountDownloads bool
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	// Now overrides the clock; tests use it to step over expiry boundaries.
	Now func() time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	store          Persister
	content        Content
	ttl            time.Duration
	policy         TokenPolicy
	countDownloads bool
	now            func() time.Time
	log            *zap.Logger
	metrics        *metrics.Metrics

	mu      sync.RWMutex
	records map[string]*FileRecord
	closing bool

	locks *keyedMutex
	bg    sync.WaitGroup
}

// New builds an empty registry. Call Load to pick up persisted records.
func New(store Persister, content Content, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TokenPolicy == "" {
		opts.TokenPolicy = TokenRequired
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		store:          store,
		content:        content,
		ttl:            opts.TTL,
		policy:         opts.TokenPolicy,
		countDownloads: opts.CountDownloads,
		now:            opts.Now,
		log:            opts.Logger.Named("registry"),
		metrics:        opts.Metrics,
		records:        make(map[string]*FileRecord),
		locks:          newKeyedMutex(),
	}
}

// ParseID checks that id is a canonical, lower-case UUID string. It never
// touches storage, so it is safe to run on hostile input.
func ParseID(id string) (string, error) {
	if len(id) != 36 {
		return "", ErrInvalidID
	}
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return "", ErrInvalidID
	}
	return id, nil
}

// Load replaces the in-memory state with what the persister holds.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load records: %w", ErrPersistence, err)
	}

	r.mu.Lock()
	r.records = make(map[string]*FileRecord, len(recs))
	for i := range recs {
		rec := recs[i]
		r.records[rec.ID] = &rec
	}
	n := len(r.records)
	r.mu.Unlock()

	r.metrics.SetRecords(n)
	r.log.Info("records loaded", zap.Int("count", n))
	return nil
}

// Create registers metadata for bytes already written to the content store.
// On error nothing is visible and the caller must remove the bytes.
func (r *Registry) Create(ctx context.Context, f NewFile) (FileRecord, error) {
	if f.StorageKey == "" {
		return FileRecord{}, errStorageKeyMissing
	}

	token, err := newAccessToken()
	if err != nil {
		return FileRecord{}, err
	}

	for {
		id := uuid.NewString()

		unlock := r.locks.Lock(id)
		if _, taken := r.get(id); taken {
			unlock()
			continue
		}

		// Microseconds: the finest precision every backend round-trips.
		now := r.now().UTC().Truncate(time.Microsecond)
		rec := FileRecord{
			ID:           id,
			OriginalName: f.OriginalName,
			StorageKey:   f.StorageKey,
			MimeType:     f.MimeType,
			SizeBytes:    f.SizeBytes,
			ContentHash:  f.ContentHash,
			CreatedAt:    now,
			ExpiresAt:    now.Add(r.ttl),
			AccessToken:  token,
		}

		if err := r.store.Save(ctx, rec); err != nil {
			unlock()
			r.log.Error("create: persist failed", zap.String("file_id", id), zap.Error(err))
			return FileRecord{}, fmt.Errorf("%w: save %s: %w", ErrPersistence, id, err)
		}

		r.mu.Lock()
		r.records[id] = &rec
		n := len(r.records)
		r.mu.Unlock()
		unlock()

		r.metrics.RecordCreate()
		r.metrics.SetRecords(n)
		r.log.Debug("record created",
			zap.String("file_id", id),
			zap.Int64("size_bytes", rec.SizeBytes),
			zap.Time("expires_at", rec.ExpiresAt),
		)
		return rec, nil
	}
}

// Lookup returns the live record for id. Expired records are evicted in the
// background; records whose content has vanished are evicted before
// returning. Both read as ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, id string) (FileRecord, error) {
	if _, err := ParseID(id); err != nil {
		r.metrics.RecordLookup(metrics.LookupInvalid)
		return FileRecord{}, ErrNotFound
	}

	rec, ok := r.get(id)
	if !ok {
		r.metrics.RecordLookup(metrics.LookupMissing)
		return FileRecord{}, ErrNotFound
	}

	if rec.Expired(r.now()) {
		r.metrics.RecordLookup(metrics.LookupExpired)
		r.evictLater(id)
		return FileRecord{}, ErrNotFound
	}

	exists, err := r.content.Exists(ctx, rec.StorageKey)
	if err != nil {
		r.metrics.RecordLookup(metrics.LookupError)
		return FileRecord{}, fmt.Errorf("%w: stat content for %s: %w", ErrPersistence, id, err)
	}
	if !exists {
		r.metrics.RecordLookup(metrics.LookupInconsistent)
		r.healMissing(ctx, id, rec.StorageKey)
		return FileRecord{}, ErrNotFound
	}

	r.metrics.RecordLookup(metrics.LookupHit)
	return rec, nil
}

// VerifyToken compares presented against the stored token in constant time.
// It returns false when the record does not exist.
func (r *Registry) VerifyToken(id, presented string) bool {
	stored := ""
	if rec, ok := r.get(id); ok {
		stored = rec.AccessToken
	}
	// Compare even when absent so a miss costs the same as a mismatch.
	match := tokensEqual(stored, presented)
	return stored != "" && match
}

// Authorize applies the configured token policy.
func (r *Registry) Authorize(id, presented string) bool {
	if presented == "" && r.policy == TokenOptional {
		return true
	}
	return r.VerifyToken(id, presented)
}

// TokenPolicy reports the configured policy.
func (r *Registry) TokenPolicy() TokenPolicy {
	return r.policy
}

// RecordDownload adds one to the download counter and persists it. The
// write is synchronous under the id lock but failures are only logged:
// delivery of the bytes must not depend on accounting.
func (r *Registry) RecordDownload(ctx context.Context, id string) {
	if !r.countDownloads {
		return
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	rec, ok := r.records[id]
	var snapshot FileRecord
	if ok {
		rec.DownloadCount++
		snapshot = *rec
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("download recorded for absent record", zap.String("file_id", id))
		return
	}

	if err := r.store.Save(ctx, snapshot); err != nil {
		r.metrics.RecordAccountingError()
		r.log.Warn("download count not persisted",
			zap.String("file_id", id),
			zap.Int64("download_count", snapshot.DownloadCount),
			zap.Error(err),
		)
	}
}

// Evict removes the record and its bytes. Evicting an absent id is a no-op.
// The returned error only reports a failed metadata delete; the record is
// gone from memory either way.
func (r *Registry) Evict(ctx context.Context, id string) error {
	if _, err := ParseID(id); err != nil {
		return nil
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, ok := r.get(id)
	if !ok {
		return nil
	}
	return r.remove(ctx, rec, metrics.ReasonExplicit)
}

// SweepExpired evicts every record past its expiry and returns how many
// were removed. It works from a snapshot of ids and re-checks each one under
// its own lock, so concurrent requests are never blocked by the whole sweep.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := r.now()

	r.mu.RLock()
	var ids []string
	for id, rec := range r.records {
		if rec.Expired(now) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	var (
		count int
		errs  []error
	)
	for _, id := range ids {
		evicted, err := r.evictExpired(ctx, id)
		if evicted {
			count++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return count, errors.Join(errs...)
}

// Reconcile drops every record whose bytes are missing from the content
// store. It is meant for startup, after Load.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	type entry struct{ id, key string }

	r.mu.RLock()
	entries := make([]entry, 0, len(r.records))
	for id, rec := range r.records {
		entries = append(entries, entry{id: id, key: rec.StorageKey})
	}
	r.mu.RUnlock()

	var (
		healed int
		errs   []error
	)
	for _, e := range entries {
		exists, err := r.content.Exists(ctx, e.key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: stat content for %s: %w", ErrPersistence, e.id, err))
			continue
		}
		if !exists && r.healMissing(ctx, e.id, e.key) {
			healed++
		}
	}
	return healed, errors.Join(errs...)
}

// Len reports the number of records held, live or not yet swept.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Close waits for background evictions started by Lookup. Expired records
// found after Close are left for the next sweep.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.bg.Wait()
}

func (r *Registry) get(id string) (FileRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return FileRecord{}, false
	}
	return *rec, true
}

func (r *Registry) evictLater(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if _, err := r.evictExpired(context.Background(), id); err != nil {
			r.log.Warn("lazy eviction failed", zap.String("file_id", id), zap.Error(err))
		}
	}()
}

// evictExpired re-reads the record under its lock and only removes it if it
// is still present and still expired at this moment.
func (r *Registry) evictExpired(ctx context.Context, id string) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, ok := r.get(id)
	if !ok || !rec.Expired(r.now()) {
		return false, nil
	}
	return true, r.remove(ctx, rec, metrics.ReasonExpired)
}

// healMissing drops metadata whose content is gone. It reports whether this
// call removed the record.
func (r *Registry) healMissing(ctx context.Context, id, storageKey string) bool {
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, ok := r.get(id)
	if !ok || rec.StorageKey != storageKey {
		return false
	}

	r.log.Warn("consistency: content missing, removing metadata",
		zap.String("file_id", id),
		zap.String("reason", metrics.ReasonInconsistent),
	)
	if err := r.remove(ctx, rec, metrics.ReasonInconsistent); err != nil {
		r.log.Error("consistency: metadata delete failed", zap.String("file_id", id), zap.Error(err))
	}
	return true
}

// remove deletes metadata first and content second. Callers hold the id lock.
func (r *Registry) remove(ctx context.Context, rec FileRecord, reason string) error {
	var persistErr error
	if err := r.store.Delete(ctx, rec.ID); err != nil {
		r.log.Error("evict: metadata delete failed", zap.String("file_id", rec.ID), zap.Error(err))
		persistErr = fmt.Errorf("%w: delete %s: %w", ErrPersistence, rec.ID, err)
	}

	r.mu.Lock()
	delete(r.records, rec.ID)
	n := len(r.records)
	r.mu.Unlock()

	if reason != metrics.ReasonInconsistent {
		if err := r.content.Delete(ctx, rec.StorageKey); err != nil {
			// Orphaned bytes are preferable to metadata that can never be reclaimed.
			r.log.Warn("evict: content delete failed", zap.String("file_id", rec.ID), zap.Error(err))
		}
	}

	r.metrics.SetRecords(n)
	r.metrics.RecordEviction(reason)
	r.log.Debug("record evicted", zap.String("file_id", rec.ID), zap.String("reason", reason))
	return persistErr
}
