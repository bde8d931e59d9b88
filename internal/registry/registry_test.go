package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"file-relay/internal/metrics"
)

type memPersister struct {
	mu        sync.Mutex
	recs      map[string]FileRecord
	saves     int
	failSave  error
	failDel   error
	failLoad  error
	deletedID []string
}

func newMemPersister() *memPersister {
	return &memPersister{recs: make(map[string]FileRecord)}
}

func (p *memPersister) LoadAll(context.Context) ([]FileRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failLoad != nil {
		return nil, p.failLoad
	}
	out := make([]FileRecord, 0, len(p.recs))
	for _, r := range p.recs {
		out = append(out, r)
	}
	return out, nil
}

func (p *memPersister) Save(_ context.Context, rec FileRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave != nil {
		return p.failSave
	}
	p.saves++
	p.recs[rec.ID] = rec
	return nil
}

func (p *memPersister) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDel != nil {
		return p.failDel
	}
	p.deletedID = append(p.deletedID, id)
	delete(p.recs, id)
	return nil
}

func (p *memPersister) get(id string) (FileRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.recs[id]
	return r, ok
}

type memContent struct {
	mu      sync.Mutex
	keys    map[string]bool
	deletes int
	failDel error
}

func newMemContent(keys ...string) *memContent {
	c := &memContent{keys: make(map[string]bool)}
	for _, k := range keys {
		c.keys[k] = true
	}
	return c
}

func (c *memContent) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key], nil
}

func (c *memContent) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	if c.failDel != nil {
		return c.failDel
	}
	delete(c.keys, key)
	return nil
}

func (c *memContent) put(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = true
}

func (c *memContent) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	reg     *Registry
	store   *memPersister
	content *memContent
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, policy TokenPolicy) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemPersister(),
		content: newMemContent(),
		clock:   &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.reg = New(f.store, f.content, Options{
		TTL:            5 * time.Minute,
		TokenPolicy:    policy,
		CountDownloads: true,
		Logger:         zaptest.NewLogger(t),
		Metrics:        f.metrics,
		Now:            f.clock.Now,
	})
	t.Cleanup(f.reg.Close)
	return f
}

func (f *fixture) create(t *testing.T, name, key string) FileRecord {
	t.Helper()
	f.content.put(key)
	rec, err := f.reg.Create(context.Background(), NewFile{
		OriginalName: name,
		StorageKey:   key,
		MimeType:     "application/pdf",
		SizeBytes:    1024,
		ContentHash:  strings.Repeat("ab", 32),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return rec
}

func TestParseID(t *testing.T) {
	cases := []struct {
		name string
		id   string
		ok   bool
	}{
		{"canonical", "3f2b8c1e-9a4d-4e7f-8b6a-1c2d3e4f5a6b", true},
		{"uppercase", "3F2B8C1E-9A4D-4E7F-8B6A-1C2D3E4F5A6B", false},
		{"braces", "{3f2b8c1e-9a4d-4e7f-8b6a-1c2d3e4f5a6b}", false},
		{"urn", "urn:uuid:3f2b8c1e-9a4d-4e7f-8b6a-1c2d3e4f5a6b", false},
		{"no dashes", "3f2b8c1e9a4d4e7f8b6a1c2d3e4f5a6b", false},
		{"traversal", "../../etc/passwd", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseID(tc.id)
			if tc.ok && err != nil {
				t.Fatalf("ParseID(%q) error: %v", tc.id, err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidID) {
				t.Fatalf("ParseID(%q): got %v want ErrInvalidID", tc.id, err)
			}
		})
	}
}

func TestCreateAssignsFields(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "report.pdf", "k1.pdf")

	if _, err := ParseID(rec.ID); err != nil {
		t.Fatalf("generated id %q is not canonical: %v", rec.ID, err)
	}
	if len(rec.AccessToken) != 2*accessTokenBytes {
		t.Fatalf("token length: got %d want %d", len(rec.AccessToken), 2*accessTokenBytes)
	}
	if rec.DownloadCount != 0 {
		t.Fatalf("download count: got %d want 0", rec.DownloadCount)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 5*time.Minute {
		t.Fatalf("ttl: got %v want %v", got, 5*time.Minute)
	}
	stored, ok := f.store.get(rec.ID)
	if !ok {
		t.Fatalf("record was not persisted")
	}
	if stored != rec {
		t.Fatalf("persisted record differs: got %+v want %+v", stored, rec)
	}
}

func TestCreateRejectsEmptyStorageKey(t *testing.T) {
	f := newFixture(t, TokenRequired)
	if _, err := f.reg.Create(context.Background(), NewFile{OriginalName: "a.txt"}); err == nil {
		t.Fatalf("expected error for empty storage key")
	}
	if f.reg.Len() != 0 {
		t.Fatalf("record became visible after failed create")
	}
}

func TestCreatePersistenceFailure(t *testing.T) {
	f := newFixture(t, TokenRequired)
	f.store.failSave = errors.New("disk full")

	_, err := f.reg.Create(context.Background(), NewFile{StorageKey: "k.pdf"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("got %v want ErrPersistence", err)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("record visible after persistence failure")
	}
}

func TestIDsAreUnique(t *testing.T) {
	f := newFixture(t, TokenRequired)
	const n = 500

	seen := make(map[string]bool, n)
	tokens := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		rec := f.create(t, "x.bin", "key-"+strings.Repeat("a", i%7))
		if seen[rec.ID] {
			t.Fatalf("duplicate id %s after %d creates", rec.ID, i)
		}
		if tokens[rec.AccessToken] {
			t.Fatalf("duplicate token after %d creates", i)
		}
		seen[rec.ID] = true
		tokens[rec.AccessToken] = true
	}
}

func TestLookupExpiryBoundary(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "report.pdf", "k.pdf")
	ctx := context.Background()

	f.clock.Advance(5*time.Minute - time.Nanosecond)
	if _, err := f.reg.Lookup(ctx, rec.ID); err != nil {
		t.Fatalf("lookup just before expiry: %v", err)
	}

	f.clock.Advance(time.Nanosecond)
	if _, err := f.reg.Lookup(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup at expiry: got %v want ErrNotFound", err)
	}

	f.reg.Close()
	if f.reg.Len() != 0 {
		t.Fatalf("expired record not lazily evicted")
	}
	if f.content.has("k.pdf") {
		t.Fatalf("content of expired record not deleted")
	}
	if got := testutil.ToFloat64(f.metrics.Evictions().WithLabelValues(metrics.ReasonExpired)); got != 1 {
		t.Fatalf("expired evictions: got %v want 1", got)
	}
}

func TestLookupMalformedIDSkipsStorage(t *testing.T) {
	f := newFixture(t, TokenRequired)
	_, err := f.reg.Lookup(context.Background(), "../../secret")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
	if got := testutil.ToFloat64(f.metrics.Lookups().WithLabelValues(metrics.LookupInvalid)); got != 1 {
		t.Fatalf("invalid lookups: got %v want 1", got)
	}
}

func TestLookupUnknownID(t *testing.T) {
	f := newFixture(t, TokenRequired)
	_, err := f.reg.Lookup(context.Background(), "3f2b8c1e-9a4d-4e7f-8b6a-1c2d3e4f5a6b")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestLookupHealsMissingContent(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "photo.png", "gone.png")
	ctx := context.Background()

	if err := f.content.Delete(ctx, "gone.png"); err != nil {
		t.Fatalf("delete content: %v", err)
	}
	deletesBefore := f.content.deletes

	if _, err := f.reg.Lookup(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
	if _, ok := f.store.get(rec.ID); ok {
		t.Fatalf("metadata still persisted after self-heal")
	}
	if f.content.deletes != deletesBefore {
		t.Fatalf("self-heal should not touch the content store")
	}

	// Restoring the bytes does not resurrect the record.
	f.content.put("gone.png")
	if _, err := f.reg.Lookup(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after restore: got %v want ErrNotFound", err)
	}

	if got := testutil.ToFloat64(f.metrics.Evictions().WithLabelValues(metrics.ReasonInconsistent)); got != 1 {
		t.Fatalf("inconsistent evictions: got %v want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.Evictions().WithLabelValues(metrics.ReasonExpired)); got != 0 {
		t.Fatalf("expired evictions: got %v want 0", got)
	}
}

func TestVerifyToken(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "a.pdf", "a.pdf")

	flipped := []byte(rec.AccessToken)
	flipped[len(flipped)-1] ^= 0x01

	cases := []struct {
		name  string
		id    string
		token string
		want  bool
	}{
		{"valid", rec.ID, rec.AccessToken, true},
		{"one bit flipped", rec.ID, string(flipped), false},
		{"truncated", rec.ID, rec.AccessToken[:len(rec.AccessToken)-1], false},
		{"empty", rec.ID, "", false},
		{"unknown id", "3f2b8c1e-9a4d-4e7f-8b6a-1c2d3e4f5a6b", rec.AccessToken, false},
		{"unknown id empty token", "3f2b8c1e-9a4d-4e7f-8b6a-1c2d3e4f5a6b", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.reg.VerifyToken(tc.id, tc.token); got != tc.want {
				t.Fatalf("VerifyToken: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestAuthorizePolicy(t *testing.T) {
	for _, tc := range []struct {
		policy TokenPolicy
		token  string
		want   bool
	}{
		{TokenRequired, "", false},
		{TokenRequired, "bad", false},
		{TokenOptional, "", true},
		{TokenOptional, "bad", false},
	} {
		f := newFixture(t, tc.policy)
		rec := f.create(t, "a.pdf", "a.pdf")
		if got := f.reg.Authorize(rec.ID, tc.token); got != tc.want {
			t.Fatalf("Authorize(policy=%s, token=%q): got %v want %v", tc.policy, tc.token, got, tc.want)
		}
		if !f.reg.Authorize(rec.ID, rec.AccessToken) {
			t.Fatalf("Authorize(policy=%s) rejected the valid token", tc.policy)
		}
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "a.pdf", "a.pdf")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.reg.Evict(ctx, rec.ID); err != nil {
			t.Fatalf("Evict #%d error: %v", i+1, err)
		}
	}
	if len(f.store.deletedID) != 1 {
		t.Fatalf("metadata deletes: got %d want 1", len(f.store.deletedID))
	}
	if f.content.has("a.pdf") {
		t.Fatalf("content not deleted")
	}
	if err := f.reg.Evict(ctx, "not-an-id"); err != nil {
		t.Fatalf("Evict malformed id: %v", err)
	}
}

func TestEvictContentFailureIsNotPropagated(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "a.pdf", "a.pdf")
	f.content.failDel = errors.New("permission denied")

	if err := f.reg.Evict(context.Background(), rec.ID); err != nil {
		t.Fatalf("Evict error: %v", err)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("record still present")
	}
}

func TestEvictMetadataFailureStillRemoves(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "a.pdf", "a.pdf")
	f.store.failDel = errors.New("io error")

	err := f.reg.Evict(context.Background(), rec.ID)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("got %v want ErrPersistence", err)
	}
	if _, err := f.reg.Lookup(context.Background(), rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup after evict: got %v want ErrNotFound", err)
	}
}

func TestRecordDownload(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "a.pdf", "a.pdf")
	ctx := context.Background()

	f.reg.RecordDownload(ctx, rec.ID)
	f.reg.RecordDownload(ctx, rec.ID)

	got, err := f.reg.Lookup(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if got.DownloadCount != 2 {
		t.Fatalf("download count: got %d want 2", got.DownloadCount)
	}
	stored, _ := f.store.get(rec.ID)
	if stored.DownloadCount != 2 {
		t.Fatalf("persisted download count: got %d want 2", stored.DownloadCount)
	}

	// Absent ids are ignored.
	f.reg.RecordDownload(ctx, "3f2b8c1e-9a4d-4e7f-8b6a-1c2d3e4f5a6b")
}

func TestRecordDownloadPersistenceFailureIsBestEffort(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "a.pdf", "a.pdf")
	f.store.failSave = errors.New("read-only fs")

	f.reg.RecordDownload(context.Background(), rec.ID)

	got, err := f.reg.Lookup(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if got.DownloadCount != 1 {
		t.Fatalf("download count: got %d want 1", got.DownloadCount)
	}
}

func TestRecordDownloadDisabled(t *testing.T) {
	store := newMemPersister()
	content := newMemContent("a.pdf")
	reg := New(store, content, Options{CountDownloads: false})
	defer reg.Close()

	rec, err := reg.Create(context.Background(), NewFile{StorageKey: "a.pdf"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	savesBefore := store.saves
	reg.RecordDownload(context.Background(), rec.ID)
	if store.saves != savesBefore {
		t.Fatalf("download persisted while accounting disabled")
	}
}

func TestConcurrentDownloadsAreCounted(t *testing.T) {
	f := newFixture(t, TokenRequired)
	rec := f.create(t, "a.pdf", "a.pdf")
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.reg.RecordDownload(ctx, rec.ID)
		}()
	}
	wg.Wait()

	got, err := f.reg.Lookup(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if got.DownloadCount != n {
		t.Fatalf("download count: got %d want %d", got.DownloadCount, n)
	}
	if f.reg.locks.size() != 0 {
		t.Fatalf("keyed mutex leaked %d entries", f.reg.locks.size())
	}
}

func TestConcurrentEvictAndLookup(t *testing.T) {
	f := newFixture(t, TokenRequired)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, f.create(t, "a.pdf", "key"+strings.Repeat("x", i)).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 3; j++ {
			wg.Add(2)
			go func(id string) {
				defer wg.Done()
				_ = f.reg.Evict(ctx, id)
			}(id)
			go func(id string) {
				defer wg.Done()
				_, _ = f.reg.Lookup(ctx, id)
			}(id)
		}
	}
	wg.Wait()

	if f.reg.Len() != 0 {
		t.Fatalf("records left: %d", f.reg.Len())
	}
	if got := testutil.ToFloat64(f.metrics.Evictions().WithLabelValues(metrics.ReasonExplicit)); got != 20 {
		t.Fatalf("explicit evictions: got %v want 20", got)
	}
}

func TestConcurrentEvictAndRecordDownload(t *testing.T) {
	f := newFixture(t, TokenRequired)
	ctx := context.Background()

	const rounds = 200
	for i := 0; i < rounds; i++ {
		rec := f.create(t, "a.pdf", fmt.Sprintf("race%d.pdf", i))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.reg.RecordDownload(ctx, rec.ID)
		}()
		go func() {
			defer wg.Done()
			if err := f.reg.Evict(ctx, rec.ID); err != nil {
				t.Errorf("Evict error: %v", err)
			}
		}()
		wg.Wait()

		if _, ok := f.store.get(rec.ID); ok {
			t.Fatalf("round %d: metadata resurrected after evict", i)
		}
	}

	if f.reg.Len() != 0 {
		t.Fatalf("records left: %d", f.reg.Len())
	}
	if f.reg.locks.size() != 0 {
		t.Fatalf("keyed mutex leaked %d entries", f.reg.locks.size())
	}
}

func TestLazyEvictionAndRecordDownload(t *testing.T) {
	f := newFixture(t, TokenRequired)
	ctx := context.Background()

	const rounds = 200
	for i := 0; i < rounds; i++ {
		rec := f.create(t, "a.pdf", fmt.Sprintf("lazy%d.pdf", i))
		f.clock.Advance(5 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.reg.Lookup(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("Lookup of expired record: got %v want ErrNotFound", err)
			}
		}()
		go func() {
			defer wg.Done()
			f.reg.RecordDownload(ctx, rec.ID)
		}()
		wg.Wait()
		f.reg.bg.Wait()

		if _, ok := f.store.get(rec.ID); ok {
			t.Fatalf("round %d: metadata resurrected after lazy eviction", i)
		}
	}

	if f.reg.Len() != 0 {
		t.Fatalf("records left: %d", f.reg.Len())
	}
	if got := testutil.ToFloat64(f.metrics.Evictions().WithLabelValues(metrics.ReasonExpired)); got != rounds {
		t.Fatalf("expired evictions: got %v want %d", got, rounds)
	}
}

func TestCloseStopsLazyEviction(t *testing.T) {
	f := newFixture(t, TokenRequired)
	ctx := context.Background()
	rec := f.create(t, "a.pdf", "a.pdf")

	f.reg.Close()
	f.clock.Advance(5 * time.Minute)

	if _, err := f.reg.Lookup(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after Close: got %v want ErrNotFound", err)
	}
	f.reg.bg.Wait()
	if f.reg.Len() != 1 {
		t.Fatalf("lazy eviction ran after Close: %d records", f.reg.Len())
	}

	n, err := f.reg.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired: got %d, %v want 1, nil", n, err)
	}
	if _, ok := f.store.get(rec.ID); ok {
		t.Fatalf("swept record still persisted")
	}
}

func TestCreateTruncatesToMicroseconds(t *testing.T) {
	f := newFixture(t, TokenRequired)
	f.clock.Advance(1234567 * time.Nanosecond)

	rec := f.create(t, "a.pdf", "a.pdf")
	if rec.CreatedAt.Nanosecond()%1000 != 0 || rec.ExpiresAt.Nanosecond()%1000 != 0 {
		t.Fatalf("sub-microsecond timestamps: %v / %v", rec.CreatedAt, rec.ExpiresAt)
	}
	if want := f.clock.Now().Truncate(time.Microsecond); !rec.CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt: got %v want %v", rec.CreatedAt, want)
	}
	if stored, _ := f.store.get(rec.ID); stored != rec {
		t.Fatalf("persisted record differs: got %+v want %+v", stored, rec)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, TokenRequired)
	ctx := context.Background()

	old1 := f.create(t, "a.pdf", "a.pdf")
	old2 := f.create(t, "b.pdf", "b.pdf")
	f.clock.Advance(3 * time.Minute)
	fresh := f.create(t, "c.pdf", "c.pdf")
	f.clock.Advance(2 * time.Minute)

	n, err := f.reg.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired error: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept: got %d want 2", n)
	}
	for _, id := range []string{old1.ID, old2.ID} {
		if _, ok := f.store.get(id); ok {
			t.Fatalf("expired record %s still persisted", id)
		}
	}
	if _, err := f.reg.Lookup(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh record lost: %v", err)
	}

	n, err = f.reg.SweepExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: got (%d, %v) want (0, nil)", n, err)
	}
}

func TestSweepReportsPersistenceErrors(t *testing.T) {
	f := newFixture(t, TokenRequired)
	f.create(t, "a.pdf", "a.pdf")
	f.clock.Advance(time.Hour)
	f.store.failDel = errors.New("io error")

	n, err := f.reg.SweepExpired(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("got %v want ErrPersistence", err)
	}
	if n != 1 {
		t.Fatalf("swept: got %d want 1", n)
	}
}

func TestLoadAndReconcile(t *testing.T) {
	f := newFixture(t, TokenRequired)
	ctx := context.Background()
	kept := f.create(t, "a.pdf", "a.pdf")
	lost := f.create(t, "b.pdf", "b.pdf")

	restarted := New(f.store, f.content, Options{TTL: 5 * time.Minute, Now: f.clock.Now, Metrics: f.metrics})
	defer restarted.Close()
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if restarted.Len() != 2 {
		t.Fatalf("loaded records: got %d want 2", restarted.Len())
	}

	if err := f.content.Delete(ctx, lost.StorageKey); err != nil {
		t.Fatalf("delete content: %v", err)
	}
	healed, err := restarted.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if healed != 1 {
		t.Fatalf("healed: got %d want 1", healed)
	}
	if _, err := restarted.Lookup(ctx, kept.ID); err != nil {
		t.Fatalf("kept record lost: %v", err)
	}
	if !restarted.VerifyToken(kept.ID, kept.AccessToken) {
		t.Fatalf("token not preserved across reload")
	}
}

func TestLoadFailure(t *testing.T) {
	store := newMemPersister()
	store.failLoad = errors.New("corrupt")
	reg := New(store, newMemContent(), Options{})
	if err := reg.Load(context.Background()); !errors.Is(err, ErrPersistence) {
		t.Fatalf("got %v want ErrPersistence", err)
	}
}

// TestReportLifecycle walks an upload from creation through download,
// expiry and sweep.
func TestReportLifecycle(t *testing.T) {
	f := newFixture(t, TokenRequired)
	ctx := context.Background()

	rec := f.create(t, "report.pdf", "f0e1d2c3.pdf")

	got, err := f.reg.Lookup(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	pub := got.Public()
	if pub.OriginalName != "report.pdf" || pub.MimeType != "application/pdf" {
		t.Fatalf("unexpected public view: %+v", pub)
	}
	if !f.reg.VerifyToken(rec.ID, rec.AccessToken) {
		t.Fatalf("token rejected")
	}
	f.reg.RecordDownload(ctx, rec.ID)

	got, _ = f.reg.Lookup(ctx, rec.ID)
	if got.DownloadCount != 1 {
		t.Fatalf("download count: got %d want 1", got.DownloadCount)
	}

	f.clock.Advance(5*time.Minute + time.Second)
	n, err := f.reg.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired: got (%d, %v) want (1, nil)", n, err)
	}
	if _, err := f.reg.Lookup(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after sweep: got %v want ErrNotFound", err)
	}
	if f.content.has("f0e1d2c3.pdf") {
		t.Fatalf("content not removed by sweep")
	}
	if f.reg.VerifyToken(rec.ID, rec.AccessToken) {
		t.Fatalf("token still valid after sweep")
	}
}

func TestKeyedMutexSeparatesKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("lock on b waited for a")
	}
	unlockA()
	if k.size() != 0 {
		t.Fatalf("entries left: got %d want 0", k.size())
	}
}

func TestParseTokenPolicy(t *testing.T) {
	if p, err := ParseTokenPolicy("optional"); err != nil || p != TokenOptional {
		t.Fatalf("ParseTokenPolicy(optional): got (%q, %v)", p, err)
	}
	if _, err := ParseTokenPolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
