package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/boxstore"
	"github.com/JakeFAU/shelfbox/internal/clock/system"
	"github.com/JakeFAU/shelfbox/internal/frontier"
	"github.com/JakeFAU/shelfbox/internal/hash/sha256"
	"github.com/JakeFAU/shelfbox/internal/id/uuid"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/storage/memory"
)

const seedURL = "https://example.com/docs/"

func TestWorkerFetchesAndDiscoversInScopeLinks(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.page(seedURL, `<html><head><title>Docs Home</title></head><body>
		<p>Shelf boxes store crawled documentation.</p>
		<a href="intro">Intro</a>
		<a href="/docs/intro#top">Intro again</a>
		<a href="/blog/">Blog</a>
		<a href="https://other.example.org/docs/">Elsewhere</a>
	</body></html>`)
	fetcher.page("https://example.com/docs/intro", `<html><body><a href="/docs/deeper">deeper</a></body></html>`)

	env := newTestEnv(t, 1)
	index := &fakeIndex{}
	w := env.worker(Deps{Fetcher: fetcher, Index: index})
	w.Run(context.Background(), env.run)

	pages, err := boxstore.CollectPages(env.store.Pages(context.Background()))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	for _, p := range pages {
		require.Equal(t, ingest.PageFetched, p.Status, p.URL)
	}
	require.Equal(t, seedURL, pages[0].URL)
	require.Equal(t, "Docs Home", pages[0].Title)
	require.Equal(t, "https://example.com/docs/intro", pages[1].URL)
	require.Equal(t, 1, pages[1].Depth)

	_, ok := env.blobs.Get("pages/" + env.run.Box.ID + "/" + pages[0].ContentHash + ".html")
	require.True(t, ok)

	terms, err := env.store.Terms(context.Background(), pages[0].ID)
	require.NoError(t, err)
	require.Contains(t, terms, "shelf")
	require.GreaterOrEqual(t, terms["doc"], 3)

	require.Equal(t, 2, index.count())
	require.Equal(t, []bool{true, true}, env.reporter.fetchedFlags())
	require.Equal(t, 2, fetcher.calls())
}

func TestWorkerDepthZeroPersistsNoLinks(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.page(seedURL, `<html><body><a href="a">a</a><a href="b">b</a></body></html>`)

	env := newTestEnv(t, 0)
	env.worker(Deps{Fetcher: fetcher}).Run(context.Background(), env.run)

	pages, err := boxstore.CollectPages(env.store.Pages(context.Background()))
	require.NoError(t, err)
	require.Len(t, pages, 1)
}

func TestWorkerRecordsPermanentFailureWithoutRetry(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.fail(seedURL, &ingest.FetchError{URL: seedURL, StatusCode: http.StatusNotFound})

	env := newTestEnv(t, 1)
	env.worker(Deps{Fetcher: fetcher}).Run(context.Background(), env.run)

	page, err := env.store.GetPage(context.Background(), env.seedID)
	require.NoError(t, err)
	require.Equal(t, ingest.PageFailed, page.Status)
	require.Equal(t, http.StatusNotFound, page.StatusCode)
	require.Contains(t, page.ErrorNote, "status 404")
	require.Equal(t, 1, fetcher.calls())
	require.Equal(t, []bool{false}, env.reporter.fetchedFlags())
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.page(seedURL, `<html><body>ok</body></html>`)
	fetcher.failFirst(seedURL, 2, errors.New("connection reset"))

	env := newTestEnv(t, 0)
	env.worker(Deps{
		Fetcher: fetcher,
		Retry:   ingest.NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
	}).Run(context.Background(), env.run)

	page, err := env.store.GetPage(context.Background(), env.seedID)
	require.NoError(t, err)
	require.Equal(t, ingest.PageFetched, page.Status)
	require.Equal(t, 3, fetcher.calls())
}

func TestWorkerHeadlessPromotion(t *testing.T) {
	t.Parallel()

	probe := newFakeFetcher()
	probe.page(seedURL, `<html><body><div id="root"></div></body></html>`)
	rendered := newFakeFetcher()
	rendered.page(seedURL, `<html><head><title>Rendered</title></head><body>hydrated</body></html>`)

	env := newTestEnv(t, 0)
	env.worker(Deps{
		Fetcher:  probe,
		Headless: rendered,
		Detector: promoteAll{},
		Budget:   budget{allow: true},
	}).Run(context.Background(), env.run)

	page, err := env.store.GetPage(context.Background(), env.seedID)
	require.NoError(t, err)
	require.Equal(t, "Rendered", page.Title)
	require.Equal(t, 1, rendered.calls())
	require.True(t, rendered.lastRequest().UseHeadless)
}

func TestWorkerHeadlessBudgetExhausted(t *testing.T) {
	t.Parallel()

	probe := newFakeFetcher()
	probe.page(seedURL, `<html><head><title>Shell</title></head><body></body></html>`)
	rendered := newFakeFetcher()

	env := newTestEnv(t, 0)
	env.worker(Deps{
		Fetcher:  probe,
		Headless: rendered,
		Detector: promoteAll{},
		Budget:   budget{allow: false},
	}).Run(context.Background(), env.run)

	page, err := env.store.GetPage(context.Background(), env.seedID)
	require.NoError(t, err)
	require.Equal(t, "Shell", page.Title)
	require.Zero(t, rendered.calls())
}

func TestWorkerStopsOnClosedFrontier(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1)
	env.run.Frontier.Close()
	fetcher := newFakeFetcher()
	env.worker(Deps{Fetcher: fetcher}).Run(context.Background(), env.run)

	page, err := env.store.GetPage(context.Background(), env.seedID)
	require.NoError(t, err)
	require.Equal(t, ingest.PageQueued, page.Status)
	require.Zero(t, fetcher.calls())
}

type testEnv struct {
	store    *boxstore.Store
	blobs    *memory.BlobStore
	run      *Run
	reporter *recordingReporter
	seedID   string
}

func newTestEnv(t *testing.T, depth int) *testEnv {
	t.Helper()
	ctx := context.Background()
	m, err := boxstore.NewManager(ctx, t.TempDir(), uuid.NewUUIDGenerator(), system.New(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	box, err := m.Catalog().CreateBox(ctx, ingest.Box{
		Name:       "b1",
		Type:       ingest.BoxTypeIndexed,
		SeedURL:    seedURL,
		CrawlDepth: depth,
	})
	require.NoError(t, err)
	store, err := m.Open(ctx, box.ID)
	require.NoError(t, err)
	sess, err := store.CreateSession(ctx, ingest.OriginStart)
	require.NoError(t, err)
	seed, err := store.CreatePage(ctx, sess.ID, seedURL, 0)
	require.NoError(t, err)

	scope, err := ingest.NewScope(seedURL, nil)
	require.NoError(t, err)
	fr := frontier.New(4, 0)
	require.NoError(t, fr.Seed(frontier.Item{PageID: seed.ID, URL: seedURL}))
	fr.Visit(seedURL)

	reporter := &recordingReporter{}
	return &testEnv{
		store:    store,
		blobs:    memory.NewBlobStore(),
		reporter: reporter,
		seedID:   seed.ID,
		run: &Run{
			Box:       box,
			SessionID: sess.ID,
			Store:     store,
			Frontier:  fr,
			Scope:     scope,
			Reporter:  reporter,
		},
	}
}

func (e *testEnv) worker(deps Deps) *Worker {
	deps.Blobs = e.blobs
	deps.Hasher = sha256.New()
	deps.Clock = system.New()
	if deps.Retry == nil {
		deps.Retry = ingest.NewExponentialRetryPolicy(1, time.Millisecond, time.Millisecond)
	}
	return New(deps, Config{FetchTimeout: time.Second}, zap.NewNop())
}

type fakeFetcher struct {
	mu        sync.Mutex
	bodies    map[string]string
	errs      map[string]error
	failsLeft map[string]int
	requests  []ingest.FetchRequest
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies:    map[string]string{},
		errs:      map[string]error{},
		failsLeft: map[string]int{},
	}
}

func (f *fakeFetcher) page(url, body string) {
	f.bodies[url] = body
}

func (f *fakeFetcher) fail(url string, err error) {
	f.errs[url] = err
	f.failsLeft[url] = -1
}

func (f *fakeFetcher) failFirst(url string, n int, err error) {
	f.errs[url] = err
	f.failsLeft[url] = n
}

func (f *fakeFetcher) Fetch(_ context.Context, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if left := f.failsLeft[req.URL]; left != 0 {
		if left > 0 {
			f.failsLeft[req.URL] = left - 1
		}
		return ingest.FetchResponse{}, f.errs[req.URL]
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return ingest.FetchResponse{}, &ingest.FetchError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return ingest.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
		Duration:   time.Millisecond,
	}, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeFetcher) lastRequest() ingest.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recordingReporter struct {
	mu      sync.Mutex
	results []PageResult
}

func (r *recordingReporter) PageDone(_ context.Context, res PageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recordingReporter) fetchedFlags() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.results))
	for i, res := range r.results {
		out[i] = res.Fetched
	}
	return out
}

type fakeIndex struct {
	mu    sync.Mutex
	pages []ingest.Page
}

func (f *fakeIndex) IndexPage(_ context.Context, page ingest.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, page)
	return nil
}

func (f *fakeIndex) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}

type promoteAll struct{}

func (promoteAll) ShouldPromote(ingest.FetchResponse) bool { return true }

type budget struct{ allow bool }

func (b budget) AllowHeadless(string) bool { return b.allow }
