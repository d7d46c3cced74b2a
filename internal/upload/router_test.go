package upload

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/boxstore"
	"github.com/JakeFAU/shelfbox/internal/clock/system"
	"github.com/JakeFAU/shelfbox/internal/hash/sha256"
	"github.com/JakeFAU/shelfbox/internal/id/uuid"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/storage/memory"
)

func TestIndexedUploadWithOneFailedItemCompletes(t *testing.T) {
	t.Parallel()

	env := newRouterEnv(t, ingest.BoxTypeIndexed, staticResolver{items: []Item{
		textItem("guide.md", "# Install Guide\n\nRun the installer twice."),
		textItem("page.html", "<html><head><title>Shelf FAQ</title></head><body>Boxes hold pages.</body></html>"),
		{Path: "broken.txt", URL: "file:///src/broken.txt", Open: func() (io.ReadCloser, error) {
			return nil, errors.New("permission denied")
		}},
	}})

	res := env.uploadAndWait(t, "/src", Options{})
	require.Equal(t, ingest.StatusCompleted, res.Status)
	require.Equal(t, 2, res.ItemsStored)
	require.Zero(t, res.ItemsSkipped)
	require.Equal(t, 1, res.ItemsFailed)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "broken.txt", res.Failures[0].Path)
	require.Contains(t, res.Failures[0].Reason, "permission denied")

	pages, err := boxstore.CollectPages(env.store(t).Pages(context.Background()))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	titles := []string{pages[0].Title, pages[1].Title}
	require.ElementsMatch(t, []string{"Install Guide", "Shelf FAQ"}, titles)
	for _, p := range pages {
		require.Equal(t, ingest.PageFetched, p.Status)
		require.True(t, strings.HasPrefix(p.URL, "file://"), p.URL)
		terms, err := env.store(t).Terms(context.Background(), p.ID)
		require.NoError(t, err)
		require.NotEmpty(t, terms)
	}
	require.Equal(t, 2, env.blobs.Len())
}

func TestUploadFailsWhenEveryItemFails(t *testing.T) {
	t.Parallel()

	failing := func() (io.ReadCloser, error) { return nil, errors.New("gone") }
	env := newRouterEnv(t, ingest.BoxTypeRaw, staticResolver{items: []Item{
		{Path: "a", Open: failing},
		{Path: "b", Open: failing},
	}})

	res := env.uploadAndWait(t, "/src", Options{})
	require.Equal(t, ingest.StatusFailed, res.Status)
	require.Equal(t, 2, res.ItemsFailed)
}

func TestEmptySourceCompletes(t *testing.T) {
	t.Parallel()

	env := newRouterEnv(t, ingest.BoxTypeRaw, staticResolver{})
	res := env.uploadAndWait(t, "/src", Options{})
	require.Equal(t, ingest.StatusCompleted, res.Status)
}

func TestIndexedUploadSkipsBinaryContent(t *testing.T) {
	t.Parallel()

	env := newRouterEnv(t, ingest.BoxTypeIndexed, staticResolver{items: []Item{
		textItem("logo.png", "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"),
	}})
	res := env.uploadAndWait(t, "/src", Options{})
	require.Equal(t, ingest.StatusCompleted, res.Status)
	require.Equal(t, 1, res.ItemsSkipped)
	require.Zero(t, env.blobs.Len())
}

func TestRawUploadSkipsIdenticalContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.bin", "same bytes")
	writeFile(t, dir, "b.bin", "same bytes")
	writeFile(t, dir, "c.bin", "other bytes")
	writeFile(t, dir, "nested/d.bin", "nested bytes")

	env := newRouterEnv(t, ingest.BoxTypeRaw, nil)
	res := env.uploadAndWait(t, dir, Options{})
	require.Equal(t, ingest.StatusCompleted, res.Status)
	require.Equal(t, 2, res.ItemsStored)
	require.Equal(t, 1, res.ItemsSkipped)
	require.Zero(t, res.ItemsFailed)
	require.Equal(t, 2, env.blobs.Len())

	again := env.uploadAndWait(t, dir, Options{})
	require.Zero(t, again.ItemsStored)
	require.Equal(t, 3, again.ItemsSkipped)
}

func TestRawUploadHonoursPatternAndRecursion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", "one")
	writeFile(t, dir, "drop.log", "two")
	writeFile(t, dir, "nested/deep.txt", "three")

	env := newRouterEnv(t, ingest.BoxTypeRaw, nil)
	recursive := true
	res := env.uploadAndWait(t, dir, Options{Recursive: &recursive, Pattern: "*.txt"})
	require.Equal(t, 2, res.ItemsStored)
	require.Equal(t, 1, res.ItemsSkipped)

	items, err := env.store(t).UploadItems(context.Background(), res.OperationID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "drop.log", items[0].Path)
	require.Equal(t, ingest.ItemSkipped, items[0].Outcome)
	require.Equal(t, reasonPattern, items[0].Reason)
	require.Equal(t, "nested/deep.txt", items[2].Path)
}

func TestIndexedUploadFromArchives(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"docs/readme.md":  "# Readme\n\nshelves and boxes",
		"docs/index.html": "<html><head><title>Index</title></head><body>hello</body></html>",
	}
	for _, name := range []string{"bundle.zip", "bundle.tar.gz", "bundle.tar"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			archive := filepath.Join(t.TempDir(), name)
			writeArchive(t, archive, files)

			env := newRouterEnv(t, ingest.BoxTypeIndexed, nil)
			res := env.uploadAndWait(t, archive, Options{})
			require.Equal(t, ingest.StatusCompleted, res.Status)
			require.Equal(t, 2, res.ItemsStored)

			pages, err := boxstore.CollectPages(env.store(t).Pages(context.Background()))
			require.NoError(t, err)
			require.Len(t, pages, 2)
			for _, p := range pages {
				require.Contains(t, p.URL, "#docs/")
			}
		})
	}
}

func TestUploadRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	env := newRouterEnv(t, ingest.BoxTypeRaw, nil)
	_, err := env.router.UploadFiles(context.Background(), env.box.ID, filepath.Join(t.TempDir(), "missing"), Options{})
	require.ErrorIs(t, err, ingest.ErrSourceNotFound)
}

func TestUploadRejectsBadPatternAndUnknownBox(t *testing.T) {
	t.Parallel()

	env := newRouterEnv(t, ingest.BoxTypeRaw, staticResolver{})
	_, err := env.router.UploadFiles(context.Background(), env.box.ID, "/src", Options{Pattern: "[a-"})
	require.ErrorIs(t, err, ingest.ErrInvalidArgument)

	_, err = env.router.UploadFiles(context.Background(), "nope", "/src", Options{})
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestWaitForUploadAnsweredFromStore(t *testing.T) {
	t.Parallel()

	env := newRouterEnv(t, ingest.BoxTypeRaw, staticResolver{items: []Item{
		textItem("ok.txt", "fine"),
		{Path: "bad.txt", Open: func() (io.ReadCloser, error) { return nil, errors.New("boom") }},
	}})
	live := env.uploadAndWait(t, "/src", Options{})
	require.False(t, env.router.Live(live.OperationID))

	stored, err := env.router.WaitForUpload(context.Background(), live.OperationID)
	require.NoError(t, err)
	assert.Equal(t, live.Status, stored.Status)
	assert.Equal(t, live.ItemsStored, stored.ItemsStored)
	assert.Equal(t, live.Failures, stored.Failures)

	_, err = env.router.WaitForUpload(context.Background(), "missing")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

type routerEnv struct {
	boxes  *boxstore.Manager
	box    ingest.Box
	blobs  *memory.BlobStore
	router *Router
}

func newRouterEnv(t *testing.T, boxType ingest.BoxType, resolver Resolver) *routerEnv {
	t.Helper()
	ctx := context.Background()
	m, err := boxstore.NewManager(ctx, t.TempDir(), uuid.NewUUIDGenerator(), system.New(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	box, err := m.Catalog().CreateBox(ctx, ingest.Box{Name: "uploads", Type: boxType})
	require.NoError(t, err)

	blobs := memory.NewBlobStore()
	r, err := New(m, Deps{
		Resolver: resolver,
		Blobs:    blobs,
		Hasher:   sha256.New(),
		Clock:    system.New(),
	}, Config{Workers: 2}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return &routerEnv{boxes: m, box: box, blobs: blobs, router: r}
}

func (e *routerEnv) uploadAndWait(t *testing.T, source string, opts Options) ingest.UploadResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := e.router.UploadFiles(ctx, e.box.ID, source, opts)
	require.NoError(t, err)
	res, err := e.router.WaitForUpload(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, res.OperationID)
	return res
}

func (e *routerEnv) store(t *testing.T) *boxstore.Store {
	t.Helper()
	s, err := e.boxes.Open(context.Background(), e.box.ID)
	require.NoError(t, err)
	return s
}

type staticResolver struct {
	items []Item
}

func (s staticResolver) Resolve(context.Context, string, Options) ([]Item, error) {
	return s.items, nil
}

func textItem(name, body string) Item {
	return Item{
		Path: name,
		URL:  "file:///src/" + name,
		Size: int64(len(body)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
	}
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
}

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	if strings.HasSuffix(path, ".zip") {
		zw := zip.NewWriter(f)
		for name, body := range files {
			w, err := zw.Create(name)
			require.NoError(t, err)
			_, err = io.WriteString(w, body)
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
		return
	}

	var out io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		out = gz
	}
	tw := tar.NewWriter(out)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "docs/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := io.WriteString(tw, body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	if gz != nil {
		require.NoError(t, gz.Close())
	}
}
