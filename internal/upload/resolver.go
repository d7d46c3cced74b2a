package upload

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

// Item is one file-like unit found in an upload source.
type Item struct {
	// Path is the item's name relative to the source, slash separated.
	Path string
	// URL identifies the item for indexed boxes.
	URL  string
	Size int64
	// Skip is set when the item is reported without being read.
	Skip string
	Open func() (io.ReadCloser, error)
}

// Resolver turns an upload source into its items.
type Resolver interface {
	Resolve(ctx context.Context, source string, opts Options) ([]Item, error)
}

// Skip reasons reported by FSResolver.
const (
	reasonPattern    = "does not match pattern"
	reasonIrregular  = "not a regular file"
	reasonOversized  = "exceeds size limit"
	defaultItemLimit = 32 << 20
)

// FSResolver resolves local files, directory trees and archives.
type FSResolver struct {
	// MaxItemBytes marks larger archive entries as skipped without reading them.
	MaxItemBytes int64
}

// NewFSResolver returns a resolver skipping archive entries over maxItemBytes.
func NewFSResolver(maxItemBytes int64) *FSResolver {
	if maxItemBytes <= 0 {
		maxItemBytes = defaultItemLimit
	}
	return &FSResolver{MaxItemBytes: maxItemBytes}
}

// Resolve lists the items of source. A missing or unreadable source fails
// with ingest.ErrSourceNotFound.
func (r *FSResolver) Resolve(ctx context.Context, source string, opts Options) ([]Item, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty source: %w", ingest.ErrSourceNotFound)
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source, ingest.ErrSourceNotFound)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source, errors.Join(ingest.ErrSourceNotFound, err))
	}

	var items []Item
	switch {
	case info.IsDir():
		items, err = r.walk(ctx, abs, opts)
	case archiveKind(abs) != "":
		items, err = r.archive(abs, opts)
	case info.Mode().IsRegular():
		items = []Item{fileItem(abs, filepath.Base(abs), info.Size())}
	default:
		return nil, fmt.Errorf("source %s is %s: %w", source, reasonIrregular, ingest.ErrSourceNotFound)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func (r *FSResolver) walk(ctx context.Context, root string, opts Options) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && !opts.recursive() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case !d.Type().IsRegular():
			items = append(items, Item{Path: rel, Skip: reasonIrregular})
		case !opts.matches(rel):
			items = append(items, Item{Path: rel, Skip: reasonPattern})
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			items = append(items, fileItem(p, rel, info.Size()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return items, nil
}

func fileItem(abs, rel string, size int64) Item {
	return Item{
		Path: rel,
		URL:  fileURL(abs, ""),
		Size: size,
		Open: func() (io.ReadCloser, error) { return os.Open(abs) },
	}
}

func fileURL(abs, entry string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), Fragment: entry}
	return u.String()
}

func archiveKind(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tgz"
	case strings.HasSuffix(lower, ".tar"):
		return "tar"
	default:
		return ""
	}
}

// archive expands every entry of a zip or tar archive; Recursive does not
// apply inside archives.
func (r *FSResolver) archive(abs string, opts Options) ([]Item, error) {
	switch archiveKind(abs) {
	case "zip":
		return r.zipItems(abs, opts)
	default:
		return r.tarItems(abs, opts)
	}
}

func (r *FSResolver) zipItems(abs string, opts Options) ([]Item, error) {
	zr, err := zip.OpenReader(abs)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", abs, errors.Join(ingest.ErrSourceNotFound, err))
	}
	defer func() { _ = zr.Close() }()

	var items []Item
	for i, f := range zr.File {
		name := path.Clean(f.Name)
		switch {
		case f.FileInfo().IsDir():
			continue
		case !f.Mode().IsRegular():
			items = append(items, Item{Path: name, Skip: reasonIrregular})
		case !opts.matches(name):
			items = append(items, Item{Path: name, Skip: reasonPattern})
		default:
			items = append(items, Item{
				Path: name,
				URL:  fileURL(abs, name),
				Size: int64(f.UncompressedSize64),
				Open: zipEntryOpener(abs, i),
			})
		}
	}
	return items, nil
}

// zipEntryOpener reopens the archive so items stay independent of Resolve.
func zipEntryOpener(abs string, index int) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		zr, err := zip.OpenReader(abs)
		if err != nil {
			return nil, fmt.Errorf("reopen zip %s: %w", abs, err)
		}
		if index >= len(zr.File) {
			_ = zr.Close()
			return nil, fmt.Errorf("zip %s changed while uploading", abs)
		}
		rc, err := zr.File[index].Open()
		if err != nil {
			_ = zr.Close()
			return nil, fmt.Errorf("open zip entry: %w", err)
		}
		return &zipEntry{ReadCloser: rc, archive: zr}, nil
	}
}

type zipEntry struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (z *zipEntry) Close() error {
	return errors.Join(z.ReadCloser.Close(), z.archive.Close())
}

func (r *FSResolver) tarItems(abs string, opts Options) ([]Item, error) {
	tr, closeTar, err := openTar(abs)
	if err != nil {
		return nil, fmt.Errorf("open tar %s: %w", abs, errors.Join(ingest.ErrSourceNotFound, err))
	}
	defer func() { _ = closeTar() }()

	var items []Item
	for index := 0; ; index++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar %s: %w", abs, errors.Join(ingest.ErrSourceNotFound, err))
		}
		name := path.Clean(hdr.Name)
		switch {
		case hdr.Typeflag == tar.TypeDir:
			continue
		case hdr.Typeflag != tar.TypeReg:
			items = append(items, Item{Path: name, Skip: reasonIrregular})
		case !opts.matches(name):
			items = append(items, Item{Path: name, Skip: reasonPattern})
		case hdr.Size > r.MaxItemBytes:
			items = append(items, Item{Path: name, Size: hdr.Size, Skip: reasonOversized})
		default:
			items = append(items, Item{
				Path: name,
				URL:  fileURL(abs, name),
				Size: hdr.Size,
				Open: tarEntryOpener(abs, index, name),
			})
		}
	}
	return items, nil
}

// openTar returns a reader over a plain or gzipped tar file and a func closing
// every layer.
func openTar(abs string) (*tar.Reader, func() error, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, err
	}
	if archiveKind(abs) != "tgz" {
		return tar.NewReader(f), f.Close, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("gunzip: %w", err)
	}
	return tar.NewReader(gz), func() error { return errors.Join(gz.Close(), f.Close()) }, nil
}

// tarEntryOpener streams the archive again up to entry index.
func tarEntryOpener(abs string, index int, name string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		tr, closeTar, err := openTar(abs)
		if err != nil {
			return nil, fmt.Errorf("reopen tar %s: %w", abs, err)
		}
		for i := 0; ; i++ {
			hdr, err := tr.Next()
			if err != nil {
				_ = closeTar()
				return nil, fmt.Errorf("tar %s changed while uploading: %w", abs, err)
			}
			if i < index {
				continue
			}
			if path.Clean(hdr.Name) != name {
				_ = closeTar()
				return nil, fmt.Errorf("tar %s changed while uploading", abs)
			}
			return &tarEntry{Reader: io.LimitReader(tr, hdr.Size), close: closeTar}, nil
		}
	}
}

type tarEntry struct {
	io.Reader
	close func() error
}

func (t *tarEntry) Close() error {
	return t.close()
}
