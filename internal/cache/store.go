package cache

import (
	"context"
	_ "crypto/sha256" // Registers the canonical digest algorithm.
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	entryFile  = "entry.json"
	blobsDir   = "blobs"
	stagingDir = "staging"
	blobSuffix = ".tar.zst"
)

// A committed cache entry.
type Entry struct {
	Key      digest.Digest `json:"key"`
	Layers   []Layer       `json:"layers"`
	Created  time.Time     `json:"created"`
	LastUsed time.Time     `json:"last_used"`
}

// A single cached directory.
type Layer struct {
	Path string        `json:"path"` // Absolute path of the directory inside the builder.
	Blob digest.Digest `json:"blob"` // Digest of the compressed blob.
	Size int64         `json:"size"` // Size of the compressed blob in bytes.
}

// Content of one layer to be published.
//
// Write streams an uncompressed tar archive of the directory at Path. It
// is called at most once, concurrently with the writers of other sources.
type Source struct {
	Path  string
	Write func(ctx context.Context, w io.Writer) error
}

// Filesystem-backed dependency cache.
type Store struct {
	root   string
	flight singleflight.Group
	mu     sync.Mutex // Serializes metadata rewrites.
	now    func() time.Time
}

// Opens the store rooted at root, creating it if needed.
func Open(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, stagingDir), filepath.Join(root, string(digest.SHA256))} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating cache directory %s", dir)
		}
	}
	return &Store{root: root, now: time.Now}, nil
}

// Returns the directory the store lives in.
func (s *Store) Root() string {
	return s.root
}

// Looks up the entry for key.
//
// An entry whose metadata cannot be read or whose blobs are missing is
// discarded and reported as a miss.
func (s *Store) Lookup(key digest.Digest) (*Entry, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}

	entry, err := s.readEntry(key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if errors.Is(err, ErrCorrupt) {
		slog.Warn("discarding corrupt cache entry", "key", key, "error", err)
		if err := os.RemoveAll(s.entryDir(key)); err != nil {
			return nil, false, errors.Wrapf(err, "removing corrupt entry %s", key)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return entry, true, nil
}

// Opens a layer blob of a committed entry for reading.
//
// The returned reader yields the uncompressed tar archive.
func (s *Store) OpenLayer(entry *Entry, layer Layer) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(entry.Key, layer.Blob))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrCorrupt, "blob %s missing", layer.Blob)
		}
		return nil, errors.Wrapf(err, "opening blob %s", layer.Blob)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "decompressing blob %s", layer.Blob)
	}

	return &layerReader{Decoder: dec, file: f}, nil
}

// Publishes a new entry for key built from sources.
//
// Blobs are written concurrently into a staging directory, which is renamed
// into place after all of them succeed. If any source fails or ctx is
// canceled, nothing is published. If the entry already exists, the existing
// entry is returned and the sources are not written.
func (s *Store) Publish(ctx context.Context, key digest.Digest, sources []Source) (*Entry, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	v, err, shared := s.flight.Do(key.String(), func() (any, error) {
		return s.publish(ctx, key, sources)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("cache publish shared", "key", key)
	}
	return v.(*Entry), nil
}

func (s *Store) publish(ctx context.Context, key digest.Digest, sources []Source) (*Entry, error) {
	if entry, ok, err := s.Lookup(key); err != nil || ok {
		return entry, err
	}

	staging, err := os.MkdirTemp(filepath.Join(s.root, stagingDir), key.Encoded()[:12]+"-")
	if err != nil {
		return nil, errors.Wrap(err, "creating staging directory")
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	if err := os.Mkdir(filepath.Join(staging, blobsDir), 0755); err != nil {
		return nil, errors.Wrap(err, "creating staging directory")
	}

	layers := make([]Layer, len(sources))
	g, gctx := errgroup.WithContext(ctx)

	for i, src := range sources {
		g.Go(func() error {
			layer, err := writeBlob(gctx, staging, src)
			if err != nil {
				return errors.Wrapf(err, "caching %s", src.Path)
			}
			layers[i] = layer
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	entry := &Entry{Key: key, Layers: layers, Created: now, LastUsed: now}

	if err := writeJSON(filepath.Join(staging, entryFile), entry); err != nil {
		return nil, err
	}

	target := s.entryDir(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, errors.Wrap(err, "creating entry parent")
	}

	if err := os.Rename(staging, target); err != nil {
		// Lost the race against another process publishing the same key.
		if existing, ok, lerr := s.Lookup(key); lerr == nil && ok {
			slog.Debug("cache entry published concurrently", "key", key)
			return existing, nil
		}
		return nil, errors.Wrapf(err, "committing entry %s", key)
	}
	committed = true

	slog.Info("cache entry published", "key", key, "layers", len(layers))
	return entry, nil
}

// Records that the entry for key was used now.
func (s *Store) Touch(key digest.Digest) error {
	if err := checkKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readEntry(key)
	if err != nil {
		return err
	}
	entry.LastUsed = s.now().UTC()

	return writeJSONAtomic(filepath.Join(s.entryDir(key), entryFile), entry)
}

// Returns every committed entry, most recently used first. Corrupt entries
// are skipped.
func (s *Store) List() ([]*Entry, error) {
	dirs, err := os.ReadDir(filepath.Join(s.root, string(digest.SHA256)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "listing cache")
	}

	var entries []*Entry
	for _, d := range dirs {
		key := digest.NewDigestFromEncoded(digest.SHA256, d.Name())
		if key.Validate() != nil {
			continue
		}
		entry, err := s.readEntry(key)
		if err != nil {
			slog.Debug("skipping cache entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b *Entry) int {
		return b.LastUsed.Compare(a.LastUsed)
	})
	return entries, nil
}

// Removes the entry for key.
func (s *Store) Remove(key digest.Digest) error {
	if err := checkKey(key); err != nil {
		return err
	}

	dir := s.entryDir(key)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing entry %s", key)
	}
	return nil
}

// Removes entries not used within maxAge, along with abandoned staging
// directories of the same age. Returns the keys removed.
func (s *Store) Prune(maxAge time.Duration) ([]digest.Digest, error) {
	cutoff := s.now().Add(-maxAge)

	entries, err := s.List()
	if err != nil {
		return nil, err
	}

	var removed []digest.Digest
	for _, e := range entries {
		if e.LastUsed.After(cutoff) {
			continue
		}
		if err := s.Remove(e.Key); err != nil {
			return removed, err
		}
		removed = append(removed, e.Key)
	}

	stale, err := os.ReadDir(filepath.Join(s.root, stagingDir))
	if err != nil {
		return removed, errors.Wrap(err, "listing staging")
	}
	for _, d := range stale {
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.RemoveAll(filepath.Join(s.root, stagingDir, d.Name()))
	}

	return removed, nil
}

// Reads and validates the metadata of a committed entry.
func (s *Store) readEntry(key digest.Digest) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.entryDir(key), entryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", key)
		}
		return nil, errors.Wrapf(err, "reading entry %s", key)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", key, err)
	}
	if entry.Key != key {
		return nil, errors.Wrapf(ErrCorrupt, "%s: metadata names %s", key, entry.Key)
	}

	for _, l := range entry.Layers {
		info, err := os.Stat(s.blobPath(key, l.Blob))
		if err != nil || info.Size() != l.Size {
			return nil, errors.Wrapf(ErrCorrupt, "%s: blob %s missing or truncated", key, l.Blob)
		}
	}

	return &entry, nil
}

func (s *Store) entryDir(key digest.Digest) string {
	return filepath.Join(s.root, string(key.Algorithm()), key.Encoded())
}

func (s *Store) blobPath(key, blob digest.Digest) string {
	return filepath.Join(s.entryDir(key), blobsDir, blob.Encoded()+blobSuffix)
}

// Compresses a source into a blob inside the staging directory.
func writeBlob(ctx context.Context, staging string, src Source) (Layer, error) {
	tmp, err := os.CreateTemp(filepath.Join(staging, blobsDir), "blob-")
	if err != nil {
		return Layer{}, err
	}
	defer tmp.Close()

	digester := digest.Canonical.Digester()
	counter := &countingWriter{}
	enc, err := zstd.NewWriter(io.MultiWriter(tmp, digester.Hash(), counter))
	if err != nil {
		return Layer{}, err
	}

	if err := src.Write(ctx, enc); err != nil {
		enc.Close()
		return Layer{}, err
	}
	if err := enc.Close(); err != nil {
		return Layer{}, err
	}
	if err := tmp.Close(); err != nil {
		return Layer{}, err
	}

	blob := digester.Digest()
	if err := os.Rename(tmp.Name(), filepath.Join(staging, blobsDir, blob.Encoded()+blobSuffix)); err != nil {
		return Layer{}, err
	}

	return Layer{Path: src.Path, Blob: blob, Size: counter.n}, nil
}

func checkKey(key digest.Digest) error {
	if err := key.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidKey, "%q: %v", key, err)
	}
	if key.Algorithm() != digest.SHA256 {
		return errors.Wrapf(ErrInvalidKey, "%q: unsupported algorithm", key)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding entry")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// Writes JSON next to path and renames it over path.
func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	if err := writeJSON(tmp, v); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// Closes both the decoder and the underlying blob file.
type layerReader struct {
	*zstd.Decoder
	file *os.File
}

func (r *layerReader) Close() error {
	r.Decoder.Close()
	return r.file.Close()
}
