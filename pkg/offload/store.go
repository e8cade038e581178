package offload

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/namespace"
	"github.com/substratehq/substrate/pkg/types"
)

const (
	metadataSuffix  = ".metadata.json"
	documentsSuffix = ".documents.json"
	vectorsSuffix   = ".vectors.bin"
)

// Store persists index snapshots to disk in the binary_v1 layout: three
// files per index sharing the qualified id as prefix. Writes are staged to
// temporary paths and renamed so a partial failure leaves prior state intact.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir. The directory is created lazily
// on the first save.
func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

// Dir returns the offload directory
func (s *Store) Dir() string {
	return s.dir
}

// lock returns the per-index file lock, held for whole save/load/delete calls
func (s *Store) lock(indexID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[indexID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[indexID] = l
	}
	return l
}

// Save writes a snapshot. indexID is the qualified "<namespace>:<id>" name.
func (s *Store) Save(indexID string, snap *types.IndexSnapshot) error {
	l := s.lock(indexID)
	l.Lock()
	defer l.Unlock()

	if len(snap.Documents) != len(snap.Vectors) {
		return errdefs.InvalidInput("snapshot has %d documents but %d vectors",
			len(snap.Documents), len(snap.Vectors))
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create offload directory: %w", err)
	}

	meta := snap.Metadata
	meta.Format = types.OffloadFormatBinaryV1
	meta.DocumentCount = len(snap.Documents)

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	docs := snap.Documents
	if docs == nil {
		docs = []types.OffloadedDocument{}
	}
	docBytes, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("failed to marshal documents: %w", err)
	}
	vecBytes, err := encodeVectors(snap)
	if err != nil {
		return err
	}

	// Stage all three files, then rename into place. Rename order puts
	// metadata last so a crash mid-save never leaves a listed index with
	// missing payload files.
	staged := []struct {
		suffix string
		data   []byte
	}{
		{vectorsSuffix, vecBytes},
		{documentsSuffix, docBytes},
		{metadataSuffix, metaBytes},
	}
	var tmpPaths []string
	cleanup := func() {
		for _, p := range tmpPaths {
			os.Remove(p)
		}
	}
	for _, f := range staged {
		tmp := filepath.Join(s.dir, indexID+f.suffix+".tmp")
		if err := os.WriteFile(tmp, f.data, 0644); err != nil {
			cleanup()
			return fmt.Errorf("failed to stage %s: %w", f.suffix, err)
		}
		tmpPaths = append(tmpPaths, tmp)
	}
	for i, f := range staged {
		final := filepath.Join(s.dir, indexID+f.suffix)
		if err := os.Rename(tmpPaths[i], final); err != nil {
			cleanup()
			return fmt.Errorf("failed to commit %s: %w", f.suffix, err)
		}
	}
	return nil
}

// Load reads a snapshot back and verifies its consistency. A mismatch
// between vectors.bin and documents.json is a CorruptOffload error; the
// on-disk state is left untouched for inspection.
func (s *Store) Load(indexID string) (*types.IndexSnapshot, error) {
	l := s.lock(indexID)
	l.Lock()
	defer l.Unlock()

	metaBytes, err := os.ReadFile(filepath.Join(s.dir, indexID+metadataSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound("offloaded index %q", indexID)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta types.IndexMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, errdefs.CorruptOffload("index %q: bad metadata: %v", indexID, err)
	}
	if meta.Format != types.OffloadFormatBinaryV1 {
		return nil, errdefs.CorruptOffload("index %q: unsupported format %q", indexID, meta.Format)
	}

	docBytes, err := os.ReadFile(filepath.Join(s.dir, indexID+documentsSuffix))
	if err != nil {
		return nil, errdefs.CorruptOffload("index %q: missing documents file: %v", indexID, err)
	}
	var docs []types.OffloadedDocument
	if err := json.Unmarshal(docBytes, &docs); err != nil {
		return nil, errdefs.CorruptOffload("index %q: bad documents file: %v", indexID, err)
	}

	vecFile, err := os.Open(filepath.Join(s.dir, indexID+vectorsSuffix))
	if err != nil {
		return nil, errdefs.CorruptOffload("index %q: missing vectors file: %v", indexID, err)
	}
	defer vecFile.Close()

	ids, vectors, err := decodeVectors(bufio.NewReader(vecFile), indexID)
	if err != nil {
		return nil, err
	}

	if len(ids) != len(docs) {
		return nil, errdefs.CorruptOffload("index %q: vectors.bin has %d rows, documents.json has %d",
			indexID, len(ids), len(docs))
	}
	for i, d := range docs {
		if ids[i] != d.ID {
			return nil, errdefs.CorruptOffload("index %q: row %d id mismatch: %q vs %q",
				indexID, i, ids[i], d.ID)
		}
	}
	if meta.DocumentCount != len(docs) {
		return nil, errdefs.CorruptOffload("index %q: metadata documentCount %d does not match %d rows",
			indexID, meta.DocumentCount, len(docs))
	}

	return &types.IndexSnapshot{Metadata: meta, Documents: docs, Vectors: vectors}, nil
}

// List returns metadata for every offloaded index, optionally filtered by
// namespace. Unreadable entries are skipped with a warning.
func (s *Store) List(ns string) (map[string]types.IndexMetadata, error) {
	out := make(map[string]types.IndexMetadata)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to read offload directory: %w", err)
	}
	logger := log.WithComponent("offload")
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		indexID := strings.TrimSuffix(name, metadataSuffix)
		if ns != "" && !namespace.Owns(ns, indexID) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			logger.Warn().Err(err).Str("index_id", indexID).Msg("skipping unreadable offload metadata")
			continue
		}
		var meta types.IndexMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			logger.Warn().Err(err).Str("index_id", indexID).Msg("skipping corrupt offload metadata")
			continue
		}
		out[indexID] = meta
	}
	return out, nil
}

// Exists reports whether an offloaded index is present on disk
func (s *Store) Exists(indexID string) bool {
	_, err := os.Stat(filepath.Join(s.dir, indexID+metadataSuffix))
	return err == nil
}

// Delete removes all three files of an offloaded index
func (s *Store) Delete(indexID string) error {
	l := s.lock(indexID)
	l.Lock()
	defer l.Unlock()

	if !s.Exists(indexID) {
		return errdefs.NotFound("offloaded index %q", indexID)
	}
	var firstErr error
	for _, suffix := range []string{metadataSuffix, documentsSuffix, vectorsSuffix} {
		if err := os.Remove(filepath.Join(s.dir, indexID+suffix)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("failed to delete offloaded index %q: %w", indexID, firstErr)
	}
	return nil
}

// encodeVectors renders the vectors.bin layout: u32 count, u32 dimension,
// then per row u32 id-length, id bytes, dimension little-endian f32s.
func encodeVectors(snap *types.IndexSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	dim := snap.Metadata.EmbeddingDimension

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(snap.Vectors)))
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(dim))
	buf.Write(u32[:])

	for i, vec := range snap.Vectors {
		if len(vec) != dim {
			return nil, errdefs.InvalidInput("vector %d has dimension %d, expected %d", i, len(vec), dim)
		}
		id := snap.Documents[i].ID
		binary.LittleEndian.PutUint32(u32[:], uint32(len(id)))
		buf.Write(u32[:])
		buf.WriteString(id)
		for _, f := range vec {
			binary.LittleEndian.PutUint32(u32[:], math.Float32bits(f))
			buf.Write(u32[:])
		}
	}
	return buf.Bytes(), nil
}

func decodeVectors(r io.Reader, indexID string) ([]string, [][]float32, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, nil, errdefs.CorruptOffload("index %q: short vectors header: %v", indexID, err)
	}
	count := binary.LittleEndian.Uint32(header[0:4])
	dim := binary.LittleEndian.Uint32(header[4:8])

	ids := make([]string, 0, count)
	vectors := make([][]float32, 0, count)
	var u32 [4]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, nil, errdefs.CorruptOffload("index %q: truncated row %d: %v", indexID, i, err)
		}
		idLen := binary.LittleEndian.Uint32(u32[:])
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, nil, errdefs.CorruptOffload("index %q: truncated id in row %d: %v", indexID, i, err)
		}
		vec := make([]float32, dim)
		raw := make([]byte, 4*dim)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, nil, errdefs.CorruptOffload("index %q: truncated vector in row %d: %v", indexID, i, err)
		}
		for j := uint32(0); j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j : 4*j+4]))
		}
		ids = append(ids, string(idBytes))
		vectors = append(vectors, vec)
	}
	// Trailing garbage means the file length does not match count*dim
	var one [1]byte
	if n, _ := r.Read(one[:]); n != 0 {
		return nil, nil, errdefs.CorruptOffload("index %q: vectors file longer than declared", indexID)
	}
	return ids, vectors, nil
}
