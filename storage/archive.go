package storage

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// archiveHeaderSize is the block header: created-at millis (8) + payload length (4)
const archiveHeaderSize = 12

// RunArchive keeps forecast runs on disk as gzip-compressed JSON blocks, one file
// per run and one block per entity
type RunArchive struct {
	dataPath         string
	compressionLevel int
	retentionPeriod  time.Duration
	now              func() time.Time

	mu    sync.RWMutex
	files map[uuid.UUID]*ArchiveFile
}

// ArchiveFile is a single run's archive file
type ArchiveFile struct {
	RunID        uuid.UUID
	FilePath     string
	FileSize     int64
	LastModified time.Time
	IndexEntries []IndexEntry
	mu           sync.RWMutex
}

// IndexEntry locates one block inside an archive file
type IndexEntry struct {
	CreatedAt time.Time
	Offset    int64
	Length    int32
}

// ArchiveBlock is the decoded payload of one block
type ArchiveBlock struct {
	RunID     uuid.UUID     `json:"run_id"`
	EntityID  uuid.UUID     `json:"entity_id"`
	Level     EntityType    `json:"forecast_level"`
	ModelName string        `json:"model_name"`
	CreatedAt time.Time     `json:"created_at"`
	Rows      []ForecastRow `json:"rows"`
}

// ArchivedRun summarises an archived run
type ArchivedRun struct {
	RunID        uuid.UUID `json:"run_id"`
	Blocks       int       `json:"blocks"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// NewRunArchive opens (or creates) an archive directory
func NewRunArchive(dataPath string, compressionLevel int, retentionPeriod time.Duration) (*RunArchive, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	if compressionLevel == 0 {
		compressionLevel = gzip.DefaultCompression
	}

	ra := &RunArchive{
		dataPath:         dataPath,
		compressionLevel: compressionLevel,
		retentionPeriod:  retentionPeriod,
		now:              time.Now,
		files:            make(map[uuid.UUID]*ArchiveFile),
	}

	if err := ra.loadExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to load existing archives: %w", err)
	}
	return ra, nil
}

// ArchiveRun appends one entity's rows to the run's archive file. Rows are
// grouped into one block per entity.
func (ra *RunArchive) ArchiveRun(runID uuid.UUID, rows []ForecastRow) error {
	if len(rows) == 0 {
		return nil
	}

	groups := make(map[uuid.UUID][]ForecastRow)
	var order []uuid.UUID
	for _, row := range rows {
		id := row.EntityID()
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], row)
	}

	ra.mu.Lock()
	archiveFile := ra.getOrCreateFile(runID)
	ra.mu.Unlock()

	created := ra.now()
	for _, entityID := range order {
		group := groups[entityID]
		block := ArchiveBlock{
			RunID:     runID,
			EntityID:  entityID,
			Level:     group[0].ForecastLevel,
			ModelName: group[0].ModelName,
			CreatedAt: created,
			Rows:      group,
		}
		if err := ra.writeBlock(archiveFile, &block); err != nil {
			return err
		}
	}
	return nil
}

// ReadRun returns every archived row of a run ordered by forecast date
func (ra *RunArchive) ReadRun(runID uuid.UUID) ([]ForecastRow, error) {
	ra.mu.RLock()
	archiveFile, exists := ra.files[runID]
	ra.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: run %s is not archived", ErrNotFound, runID)
	}

	archiveFile.mu.RLock()
	defer archiveFile.mu.RUnlock()

	var rows []ForecastRow
	for _, entry := range archiveFile.IndexEntries {
		block, err := ra.readBlock(archiveFile, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive block: %w", err)
		}
		rows = append(rows, block.Rows...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ForecastDate.Before(rows[j].ForecastDate)
	})
	return rows, nil
}

// Runs lists archived runs, most recently modified first
func (ra *RunArchive) Runs() []ArchivedRun {
	ra.mu.RLock()
	defer ra.mu.RUnlock()

	runs := make([]ArchivedRun, 0, len(ra.files))
	for runID, f := range ra.files {
		f.mu.RLock()
		runs = append(runs, ArchivedRun{
			RunID:        runID,
			Blocks:       len(f.IndexEntries),
			SizeBytes:    f.FileSize,
			LastModified: f.LastModified,
		})
		f.mu.RUnlock()
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].LastModified.After(runs[j].LastModified)
	})
	return runs
}

// CleanupExpired removes archives not modified within the retention period
func (ra *RunArchive) CleanupExpired() (int, error) {
	if ra.retentionPeriod <= 0 {
		return 0, nil
	}

	ra.mu.Lock()
	defer ra.mu.Unlock()

	cutoff := ra.now().Add(-ra.retentionPeriod)
	cleaned := 0
	for runID, f := range ra.files {
		f.mu.RLock()
		expired := f.LastModified.Before(cutoff)
		f.mu.RUnlock()
		if !expired {
			continue
		}
		if err := os.Remove(f.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cleaned, fmt.Errorf("failed to remove expired archive: %w", err)
		}
		delete(ra.files, runID)
		cleaned++
	}
	return cleaned, nil
}

func (ra *RunArchive) loadExistingFiles() error {
	paths, err := filepath.Glob(filepath.Join(ra.dataPath, "*.fca"))
	if err != nil {
		return fmt.Errorf("failed to glob archives: %w", err)
	}

	for _, path := range paths {
		base := filepath.Base(path)
		runID, err := uuid.Parse(base[:len(base)-len(filepath.Ext(base))])
		if err != nil {
			continue
		}
		archiveFile, err := ra.loadFile(runID, path)
		if err != nil {
			return err
		}
		ra.files[runID] = archiveFile
	}
	return nil
}

func (ra *RunArchive) loadFile(runID uuid.UUID, path string) (*ArchiveFile, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile := &ArchiveFile{
		RunID:        runID,
		FilePath:     path,
		FileSize:     stat.Size(),
		LastModified: stat.ModTime(),
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		created, length, err := readBlockHeader(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read block header in %s: %w", path, err)
		}
		archiveFile.IndexEntries = append(archiveFile.IndexEntries, IndexEntry{
			CreatedAt: created,
			Offset:    offset,
			Length:    length,
		})
		if _, err := reader.Discard(int(length)); err != nil {
			return nil, fmt.Errorf("failed to skip block data: %w", err)
		}
		offset += archiveHeaderSize + int64(length)
	}
	return archiveFile, nil
}

func readBlockHeader(reader io.Reader) (time.Time, int32, error) {
	var millis int64
	if err := binary.Read(reader, binary.LittleEndian, &millis); err != nil {
		return time.Time{}, 0, err
	}
	var length int32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return time.Time{}, 0, err
	}
	return time.UnixMilli(millis), length, nil
}

// getOrCreateFile must be called with ra.mu held
func (ra *RunArchive) getOrCreateFile(runID uuid.UUID) *ArchiveFile {
	if f, exists := ra.files[runID]; exists {
		return f
	}
	f := &ArchiveFile{
		RunID:        runID,
		FilePath:     filepath.Join(ra.dataPath, runID.String()+".fca"),
		LastModified: ra.now(),
	}
	ra.files[runID] = f
	return f
}

func (ra *RunArchive) writeBlock(archiveFile *ArchiveFile, block *ArchiveBlock) error {
	jsonData, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal archive block: %w", err)
	}

	var compressed bytes.Buffer
	gzipWriter, err := gzip.NewWriterLevel(&compressed, ra.compressionLevel)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gzipWriter.Write(jsonData); err != nil {
		return fmt.Errorf("failed to compress archive block: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}

	archiveFile.mu.Lock()
	defer archiveFile.mu.Unlock()

	file, err := os.OpenFile(archiveFile.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open archive for writing: %w", err)
	}
	defer file.Close()

	length := int32(compressed.Len())
	var header [archiveHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(block.CreatedAt.UnixMilli()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(length))

	if _, err := file.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := file.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("failed to write archive block: %w", err)
	}

	archiveFile.IndexEntries = append(archiveFile.IndexEntries, IndexEntry{
		CreatedAt: block.CreatedAt,
		Offset:    archiveFile.FileSize,
		Length:    length,
	})
	archiveFile.FileSize += archiveHeaderSize + int64(length)
	archiveFile.LastModified = ra.now()
	return nil
}

func (ra *RunArchive) readBlock(archiveFile *ArchiveFile, entry IndexEntry) (*ArchiveBlock, error) {
	file, err := os.Open(archiveFile.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive for reading: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(entry.Offset+archiveHeaderSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to block: %w", err)
	}

	compressed := make([]byte, entry.Length)
	if _, err := io.ReadFull(file, compressed); err != nil {
		return nil, fmt.Errorf("failed to read block data: %w", err)
	}

	gzipReader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	var block ArchiveBlock
	if err := json.NewDecoder(gzipReader).Decode(&block); err != nil {
		return nil, fmt.Errorf("failed to decode archive block: %w", err)
	}
	return &block, nil
}
