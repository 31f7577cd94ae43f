package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

// Disk store file format constants. The store is a single append-and-compact
// file: a fixed header followed by length-prefixed, CRC-protected records.
// Later records for the same domain supersede earlier ones; compaction on
// startup rewrites the file with only the latest live record per domain.
const (
	storeMagic      = 0x53424B31 // "SBK1"
	storeVersion    = 1
	storeHeaderSize = 8 // magic(4) + version(1) + reserved(3)
	storeRecordHead = 4 // payloadLen(4)
	storeCRCSize    = 4
	storeMaxPayload = 1 << 20 // 1 MB per record, far beyond any verdict

	// Runtime compaction bounds the store between restarts: the writer
	// rewrites the file once it holds at least defaultCompactMin records
	// and more than compactDeadRatio times the live set. The periodic
	// sweep also prunes TTL-expired index entries so they count as dead.
	defaultCompactMin = 1024
	compactDeadRatio  = 2
	compactSweep      = 10 * time.Minute
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// diskRecord is the JSON payload of one store record.
type diskRecord struct {
	Domain     string        `json:"domain"`
	Verdict    model.Verdict `json:"verdict"`
	InsertedAt time.Time     `json:"inserted_at"`
}

// diskTier is the durable cache tier. Reads are served from an in-memory
// index rebuilt at startup; writes append to the store file through a
// bounded async queue so the commit path never waits on disk.
type diskTier struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger

	mu          sync.RWMutex
	index       map[string]diskRecord
	file        *os.File
	fileRecords int // records currently in the store file

	compactMin int

	writeCh chan diskRecord
	done    chan struct{}
}

// newDiskTier opens (or creates) the store at path, compacts it, and starts
// the background writer. A nil tier with a logged warning is returned when
// the store cannot be opened; the cache then runs memory-only.
func newDiskTier(path string, ttl time.Duration, queueSize int, logger *slog.Logger) (*diskTier, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("cache: create store directory: %w", err)
	}

	t := &diskTier{
		path:       path,
		ttl:        ttl,
		logger:     logger,
		index:      make(map[string]diskRecord),
		compactMin: defaultCompactMin,
		writeCh:    make(chan diskRecord, queueSize),
		done:       make(chan struct{}),
	}

	if err := t.loadAndCompact(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cache: open store for append: %w", err)
	}
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if err := writeStoreHeader(f); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	t.file = f

	go t.writeLoop()
	return t, nil
}

// get returns the live record for domain. Expired records are filtered
// lazily; they stay in the index until the next compaction.
func (t *diskTier) get(domain string, now time.Time) (model.Verdict, time.Time, bool) {
	t.mu.RLock()
	rec, ok := t.index[domain]
	t.mu.RUnlock()
	if !ok || now.Sub(rec.InsertedAt) >= t.ttl {
		return model.Verdict{}, time.Time{}, false
	}
	return rec.Verdict, rec.InsertedAt, true
}

// put queues a record for append. Never blocks: when the writer is behind,
// the write is dropped with a warning — the memory tier still holds it.
func (t *diskTier) put(rec diskRecord) bool {
	t.mu.Lock()
	t.index[rec.Domain] = rec
	t.mu.Unlock()

	select {
	case t.writeCh <- rec:
		return true
	default:
		t.logger.Warn("cache: disk write queue full, dropping write", "domain", rec.Domain)
		return false
	}
}

func (t *diskTier) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

// close drains the write queue and closes the store file.
func (t *diskTier) close() {
	close(t.writeCh)
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		if err := t.file.Sync(); err != nil {
			t.logger.Warn("cache: final store sync failed", "error", err)
		}
		_ = t.file.Close()
		t.file = nil
	}
}

func (t *diskTier) writeLoop() {
	defer close(t.done)
	sweep := time.NewTicker(compactSweep)
	defer sweep.Stop()

	for {
		select {
		case rec, ok := <-t.writeCh:
			if !ok {
				return
			}
			if err := t.appendRecord(rec); err != nil {
				t.logger.Warn("cache: store append failed", "domain", rec.Domain, "error", err)
				continue
			}
			t.maybeCompact(false)
		case <-sweep.C:
			t.maybeCompact(true)
		}
	}
}

// maybeCompact rewrites the store when dead records (superseded or expired)
// outnumber live ones. Runs only on the writer goroutine, so it never races
// an append. A sweep additionally drops TTL-expired index entries first.
func (t *diskTier) maybeCompact(sweep bool) {
	t.mu.Lock()
	if sweep {
		now := time.Now().UTC()
		for domain, rec := range t.index {
			if now.Sub(rec.InsertedAt) >= t.ttl {
				delete(t.index, domain)
			}
		}
	}
	records, live := t.fileRecords, len(t.index)
	t.mu.Unlock()

	if records < t.compactMin || records <= live*compactDeadRatio {
		return
	}
	if err := t.compact(); err != nil {
		t.logger.Warn("cache: runtime compaction failed", "error", err)
	}
}

// compact rewrites the store with only live records (tmp, sync, rename) and
// reopens the append handle on the new file.
func (t *diskTier) compact() error {
	now := time.Now().UTC()
	t.mu.RLock()
	live := make([]diskRecord, 0, len(t.index))
	for _, rec := range t.index {
		if now.Sub(rec.InsertedAt) < t.ttl {
			live = append(live, rec)
		}
	}
	t.mu.RUnlock()

	tmp := t.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cache: open compact tmp: %w", err)
	}
	if err := writeStoreHeader(f); err != nil {
		_ = f.Close()
		return err
	}
	for _, rec := range live {
		if err := encodeRecord(f, rec); err != nil {
			_ = f.Close()
			return fmt.Errorf("cache: compact rewrite: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("cache: sync compact tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cache: close compact tmp: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("cache: rename compacted store: %w", err)
	}
	next, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("cache: reopen store after compaction: %w", err)
	}
	if t.file != nil {
		_ = t.file.Close()
	}
	t.file = next
	t.fileRecords = len(live)

	t.logger.Debug("cache: store compacted", "live_records", len(live))
	return nil
}

func (t *diskTier) appendRecord(rec diskRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return errors.New("store closed")
	}
	if err := encodeRecord(t.file, rec); err != nil {
		return err
	}
	t.fileRecords++
	return nil
}

// encodeRecord writes one length-prefixed, CRC-protected record to w.
func encodeRecord(w io.Writer, rec diskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	var head [storeRecordHead]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(payload)))

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	var crcBuf [storeCRCSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())

	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("write record head: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if _, err := w.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("write crc: %w", err)
	}
	return nil
}

// loadAndCompact reads every record in the store, keeps the latest live one
// per domain, and rewrites the file tmp → sync → rename. A corrupt tail is
// tolerated: everything up to the first bad record is recovered.
func (t *diskTier) loadAndCompact() error {
	records, err := t.readAll()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if now.Sub(rec.InsertedAt) >= t.ttl {
			continue
		}
		if prev, ok := t.index[rec.Domain]; ok && prev.InsertedAt.After(rec.InsertedAt) {
			continue
		}
		t.index[rec.Domain] = rec
	}

	if len(records) == 0 && len(t.index) == 0 {
		return nil
	}

	tmp := t.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cache: open compact tmp: %w", err)
	}
	if err := writeStoreHeader(f); err != nil {
		_ = f.Close()
		return err
	}
	for _, rec := range t.index {
		if err := encodeRecord(f, rec); err != nil {
			_ = f.Close()
			return fmt.Errorf("cache: compact rewrite: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("cache: sync compact tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cache: close compact tmp: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("cache: rename compacted store: %w", err)
	}
	t.fileRecords = len(t.index)

	t.logger.Debug("cache: store compacted", "live_records", len(t.index), "scanned", len(records))
	return nil
}

func (t *diskTier) readAll() ([]diskRecord, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: open store: %w", err)
	}
	defer func() { _ = f.Close() }()

	var hdr [storeHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil // empty or truncated header: treat as fresh store
		}
		return nil, fmt.Errorf("cache: read store header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != storeMagic {
		t.logger.Warn("cache: store has bad magic, discarding", "magic", fmt.Sprintf("0x%08X", magic))
		return nil, nil
	}
	if version := hdr[4]; version != storeVersion {
		t.logger.Warn("cache: store has unsupported version, discarding", "version", version)
		return nil, nil
	}

	var records []diskRecord
	for {
		var head [storeRecordHead]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			break // end of store or truncated record
		}
		payloadLen := binary.BigEndian.Uint32(head[:])
		if payloadLen > storeMaxPayload {
			t.logger.Warn("cache: corrupt record length, stopping scan", "payload_len", payloadLen)
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		var crcBuf [storeCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break
		}

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if h.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
			t.logger.Warn("cache: record CRC mismatch, stopping scan", "records_recovered", len(records))
			break
		}

		var rec diskRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			t.logger.Warn("cache: corrupt record JSON, stopping scan", "error", err)
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

func writeStoreHeader(f *os.File) error {
	var hdr [storeHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], storeMagic)
	hdr[4] = storeVersion
	if _, err := f.Write(hdr[:]); err != nil {
		return fmt.Errorf("cache: write store header: %w", err)
	}
	return nil
}
