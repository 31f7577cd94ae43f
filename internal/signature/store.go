// Package signature holds the learned upstream-metadata signatures: the
// store with its durable snapshot, the metadata classifier that reads it,
// and the pattern learner that writes it.
package signature

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

// Snapshot file format: magic(4) + version(1) + reserved(3) + JSON payload.
// Rewritten atomically (tmp → sync → rename) on a timer and at shutdown.
const (
	snapshotMagic      = 0x53424B53 // "SBKS"
	snapshotVersion    = 1
	snapshotHeaderSize = 8

	flushInterval = time.Minute

	// staleAfter is how long a signature may go unseen before the
	// classifier stops trusting it.
	staleAfter = 30 * 24 * time.Hour
)

// Store is the signature store: single writer (the pattern learner),
// many readers (the metadata classifier). Each lookup sees a consistent
// snapshot. The local/cloud decision counters live here because they are
// persisted with the signatures and feed the same stats payload.
type Store struct {
	logger *slog.Logger
	path   string // empty disables persistence

	mu    sync.RWMutex
	sigs  map[model.SignatureKey]model.Signature
	dirty bool

	localDecisions atomic.Int64
	cloudDecisions atomic.Int64

	started atomic.Bool
	done    chan struct{}
}

// snapshotPayload is the JSON body of the snapshot file.
type snapshotPayload struct {
	Signatures     []model.Signature `json:"signatures"`
	LocalDecisions int64             `json:"local_decisions"`
	CloudDecisions int64             `json:"cloud_decisions"`
	SavedAt        time.Time         `json:"saved_at"`
}

// NewStore creates the store, loading the on-disk snapshot when present.
// A missing or unreadable snapshot yields the seeded baseline set.
func NewStore(path string, logger *slog.Logger) *Store {
	s := &Store{
		logger: logger.With("component", "signatures"),
		path:   path,
		sigs:   make(map[model.SignatureKey]model.Signature),
		done:   make(chan struct{}),
	}

	if err := s.load(); err != nil {
		s.logger.Warn("snapshot load failed, seeding baseline", "error", err)
	}
	if len(s.sigs) == 0 {
		s.seed()
	}
	return s
}

// Start launches the periodic snapshot flush. Idempotent.
func (s *Store) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("signature store already started")
		return
	}
	go s.flushLoop(ctx)
}

// Drain waits for the flush loop to perform its final snapshot after the
// Start context is cancelled.
func (s *Store) Drain(ctx context.Context) {
	if !s.started.Load() {
		s.Flush()
		return
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("signature store drain timed out")
	}
}

// Lookup returns the signature stored under key.
func (s *Store) Lookup(key model.SignatureKey) (model.Signature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.sigs[key]
	return sig, ok
}

// Upsert replaces the signature stored under its key. Called only by the
// pattern learner.
func (s *Store) Upsert(sig model.Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs[sig.Key] = sig
	s.dirty = true
}

// Len returns the number of learned signatures.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sigs)
}

// All returns a copy of every stored signature.
func (s *Store) All() []model.Signature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Signature, 0, len(s.sigs))
	for _, sig := range s.sigs {
		out = append(out, sig)
	}
	return out
}

// RecordLocal counts a verdict decided without the remote reasoning tier.
func (s *Store) RecordLocal() { s.localDecisions.Add(1) }

// RecordCloud counts a verdict decided by the remote reasoning tier.
func (s *Store) RecordCloud() { s.cloudDecisions.Add(1) }

// Decisions returns the local/cloud decision counters.
func (s *Store) Decisions() (local, cloud int64) {
	return s.localDecisions.Load(), s.cloudDecisions.Load()
}

// Flush writes the snapshot when the store changed since the last flush.
func (s *Store) Flush() {
	if s.path == "" {
		return
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	payload := snapshotPayload{
		Signatures:     make([]model.Signature, 0, len(s.sigs)),
		LocalDecisions: s.localDecisions.Load(),
		CloudDecisions: s.cloudDecisions.Load(),
		SavedAt:        time.Now().UTC(),
	}
	for _, sig := range s.sigs {
		payload.Signatures = append(payload.Signatures, sig)
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.writeSnapshot(payload); err != nil {
		s.logger.Error("snapshot flush failed", "error", err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.logger.Debug("snapshot flushed", "signatures", len(payload.Signatures))
}

func (s *Store) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Flush()
			close(s.done)
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

func (s *Store) writeSnapshot(payload snapshotPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signature: marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("signature: create snapshot directory: %w", err)
	}

	var hdr [snapshotHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], snapshotMagic)
	hdr[4] = snapshotVersion

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("signature: open snapshot tmp: %w", err)
	}
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("signature: write snapshot header: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("signature: write snapshot payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("signature: sync snapshot tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("signature: close snapshot tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("signature: rename snapshot: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signature: read snapshot: %w", err)
	}
	if len(data) < snapshotHeaderSize {
		return fmt.Errorf("signature: snapshot truncated (%d bytes)", len(data))
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != snapshotMagic {
		return fmt.Errorf("signature: bad snapshot magic 0x%08X", magic)
	}
	if version := data[4]; version != snapshotVersion {
		return fmt.Errorf("signature: unsupported snapshot version %d", version)
	}

	var payload snapshotPayload
	if err := json.Unmarshal(data[snapshotHeaderSize:], &payload); err != nil {
		return fmt.Errorf("signature: parse snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range payload.Signatures {
		s.sigs[sig.Key] = sig
	}
	s.localDecisions.Store(payload.LocalDecisions)
	s.cloudDecisions.Store(payload.CloudDecisions)
	s.logger.Info("snapshot loaded", "signatures", len(payload.Signatures))
	return nil
}

// seed installs the baseline reason signatures used until the learner has
// observed enough traffic of its own.
func (s *Store) seed() {
	now := time.Now().UTC()
	baseline := []model.Signature{
		{Key: model.SignatureKey{Reason: model.ReasonSafeBrowsing}, Category: model.CategoryMalware, Risk: model.RiskCritical, Confidence: 0.95},
		{Key: model.SignatureKey{Reason: model.ReasonBlackList, RulePrefix: "ads"}, Category: model.CategoryAdvertising, Risk: model.RiskMedium, Confidence: 0.95},
		{Key: model.SignatureKey{Reason: model.ReasonBlackList}, Category: model.CategoryAdvertising, Risk: model.RiskMedium, Confidence: 0.85},
		{Key: model.SignatureKey{Reason: model.ReasonAllowList}, Category: model.CategorySystem, Risk: model.RiskLow, Confidence: 0.95},
		{Key: model.SignatureKey{Reason: model.ReasonBlockedService}, Category: model.CategoryTracker, Risk: model.RiskMedium, Confidence: 0.95},
		{Key: model.SignatureKey{Reason: model.ReasonParental}, Category: model.CategorySystem, Risk: model.RiskMedium, Confidence: 0.9},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range baseline {
		sig.Hits = 1
		sig.LastSeen = now
		s.sigs[sig.Key] = sig
	}
	s.dirty = true
	s.logger.Info("baseline signatures seeded", "count", len(baseline))
}
