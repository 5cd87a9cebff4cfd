// Package integrity wraps a block.Store with a rollback/deletion detector.
// Every block written through the store gets a monotonic per-client version
// stamped alongside it; every block read back is checked against the last
// known version for its id, so an attacker who replays an older ciphertext
// (or deletes a block and lets it come back as "missing") is caught instead
// of silently accepted (spec.md component 4.2).
package integrity

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/vbfs/vbfs/block"
)

var violationMeter = metrics.GetOrRegisterMeter("integrity/violation", nil)

// ClientID identifies the writer that produced a given block version. Each
// process opening a filesystem is expected to pick (or be assigned) a stable
// id for the lifetime of its state file.
type ClientID uint32

// ErrIntegrityViolation is wrapped by every error this package returns when a
// block fails its rollback/deletion check and the store is configured to
// reject rather than merely report violations.
var ErrIntegrityViolation = errors.New("integrity: violation detected")

// Violation describes one detected integrity problem, handed to Config's
// OnViolation sink (if set) regardless of whether the store rejects it.
type Violation struct {
	Block   block.ID
	Kind    ViolationKind
	Details string
}

type ViolationKind int

const (
	ViolationRollback ViolationKind = iota
	ViolationMissingBlock
	ViolationUnexpectedClient
)

func (v ViolationKind) String() string {
	switch v {
	case ViolationRollback:
		return "rollback"
	case ViolationMissingBlock:
		return "missing-block"
	case ViolationUnexpectedClient:
		return "unexpected-client"
	default:
		return "unknown"
	}
}

// Config tunes a Store's checking policy.
type Config struct {
	ClientID ClientID

	// AllowViolations, when true, downgrades every detected violation to a
	// logged/reported event instead of a returned error. Used for read-only
	// recovery tools that want to see corrupted data anyway.
	AllowViolations bool

	// MissingIsViolation treats a block that is absent on Load, but was
	// previously known to this store's state, as a violation (deletion
	// attack) rather than ordinary absence.
	MissingIsViolation bool

	// OnViolation, if set, is invoked synchronously for every detected
	// violation, in addition to AllowViolations/error handling.
	OnViolation func(Violation)

	// FlushInterval controls how often the background loop persists the
	// version-tracking state file. Zero disables the background loop; the
	// caller must then call Flush explicitly (e.g. before process exit).
	FlushInterval time.Duration
}

type versionKey struct {
	id     block.ID
	client ClientID
}

// Store decorates a block.Store with rollback/deletion detection.
type Store struct {
	inner     block.Store
	cfg       Config
	statePath string

	mu      sync.Mutex
	known   map[versionKey]uint64 // last seen version per (block id, client)
	missing map[block.ID]bool     // blocks this store has positively seen before
	dirty   bool

	quit   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

const (
	stateMagic   = "VBFSINTEGRITY01\x00" // 16 bytes
	stateVersion = uint32(1)
	recordSize   = block.IDSize + 4 + 8
)

// Open wraps inner with integrity checking, loading any existing state file
// at statePath (creating none if absent — first run starts from empty
// state).
func Open(inner block.Store, statePath string, cfg Config) (*Store, error) {
	s := &Store{
		inner:     inner,
		cfg:       cfg,
		statePath: statePath,
		known:     make(map[versionKey]uint64),
		missing:   make(map[block.ID]bool),
		quit:      make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if cfg.FlushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop(cfg.FlushInterval)
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("integrity: open state file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, len(stateMagic)+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("integrity: read state header: %w", err)
	}
	if string(header[:len(stateMagic)]) != stateMagic {
		return fmt.Errorf("integrity: state file %s has bad magic", s.statePath)
	}
	version := binary.LittleEndian.Uint32(header[len(stateMagic):])
	if version != stateVersion {
		return fmt.Errorf("integrity: state file %s has unsupported version %d", s.statePath, version)
	}

	rec := make([]byte, recordSize)
	for {
		_, err := io.ReadFull(r, rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("integrity: read state record: %w", err)
		}
		id, err := block.IDFromBytes(rec[:block.IDSize])
		if err != nil {
			return fmt.Errorf("integrity: corrupt state record: %w", err)
		}
		client := ClientID(binary.LittleEndian.Uint32(rec[block.IDSize : block.IDSize+4]))
		ver := binary.LittleEndian.Uint64(rec[block.IDSize+4:])
		s.known[versionKey{id, client}] = ver
		s.missing[id] = true
	}
	return nil
}

// Flush persists the in-memory version state to disk atomically (temp file
// plus rename), mirroring the block package's own write pattern.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	type rec struct {
		key versionKey
		ver uint64
	}
	recs := make([]rec, 0, len(s.known))
	for k, v := range s.known {
		recs = append(recs, rec{k, v})
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].key.id != recs[j].key.id {
			return lessID(recs[i].key.id, recs[j].key.id)
		}
		return recs[i].key.client < recs[j].key.client
	})

	tmp, err := os.CreateTemp(filepath.Dir(s.statePath), "vbfs-integrity-*.tmp")
	if err != nil {
		return fmt.Errorf("integrity: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	w.WriteString(stateMagic)
	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], stateVersion)
	w.Write(verBuf[:])
	for _, r := range recs {
		w.Write(r.key.id[:])
		var cbuf [4]byte
		binary.LittleEndian.PutUint32(cbuf[:], uint32(r.key.client))
		w.Write(cbuf[:])
		var vbuf [8]byte
		binary.LittleEndian.PutUint64(vbuf[:], r.ver)
		w.Write(vbuf[:])
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("integrity: write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("integrity: close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.statePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("integrity: rename state file: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

func lessID(a, b block.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (s *Store) flushLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			if err := s.Flush(); err != nil {
				log.Error("Failed to flush integrity state", "err", err)
			}
			t.Reset(interval)
		}
	}
}

// Close stops the background flush loop and persists final state.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	return s.Flush()
}

// Reset clears all tracked version state for id, so a subsequent Load will
// not be flagged as a rollback no matter what version it carries. This
// supplements the spec with an explicit "trust this block again" escape
// hatch for administrative recovery after a known-legitimate external
// restore, mirrored from the reset-tracking operation available in the
// original implementation this design is descended from.
func (s *Store) Reset(id block.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.known {
		if k.id == id {
			delete(s.known, k)
		}
	}
	delete(s.missing, id)
	s.dirty = true
}

func (s *Store) report(v Violation) error {
	violationMeter.Mark(1)
	if s.cfg.OnViolation != nil {
		s.cfg.OnViolation(v)
	}
	log.Warn("Integrity violation detected", "block", v.Block, "kind", v.Kind, "details", v.Details)
	if s.cfg.AllowViolations {
		return nil
	}
	return fmt.Errorf("%w: block %s: %s (%s)", ErrIntegrityViolation, v.Block, v.Kind, v.Details)
}

// header is the 16-byte version stamp prepended to every block's stored
// payload (spec.md 6.1/4.2): a 4-byte format tag, a 4-byte little-endian
// client id, and an 8-byte little-endian version counter.
const headerSize = 4 + 4 + 8

// formatTag identifies this header layout; a mismatch on read is a
// corruption error distinct from a rollback/replay violation.
var formatTag = [4]byte{'V', 'B', 'I', '1'}

func encodeHeader(client ClientID, version uint64) []byte {
	buf := make([]byte, headerSize)
	copy(buf[:4], formatTag[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(client))
	binary.LittleEndian.PutUint64(buf[8:], version)
	return buf
}

func decodeHeader(buf []byte) (ClientID, uint64, error) {
	if len(buf) < headerSize {
		return 0, 0, fmt.Errorf("integrity: truncated block header (%d bytes)", len(buf))
	}
	if string(buf[:4]) != string(formatTag[:]) {
		return 0, 0, fmt.Errorf("integrity: unrecognized format tag %q", buf[:4])
	}
	client := ClientID(binary.LittleEndian.Uint32(buf[4:8]))
	version := binary.LittleEndian.Uint64(buf[8:])
	return client, version, nil
}

func (s *Store) Exists(ctx context.Context, id block.ID) (bool, error) {
	return s.inner.Exists(ctx, id)
}

func (s *Store) Load(ctx context.Context, id block.ID) ([]byte, bool, error) {
	data, ok, err := s.inner.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	wasKnown := s.missing[id]
	s.mu.Unlock()

	if !ok {
		if wasKnown && s.cfg.MissingIsViolation {
			if rerr := s.report(Violation{Block: id, Kind: ViolationMissingBlock, Details: "block previously written is now absent"}); rerr != nil {
				return nil, false, rerr
			}
		}
		return nil, false, nil
	}

	client, version, err := decodeHeader(data)
	if err != nil {
		return nil, false, fmt.Errorf("integrity: %s: %w", id, err)
	}
	payload := data[headerSize:]

	if client == 0 {
		if rerr := s.report(Violation{Block: id, Kind: ViolationUnexpectedClient, Details: "client id 0 is reserved, never assigned to a real writer"}); rerr != nil {
			return nil, false, rerr
		}
	}

	s.mu.Lock()
	key := versionKey{id, client}
	last, seen := s.known[key]
	violated := seen && version < last
	if !seen || version > last {
		s.known[key] = version
		s.dirty = true
	}
	s.missing[id] = true
	s.mu.Unlock()

	if violated {
		if rerr := s.report(Violation{Block: id, Kind: ViolationRollback, Details: fmt.Sprintf("version %d < last known %d for client %d", version, last, client)}); rerr != nil {
			return nil, false, rerr
		}
	}
	return payload, true, nil
}

func (s *Store) nextVersion(id block.ID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := versionKey{id, s.cfg.ClientID}
	v := s.known[key] + 1
	s.known[key] = v
	s.missing[id] = true
	s.dirty = true
	return v
}

func (s *Store) Store(ctx context.Context, id block.ID, data []byte) error {
	version := s.nextVersion(id)
	wire := append(encodeHeader(s.cfg.ClientID, version), data...)
	return s.inner.Store(ctx, id, wire)
}

func (s *Store) TryCreate(ctx context.Context, id block.ID, data []byte) (block.TryCreateResult, error) {
	version := s.nextVersion(id)
	wire := append(encodeHeader(s.cfg.ClientID, version), data...)
	res, err := s.inner.TryCreate(ctx, id, wire)
	if err != nil || res == block.AlreadyExists {
		// Roll back the speculative version bump; this id's version now
		// belongs to whatever already exists there.
		s.mu.Lock()
		delete(s.known, versionKey{id, s.cfg.ClientID})
		s.mu.Unlock()
	}
	return res, err
}

func (s *Store) Remove(ctx context.Context, id block.ID) (block.RemoveResult, error) {
	res, err := s.inner.Remove(ctx, id)
	if err == nil && res == block.Removed {
		s.mu.Lock()
		for k := range s.known {
			if k.id == id {
				delete(s.known, k)
			}
		}
		delete(s.missing, id)
		s.dirty = true
		s.mu.Unlock()
	}
	return res, err
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	return s.inner.NumBlocks(ctx)
}

func (s *Store) EstimateFreeBytes(ctx context.Context) (uint64, error) {
	return s.inner.EstimateFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physical uint32) uint32 {
	return s.inner.BlockSizeFromPhysicalBlockSize(physical) - headerSize
}

func (s *Store) AllBlocks(ctx context.Context) block.Iterator {
	return s.inner.AllBlocks(ctx)
}

// RunBackgroundFlush is exposed for callers that want an
// errgroup-supervised flush loop tied to their own lifetime rather than the
// Store's own goroutine, matching the teacher's pattern of a cancellable
// supervised worker rather than a bare unmanaged goroutine.
func RunBackgroundFlush(ctx context.Context, s *Store, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return s.Flush()
			case <-t.C:
				if err := s.Flush(); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}
