// Package ledger provides the append-only, hash-chained record of every
// moderation and admission decision. Entries are never updated or
// deleted; the store interface deliberately has no such methods.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types recorded in the ledger.
const (
	EventModerationFlag      = "moderation.flag"
	EventModerationStrike    = "moderation.strike"
	EventModerationProbation = "moderation.probation"
	EventModerationBan       = "moderation.ban"
	EventModerationWarning   = "moderation.warning"
	EventAdmissionDegraded   = "admission.degraded"
	EventCircuitOpen         = "admission.circuit_open"
	EventGatewayForbidden    = "gateway.forbidden"
)

// Entry is one ledger row. Hash covers the canonical serialization of
// all fields except Hash and ChainHash; ChainHash links it to the
// previous entry.
type Entry struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Actor     string    `json:"actor"`
	Payload   []byte    `json:"payload,omitempty"`
	Hash      string    `json:"hash"`
	ChainHash string    `json:"chain_hash"`
}

// IntegrityError reports the first sequence number at which chain
// verification failed.
type IntegrityError struct {
	Seq    uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation at seq %d: %s", e.Seq, e.Reason)
}

// Store persists entries. Implementations must write the entry and the
// head pointer atomically and must reject a sequence number that
// already exists. There is no update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, seq uint64) (*Entry, error)
	Head(ctx context.Context) (seq uint64, chain string, err error)
	Scan(ctx context.Context, fromSeq, toSeq uint64, fn func(*Entry) error) error
	Close() error
}

// Ledger serializes appends through one in-process mutex; the store
// keeps entry and head in one transaction so the chain survives a
// crash between the two.
type Ledger struct {
	store Store

	mu        sync.Mutex
	lastSeq   uint64
	lastChain string
}

// Genesis returns the chain value before any entry exists: H("").
func Genesis() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// New opens a ledger over the given store, loading the current head.
func New(ctx context.Context, store Store) (*Ledger, error) {
	seq, chain, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load head: %w", err)
	}
	if seq == 0 {
		chain = Genesis()
	}
	return &Ledger{store: store, lastSeq: seq, lastChain: chain}, nil
}

// Append creates, hashes, chains and persists one entry.
func (l *Ledger) Append(ctx context.Context, eventType, roomID, userID string, payload []byte, actor string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Entry{
		Seq:       l.lastSeq + 1,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		RoomID:    roomID,
		UserID:    userID,
		Actor:     actor,
		Payload:   payload,
	}
	e.Hash = hashEntry(e)
	e.ChainHash = chainHash(l.lastChain, e.Hash)

	if err := l.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("ledger: append seq %d: %w", e.Seq, err)
	}

	l.lastSeq = e.Seq
	l.lastChain = e.ChainHash
	return e, nil
}

// Verify recomputes hash and chain values over [fromSeq, toSeq] and
// returns an *IntegrityError at the first mismatch. fromSeq of 0 is
// treated as 1. Not used on the hot path.
func (l *Ledger) Verify(ctx context.Context, fromSeq, toSeq uint64) error {
	if fromSeq == 0 {
		fromSeq = 1
	}

	prevChain := Genesis()
	if fromSeq > 1 {
		prev, err := l.store.Get(ctx, fromSeq-1)
		if err != nil {
			return fmt.Errorf("ledger: verify anchor seq %d: %w", fromSeq-1, err)
		}
		prevChain = prev.ChainHash
	}

	expectSeq := fromSeq
	err := l.store.Scan(ctx, fromSeq, toSeq, func(e *Entry) error {
		if e.Seq != expectSeq {
			return &IntegrityError{Seq: expectSeq, Reason: fmt.Sprintf("missing entry, found seq %d", e.Seq)}
		}
		if got := hashEntry(e); got != e.Hash {
			return &IntegrityError{Seq: e.Seq, Reason: "entry hash mismatch"}
		}
		if got := chainHash(prevChain, e.Hash); got != e.ChainHash {
			return &IntegrityError{Seq: e.Seq, Reason: "chain hash mismatch"}
		}
		prevChain = e.ChainHash
		expectSeq++
		return nil
	})
	if err != nil {
		return err
	}
	if expectSeq <= toSeq {
		return &IntegrityError{Seq: expectSeq, Reason: "entry missing"}
	}
	return nil
}

// Export returns the ordered entries for one room within [fromSeq,
// toSeq], chain values included. Read-only, privileged.
func (l *Ledger) Export(ctx context.Context, roomID string, fromSeq, toSeq uint64) ([]Entry, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	var out []Entry
	err := l.store.Scan(ctx, fromSeq, toSeq, func(e *Entry) error {
		if roomID == "" || e.RoomID == roomID {
			out = append(out, *e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Head returns the latest sequence number and chain value.
func (l *Ledger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq, l.lastChain
}

func (l *Ledger) Close() error {
	return l.store.Close()
}

// hashEntry hashes the canonical serialization: fixed field order,
// unit-separator joined, payload base64'd. Hash fields excluded.
func hashEntry(e *Entry) string {
	canonical := strings.Join([]string{
		strconv.FormatUint(e.Seq, 10),
		e.ID,
		e.Timestamp.Format(time.RFC3339Nano),
		e.EventType,
		e.RoomID,
		e.UserID,
		e.Actor,
		base64.StdEncoding.EncodeToString(e.Payload),
	}, "\x1f")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func chainHash(prevChain, entryHash string) string {
	sum := sha256.Sum256([]byte(prevChain + entryHash))
	return hex.EncodeToString(sum[:])
}
