package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"reliefchain/core/types"
	"reliefchain/state"
)

var (
	// ErrChainBroken reports a verification failure: a stored entry's hash
	// does not match its recomputed digest or its predecessor link.
	ErrChainBroken = errors.New("audit: hash chain broken")
	// ErrEntryNotFound marks lookups for unknown sequences or request ids.
	ErrEntryNotFound = errors.New("audit: entry not found")

	errStateNotConfigured = errors.New("audit: state not configured")
)

const (
	entryPrefix   = "audit/entry/"
	requestPrefix = "audit/request/"
	headKey       = "audit/head"
	entrySeqName  = "audit/entry"
)

// Entry is one immutable audit record. Hash covers the entry's canonical
// encoding chained over PrevHash, so any retroactive edit to a stored record
// breaks every hash that follows it.
type Entry struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	TxID      string    `json:"tx_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ProgramID string    `json:"program_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// digest computes the canonical blake3 hash for the entry. The encoding is
// length-delimited so field boundaries cannot be forged by concatenation.
func (e *Entry) digest() ([32]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := binary.Write(buf, binary.BigEndian, e.Sequence); err != nil {
		return [32]byte{}, err
	}
	if err := binary.Write(buf, binary.BigEndian, e.Timestamp.UTC().UnixNano()); err != nil {
		return [32]byte{}, err
	}
	fields := []string{e.Operation, e.TxID, e.RequestID, e.ProgramID, e.From, e.To, e.Amount, e.Kind, e.PrevHash}
	for _, field := range fields {
		if err := binary.Write(buf, binary.BigEndian, uint32(len(field))); err != nil {
			return [32]byte{}, err
		}
		buf.WriteString(field)
	}
	return blake3.Sum256(buf.Bytes()), nil
}

type head struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// auditState is the narrow persistence surface the log depends on.
type auditState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVBatch(apply func(w state.KVWriter) error) error
	KVIterate(prefix []byte, fn func(key, value []byte) error) error
	NextSequence(name string) (uint64, error)
}

// Log is an append-only, hash-chained record of every state-changing token
// operation. Appends serialise on a mutex so the chain order matches the
// sequence order exactly.
type Log struct {
	mu    sync.Mutex
	state auditState
	nowFn func() time.Time
}

// NewLog constructs an audit log with the default UTC clock.
func NewLog() *Log {
	return &Log{nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetState wires the log to the persistence backend.
func (l *Log) SetState(state auditState) { l.state = state }

// SetNowFunc overrides the clock. Nil restores the UTC default.
func (l *Log) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	l.nowFn = now
}

func entryKey(sequence uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, sequence))
}

// Record appends one entry describing a completed operation. The transaction
// is optional: administrative operations without a ledger movement pass nil.
func (l *Log) Record(op string, tx *types.Transaction) error {
	if l == nil || l.state == nil {
		return errStateNotConfigured
	}
	entry := &Entry{
		Operation: strings.TrimSpace(op),
		Timestamp: l.nowFn(),
	}
	if tx != nil {
		entry.TxID = tx.ID
		entry.RequestID = tx.RequestID
		entry.ProgramID = tx.ProgramID
		entry.From = tx.From
		entry.To = tx.To
		entry.Kind = string(tx.Kind)
		if tx.Amount != nil {
			entry.Amount = tx.Amount.String()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var h head
	if _, err := l.state.KVGet([]byte(headKey), &h); err != nil {
		return err
	}
	sequence, err := l.state.NextSequence(entrySeqName)
	if err != nil {
		return err
	}
	entry.Sequence = sequence
	entry.PrevHash = h.Hash

	digest, err := entry.digest()
	if err != nil {
		return err
	}
	entry.Hash = hex.EncodeToString(digest[:])

	// Entry, request index, and head commit together so a crash can never
	// leave the chain head pointing past a missing entry.
	return l.state.KVBatch(func(w state.KVWriter) error {
		if err := w.KVPut(entryKey(sequence), entry); err != nil {
			return err
		}
		if entry.RequestID != "" {
			if err := w.KVPut([]byte(requestPrefix+entry.RequestID), sequence); err != nil {
				return err
			}
		}
		return w.KVPut([]byte(headKey), head{Sequence: sequence, Hash: entry.Hash})
	})
}

// Get returns the entry at the given sequence.
func (l *Log) Get(sequence uint64) (*Entry, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	var entry Entry
	ok, err := l.state.KVGet(entryKey(sequence), &entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, sequence)
	}
	return &entry, nil
}

// FindByRequestID resolves the audit entry recorded for an idempotent
// operation's request id.
func (l *Log) FindByRequestID(requestID string) (*Entry, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("%w: empty request id", ErrEntryNotFound)
	}
	var sequence uint64
	ok, err := l.state.KVGet([]byte(requestPrefix+requestID), &sequence)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrEntryNotFound, requestID)
	}
	return l.Get(sequence)
}

// List returns up to limit entries starting at the given sequence, in
// ascending order. A limit of zero means no cap.
func (l *Log) List(fromSequence uint64, limit int) ([]*Entry, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	out := make([]*Entry, 0)
	err := l.state.KVIterate([]byte(entryPrefix), func(_, value []byte) error {
		var entry Entry
		if err := decodeEntry(value, &entry); err != nil {
			return err
		}
		if entry.Sequence < fromSequence {
			return nil
		}
		if limit > 0 && len(out) >= limit {
			return errStopIteration
		}
		out = append(out, &entry)
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return out, nil
}

// Verify walks the whole chain recomputing every digest and predecessor
// link. It returns the number of verified entries.
func (l *Log) Verify() (int, error) {
	if l == nil || l.state == nil {
		return 0, errStateNotConfigured
	}
	verified := 0
	prevHash := ""
	err := l.state.KVIterate([]byte(entryPrefix), func(key, value []byte) error {
		var entry Entry
		if err := decodeEntry(value, &entry); err != nil {
			return err
		}
		if entry.PrevHash != prevHash {
			return fmt.Errorf("%w: entry %d links %q, expected %q", ErrChainBroken, entry.Sequence, entry.PrevHash, prevHash)
		}
		digest, err := entry.digest()
		if err != nil {
			return err
		}
		if hex.EncodeToString(digest[:]) != entry.Hash {
			return fmt.Errorf("%w: entry %d content does not match its hash", ErrChainBroken, entry.Sequence)
		}
		prevHash = entry.Hash
		verified++
		return nil
	})
	if err != nil {
		return verified, err
	}

	var h head
	ok, err := l.state.KVGet([]byte(headKey), &h)
	if err != nil {
		return verified, err
	}
	if ok && h.Hash != prevHash {
		return verified, fmt.Errorf("%w: head records %q, chain ends at %q", ErrChainBroken, h.Hash, prevHash)
	}
	return verified, nil
}

var errStopIteration = errors.New("audit: stop iteration")

func decodeEntry(raw []byte, out *Entry) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("audit: decode entry: %w", err)
	}
	return nil
}
