package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

// PebbleStore is a durable ConversationStore backed by a Pebble database.
//
// Key layout, namespaced by user so switching accounts cannot leak cached
// history:
//
//	u:<uid>:p:<pid>:m:<padded createdAt nanos>-<seq>  message record (JSON)
//	u:<uid>:p:<pid>:i:<msgID>                         id -> message key
//	u:<uid>:q:<msgID>                                 pending index (JSON ref)
//	meta:seq                                          insertion counter high-water
//
// User, partner and message ids are percent-escaped inside keys so an id
// containing ':' cannot cross a namespace boundary. Per-partner reads are a
// single prefix scan; the pending sweep scans only the q: namespace instead
// of every conversation.
type PebbleStore struct {
	db  *pebble.DB
	log zerolog.Logger

	mu     sync.RWMutex
	userID string

	// seq disambiguates keys when two messages share a nanosecond timestamp.
	// Its high-water mark is persisted with each write so the counter resumes
	// past every stored entry after a reopen.
	seq uint64
}

var seqKey = []byte("meta:seq")

// keyEscaper keeps ':' out of id-derived key segments.
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func escapeSeg(s string) string {
	return keyEscaper.Replace(s)
}

// pendingRef is the pending index value: enough to find the message record
// without decoding anything back out of the key.
type pendingRef struct {
	Partner string `json:"partner"`
	MsgID   string `json:"msgId"`
}

// PebbleOption configures a PebbleStore.
type PebbleOption func(*PebbleStore)

// WithPebbleLogger sets the store's logger. Defaults to a no-op logger.
func WithPebbleLogger(log zerolog.Logger) PebbleOption {
	return func(s *PebbleStore) { s.log = log }
}

// NewPebbleStore opens (or creates) the database at path, scoped to userID.
func NewPebbleStore(path, userID string, opts ...PebbleOption) (*PebbleStore, error) {
	s := &PebbleStore{userID: userID, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	s.db = db

	// resume the insertion counter past every persisted entry so a message
	// written after a reopen can never collide with a stored key
	val, closer, err := db.Get(seqKey)
	switch {
	case err == pebble.ErrNotFound:
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("read insertion counter: %w", err)
	default:
		if n, perr := strconv.ParseUint(string(val), 10, 64); perr == nil {
			s.seq = n
		}
		closer.Close()
	}

	s.log.Info().Str("path", path).Str("user", userID).Msg("store opened")
	return s, nil
}

func (s *PebbleStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PebbleStore) SetCurrentUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

func (s *PebbleStore) CurrentUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// ── keys ─────────────────────────────────────────────────

func (s *PebbleStore) partnerPrefix(uid, pid string) []byte {
	return []byte(fmt.Sprintf("u:%s:p:%s:m:", escapeSeg(uid), escapeSeg(pid)))
}

func (s *PebbleStore) msgKey(uid, pid string, m *Message) []byte {
	return []byte(fmt.Sprintf("u:%s:p:%s:m:%020d-%06d", escapeSeg(uid), escapeSeg(pid), m.CreatedAt.UnixNano(), m.Seq))
}

func (s *PebbleStore) idKey(uid, pid, msgID string) []byte {
	return []byte(fmt.Sprintf("u:%s:p:%s:i:%s", escapeSeg(uid), escapeSeg(pid), escapeSeg(msgID)))
}

func (s *PebbleStore) pendingKey(uid, msgID string) []byte {
	return []byte(fmt.Sprintf("u:%s:q:%s", escapeSeg(uid), escapeSeg(msgID)))
}

func (s *PebbleStore) stamp(m *Message) {
	if m.Seq == 0 {
		m.Seq = atomic.AddUint64(&s.seq, 1)
	}
}

// stageSeq records the counter high-water mark in the same batch as the
// writes that consumed it.
func (s *PebbleStore) stageSeq(b *pebble.Batch) error {
	return b.Set(seqKey, []byte(strconv.FormatUint(atomic.LoadUint64(&s.seq), 10)), nil)
}

// ── reads ────────────────────────────────────────────────

func (s *PebbleStore) GetMessages(partnerID string) ([]Message, error) {
	s.mu.RLock()
	uid := s.userID
	s.mu.RUnlock()
	return s.scanPartner(uid, partnerID)
}

func (s *PebbleStore) scanPartner(uid, pid string) ([]Message, error) {
	prefix := s.partnerPrefix(uid, pid)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("corrupt message record %q: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortLog(out)
	return out, nil
}

// lookupMessage resolves a message by id via the id index. Returns found=false
// for ordinary absence.
func (s *PebbleStore) lookupMessage(uid, pid, msgID string) (Message, []byte, bool, error) {
	var m Message
	keyRef, closer, err := s.db.Get(s.idKey(uid, pid, msgID))
	if err == pebble.ErrNotFound {
		return m, nil, false, nil
	}
	if err != nil {
		return m, nil, false, err
	}
	key := append([]byte(nil), keyRef...)
	closer.Close()

	val, vcloser, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return m, nil, false, nil
	}
	if err != nil {
		return m, nil, false, err
	}
	defer vcloser.Close()
	if err := json.Unmarshal(val, &m); err != nil {
		return m, nil, false, fmt.Errorf("corrupt message record %q: %w", key, err)
	}
	return m, key, true, nil
}

// ── writes ───────────────────────────────────────────────

// setEntry stages the message record plus its id and pending index entries.
func (s *PebbleStore) setEntry(b *pebble.Batch, uid, pid string, m *Message, key []byte) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.Set(key, data, nil); err != nil {
		return err
	}
	if err := b.Set(s.idKey(uid, pid, m.ID), key, nil); err != nil {
		return err
	}
	if m.SenderID == uid && m.Pending() {
		ref, err := json.Marshal(pendingRef{Partner: pid, MsgID: m.ID})
		if err != nil {
			return fmt.Errorf("marshal pending ref: %w", err)
		}
		return b.Set(s.pendingKey(uid, m.ID), ref, nil)
	}
	return b.Delete(s.pendingKey(uid, m.ID), nil)
}

func (s *PebbleStore) AddMessage(partnerID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := s.userID

	existing, key, found, err := s.lookupMessage(uid, partnerID, msg.ID)
	if err != nil {
		return err
	}
	if found && msg.Seq == 0 {
		msg.Seq = existing.Seq
	}
	s.stamp(&msg)
	if !found {
		key = s.msgKey(uid, partnerID, &msg)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.setEntry(b, uid, partnerID, &msg, key); err != nil {
		return err
	}
	if err := s.stageSeq(b); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error().Err(err).Str("partner", partnerID).Str("msg", msg.ID).Msg("add message failed")
		return err
	}
	return nil
}

func (s *PebbleStore) ReplaceMessage(partnerID, oldID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := s.userID

	old, oldKey, found, err := s.lookupMessage(uid, partnerID, oldID)
	if err != nil {
		return err
	}
	if found && msg.Seq == 0 {
		msg.Seq = old.Seq
	}
	s.stamp(&msg)

	b := s.db.NewBatch()
	defer b.Close()
	if found {
		if err := b.Delete(oldKey, nil); err != nil {
			return err
		}
		if err := b.Delete(s.idKey(uid, partnerID, oldID), nil); err != nil {
			return err
		}
		if err := b.Delete(s.pendingKey(uid, oldID), nil); err != nil {
			return err
		}
	}
	if err := s.setEntry(b, uid, partnerID, &msg, s.msgKey(uid, partnerID, &msg)); err != nil {
		return err
	}
	if err := s.stageSeq(b); err != nil {
		return err
	}
	// single commit: the old and new representations are never both visible
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error().Err(err).Str("partner", partnerID).Str("old", oldID).Str("new", msg.ID).Msg("replace message failed")
		return err
	}
	return nil
}

func (s *PebbleStore) SaveMessages(partnerID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := s.userID

	existing, err := s.scanPartner(uid, partnerID)
	if err != nil {
		return err
	}
	replacement := make([]Message, len(msgs))
	copy(replacement, msgs)
	for i := range replacement {
		s.stamp(&replacement[i])
	}
	merged := mergeLogs(existing, replacement)

	b := s.db.NewBatch()
	defer b.Close()
	for i := range existing {
		old := &existing[i]
		if err := b.Delete(s.msgKey(uid, partnerID, old), nil); err != nil {
			return err
		}
		if err := b.Delete(s.idKey(uid, partnerID, old.ID), nil); err != nil {
			return err
		}
		if err := b.Delete(s.pendingKey(uid, old.ID), nil); err != nil {
			return err
		}
	}
	for i := range merged {
		m := &merged[i]
		if err := s.setEntry(b, uid, partnerID, m, s.msgKey(uid, partnerID, m)); err != nil {
			return err
		}
	}
	if err := s.stageSeq(b); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error().Err(err).Str("partner", partnerID).Int("count", len(merged)).Msg("save messages failed")
		return err
	}
	return nil
}

func (s *PebbleStore) UpdateMessageStatus(partnerID, messageID string, status DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := s.userID

	m, key, found, err := s.lookupMessage(uid, partnerID, messageID)
	if err != nil || !found {
		return err
	}
	if !m.DeliveryStatus.CanTransition(status) {
		return nil
	}
	m.DeliveryStatus = status
	if status != StatusSending && status != StatusFailed {
		m.IsOffline = false
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.setEntry(b, uid, partnerID, &m, key); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) GetPendingMessages(userID string) ([]PendingMessage, error) {
	s.mu.RLock()
	uid := s.userID
	s.mu.RUnlock()

	prefix := []byte(fmt.Sprintf("u:%s:q:", escapeSeg(uid)))
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}

	var refs []pendingRef
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var r pendingRef
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			iter.Close()
			return nil, fmt.Errorf("corrupt pending ref %q: %w", iter.Key(), err)
		}
		refs = append(refs, r)
	}
	err = iter.Error()
	iter.Close()
	if err != nil {
		return nil, err
	}

	var out []PendingMessage
	for _, r := range refs {
		m, _, found, err := s.lookupMessage(uid, r.Partner, r.MsgID)
		if err != nil {
			return nil, err
		}
		if found && m.SenderID == userID && m.Pending() {
			out = append(out, PendingMessage{ConversationKey: r.Partner, Message: m})
		}
	}
	return out, nil
}
