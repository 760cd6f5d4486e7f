package chatsync

import "sync"

// MemoryStore is a goroutine-safe in-memory ConversationStore. It backs
// tests and throwaway sessions; production sessions use PebbleStore.
type MemoryStore struct {
	mu      sync.RWMutex
	userID  string
	logs    map[string]map[string][]Message // user -> partner -> ordered log
	nextSeq uint64
}

// NewMemoryStore creates an in-memory store scoped to userID.
func NewMemoryStore(userID string) *MemoryStore {
	return &MemoryStore{
		userID: userID,
		logs:   make(map[string]map[string][]Message),
	}
}

func (s *MemoryStore) SetCurrentUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

func (s *MemoryStore) CurrentUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *MemoryStore) userLogs() map[string][]Message {
	logs, ok := s.logs[s.userID]
	if !ok {
		logs = make(map[string][]Message)
		s.logs[s.userID] = logs
	}
	return logs
}

func (s *MemoryStore) stamp(m *Message) {
	if m.Seq == 0 {
		s.nextSeq++
		m.Seq = s.nextSeq
	}
}

func (s *MemoryStore) GetMessages(partnerID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[s.userID][partnerID]
	out := make([]Message, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryStore) SaveMessages(partnerID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replacement := make([]Message, len(msgs))
	copy(replacement, msgs)
	for i := range replacement {
		s.stamp(&replacement[i])
	}
	logs := s.userLogs()
	logs[partnerID] = mergeLogs(logs[partnerID], replacement)
	return nil
}

func (s *MemoryStore) AddMessage(partnerID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := s.userLogs()
	log := logs[partnerID]
	for i := range log {
		if log[i].ID == msg.ID {
			// upsert keeps the original slot in tie order
			if msg.Seq == 0 {
				msg.Seq = log[i].Seq
			}
			log[i] = msg
			sortLog(log)
			return nil
		}
	}
	s.stamp(&msg)
	log = append(log, msg)
	sortLog(log)
	logs[partnerID] = log
	return nil
}

func (s *MemoryStore) ReplaceMessage(partnerID, oldID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := s.userLogs()
	log := logs[partnerID]
	out := log[:0]
	for i := range log {
		if log[i].ID == oldID || log[i].ID == msg.ID {
			// the confirmed entry inherits the provisional slot in tie order
			if msg.Seq == 0 {
				msg.Seq = log[i].Seq
			}
			continue
		}
		out = append(out, log[i])
	}
	s.stamp(&msg)
	out = append(out, msg)
	sortLog(out)
	logs[partnerID] = out
	return nil
}

func (s *MemoryStore) UpdateMessageStatus(partnerID, messageID string, status DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[s.userID][partnerID]
	for i := range log {
		if log[i].ID != messageID {
			continue
		}
		if !log[i].DeliveryStatus.CanTransition(status) {
			return nil
		}
		log[i].DeliveryStatus = status
		if status != StatusSending && status != StatusFailed {
			log[i].IsOffline = false
		}
		return nil
	}
	return nil
}

func (s *MemoryStore) GetPendingMessages(userID string) ([]PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PendingMessage
	for partnerID, log := range s.logs[s.userID] {
		for i := range log {
			m := &log[i]
			if m.SenderID == userID && m.Pending() {
				out = append(out, PendingMessage{ConversationKey: partnerID, Message: *m})
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
