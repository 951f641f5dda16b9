package store

import (
	"sync"

	"alumni-chat/internal/model"
)

type messageStore struct {
	mu     sync.RWMutex
	data   map[int64][]model.Message // room id -> messages in insertion order
	roomOf map[int64]int64           // message id -> room id
}

func newMessageStore() *messageStore {
	return &messageStore{
		data:   make(map[int64][]model.Message),
		roomOf: make(map[int64]int64),
	}
}

func (m *messageStore) append(roomID int64, msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[roomID] = append(m.data[roomID], msg.Clone())
	m.roomOf[msg.ID] = roomID
}

func (m *messageStore) list(roomID int64) []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.data[roomID]
	result := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, msg.Clone())
	}
	return result
}

func (m *messageStore) last(roomID int64) (model.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.data[roomID]
	if len(msgs) == 0 {
		return model.Message{}, false
	}
	return msgs[len(msgs)-1].Clone(), true
}

func (m *messageStore) find(messageID int64) (model.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roomID, ok := m.roomOf[messageID]
	if !ok {
		return model.Message{}, false
	}
	for _, msg := range m.data[roomID] {
		if msg.ID == messageID {
			return msg.Clone(), true
		}
	}
	return model.Message{}, false
}

func (m *messageStore) update(roomID, messageID int64, fn func(*model.Message)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.data[roomID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			fn(&msgs[i])
			return true
		}
	}
	return false
}
