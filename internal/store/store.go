package store

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"alumni-chat/internal/model"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
)

type user struct {
	model.Participant
	passwordHash []byte
}

type room struct {
	id        int64
	kind      string
	name      string
	members   []int64
	createdAt time.Time
}

func (r *room) hasMember(id int64) bool {
	for _, m := range r.members {
		if m == id {
			return true
		}
	}
	return false
}

type Store struct {
	mu sync.RWMutex

	usersByID     map[int64]user
	userIDByEmail map[string]int64

	roomsByID        map[int64]*room
	directRoomByPair map[string]int64 // low id + "|" + high id -> room id

	meetingsByID map[int64]model.MeetingRequest
	// message id -> reader id -> time
	reads map[int64]map[int64]time.Time

	messages *messageStore
	seq      *seqGenerator
}

func New() *Store {
	return &Store{
		usersByID:        make(map[int64]user),
		userIDByEmail:    make(map[string]int64),
		roomsByID:        make(map[int64]*room),
		directRoomByPair: make(map[string]int64),
		meetingsByID:     make(map[int64]model.MeetingRequest),
		reads:            make(map[int64]map[int64]time.Time),
		messages:         newMessageStore(),
		seq:              newSeqGenerator(),
	}
}

func (s *Store) CreateUser(email, password, firstName, lastName, userType string) (model.Participant, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return model.Participant{}, errors.New("missing email or password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.Participant{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.userIDByEmail[email]; exists {
		return model.Participant{}, ErrEmailTaken
	}
	p := model.Participant{
		ID:        s.seq.next(seqUser),
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
		UserType:  userType,
	}
	s.usersByID[p.ID] = user{Participant: p, passwordHash: hash}
	s.userIDByEmail[email] = p.ID
	log.Printf("store: created user %d (%s)", p.ID, email)
	return p, nil
}

func (s *Store) Authenticate(email, password string) (model.Participant, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.RLock()
	id, ok := s.userIDByEmail[email]
	u := s.usersByID[id]
	s.mu.RUnlock()

	if !ok {
		return model.Participant{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return model.Participant{}, ErrInvalidCredentials
	}
	return u.Participant, nil
}

func (s *Store) GetUser(id int64) (model.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	return u.Participant, ok
}

func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d|%d", a, b)
}

func (s *Store) GetOrCreateDirectRoom(a, b int64, now time.Time) (model.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, created, err := s.directRoomLocked(a, b, now)
	if err != nil {
		return model.Room{}, false, err
	}
	return s.roomViewLocked(r, a), created, nil
}

func (s *Store) directRoomLocked(a, b int64, now time.Time) (*room, bool, error) {
	if a == b {
		return nil, false, fmt.Errorf("%w: cannot open a room with yourself", ErrForbidden)
	}
	if _, ok := s.usersByID[a]; !ok {
		return nil, false, fmt.Errorf("user %d: %w", a, ErrNotFound)
	}
	if _, ok := s.usersByID[b]; !ok {
		return nil, false, fmt.Errorf("user %d: %w", b, ErrNotFound)
	}

	key := pairKey(a, b)
	if id, ok := s.directRoomByPair[key]; ok {
		return s.roomsByID[id], false, nil
	}
	r := &room{id: s.seq.next(seqRoom), kind: "direct", members: []int64{a, b}, createdAt: now}
	s.roomsByID[r.id] = r
	s.directRoomByPair[key] = r.id
	return r, true, nil
}

func (s *Store) CreateGroupRoom(name string, members []int64, now time.Time) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(members) < 2 {
		return model.Room{}, errors.New("group room needs at least two members")
	}
	for _, id := range members {
		if _, ok := s.usersByID[id]; !ok {
			return model.Room{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
	}
	r := &room{id: s.seq.next(seqRoom), kind: "group", name: name, members: append([]int64(nil), members...), createdAt: now}
	s.roomsByID[r.id] = r
	return s.roomViewLocked(r, members[0]), nil
}

func (s *Store) ListRooms(userID int64) []model.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Room, 0)
	for _, r := range s.roomsByID {
		if r.hasMember(userID) {
			result = append(result, s.roomViewLocked(r, userID))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ai, aj := s.activityLocked(result[i]), s.activityLocked(result[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func (s *Store) activityLocked(r model.Room) time.Time {
	if r.LastMessage != nil {
		return r.LastMessage.CreatedAt
	}
	return s.roomsByID[r.ID].createdAt
}

func (s *Store) GetRoom(userID, roomID int64) (model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.memberRoomLocked(userID, roomID)
	if err != nil {
		return model.Room{}, err
	}
	return s.roomViewLocked(r, userID), nil
}

func (s *Store) memberRoomLocked(userID, roomID int64) (*room, error) {
	r, ok := s.roomsByID[roomID]
	if !ok {
		return nil, fmt.Errorf("room %d: %w", roomID, ErrNotFound)
	}
	if !r.hasMember(userID) {
		return nil, fmt.Errorf("room %d: %w", roomID, ErrForbidden)
	}
	return r, nil
}

func (s *Store) roomViewLocked(r *room, viewer int64) model.Room {
	out := model.Room{ID: r.id, Type: r.kind, Name: r.name}
	for _, id := range r.members {
		out.Participants = append(out.Participants, s.usersByID[id].Participant)
	}
	if last, ok := s.messages.last(r.id); ok {
		summary := s.decorateLocked(last).Summary()
		out.LastMessage = &summary
	}
	for _, m := range s.messages.list(r.id) {
		if m.Sender.ID != viewer && !s.readByLocked(m.ID, viewer) {
			out.UnreadCount++
		}
	}
	return out
}

func (s *Store) ListMessages(userID, roomID int64) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.memberRoomLocked(userID, roomID); err != nil {
		return nil, err
	}
	msgs := s.messages.list(roomID)
	result := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, s.decorateLocked(m))
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) decorateLocked(m model.Message) model.Message {
	out := m.Clone()
	if u, ok := s.usersByID[m.Sender.ID]; ok {
		out.Sender = model.UserRef{ID: u.ID, Name: u.FullName(), Email: u.Email}
	}
	if at, ok := s.reads[m.ID][m.Recipient]; ok && m.Recipient != 0 {
		out.ReadAt = &at
	}
	return out
}

func (s *Store) readByLocked(messageID, userID int64) bool {
	_, ok := s.reads[messageID][userID]
	return ok
}

func (s *Store) AppendMessage(senderID, recipientID int64, content string, attachments []model.Attachment, now time.Time) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _, err := s.directRoomLocked(senderID, recipientID, now)
	if err != nil {
		return model.Message{}, err
	}
	msg := model.Message{
		ID:        s.seq.next(seqMessage),
		RoomID:    r.id,
		Sender:    model.UserRef{ID: senderID},
		Recipient: recipientID,
		Content:   content,
		Kind:      model.KindPlain,
		CreatedAt: now,
	}
	for _, a := range attachments {
		a.ID = s.seq.next(seqAttachment)
		msg.Attachments = append(msg.Attachments, a)
	}
	s.messages.append(r.id, msg)
	return s.decorateLocked(msg), nil
}

func (s *Store) RequestMeeting(requesterID, recipientID int64, at time.Time, topic string, now time.Time) (model.MeetingRequest, model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _, err := s.directRoomLocked(requesterID, recipientID, now)
	if err != nil {
		return model.MeetingRequest{}, model.Message{}, err
	}

	msg := model.Message{
		ID:        s.seq.next(seqMessage),
		RoomID:    r.id,
		Sender:    model.UserRef{ID: requesterID},
		Recipient: recipientID,
		Content:   "Meeting request: " + topic,
		Kind:      model.KindMeetingRequest,
		CreatedAt: now,
		Meeting:   &model.MeetingData{Datetime: at, Topic: topic, Status: model.MeetingPending},
	}
	s.messages.append(r.id, msg)

	meeting := model.MeetingRequest{
		ID:        s.seq.next(seqMeeting),
		RoomID:    r.id,
		MessageID: msg.ID,
		Requester: model.UserRef{ID: requesterID},
		Recipient: model.UserRef{ID: recipientID},
		Datetime:  at,
		Topic:     topic,
		Status:    model.MeetingPending,
		CreatedAt: now,
	}
	s.meetingsByID[meeting.ID] = meeting
	return s.meetingViewLocked(meeting), s.decorateLocked(msg), nil
}

// RespondMeeting records the recipient's answer, updates the request message
// status and stores an approved/rejected message from the responder.
func (s *Store) RespondMeeting(userID, meetingID int64, status model.MeetingStatus, now time.Time) (model.MeetingRequest, model.Message, error) {
	if !status.IsResponse() {
		return model.MeetingRequest{}, model.Message{}, fmt.Errorf("invalid meeting status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	meeting, ok := s.meetingsByID[meetingID]
	if !ok {
		return model.MeetingRequest{}, model.Message{}, fmt.Errorf("meeting %d: %w", meetingID, ErrNotFound)
	}
	if meeting.Recipient.ID != userID {
		return model.MeetingRequest{}, model.Message{}, fmt.Errorf("meeting %d: %w", meetingID, ErrForbidden)
	}

	meeting.Status = status
	s.meetingsByID[meetingID] = meeting
	s.messages.update(meeting.RoomID, meeting.MessageID, func(m *model.Message) {
		if m.Meeting != nil {
			m.Meeting.Status = status
		}
	})

	kind := model.KindMeetingApproved
	if status == model.MeetingRejected {
		kind = model.KindMeetingRejected
	}
	msg := model.Message{
		ID:        s.seq.next(seqMessage),
		RoomID:    meeting.RoomID,
		Sender:    model.UserRef{ID: userID},
		Recipient: meeting.Requester.ID,
		Content:   fmt.Sprintf("Meeting %s: %s", status, meeting.Topic),
		Kind:      kind,
		CreatedAt: now,
		Meeting:   &model.MeetingData{Datetime: meeting.Datetime, Topic: meeting.Topic, Status: status},
	}
	s.messages.append(meeting.RoomID, msg)
	return s.meetingViewLocked(meeting), s.decorateLocked(msg), nil
}

func (s *Store) GetMeeting(userID, meetingID int64) (model.MeetingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meeting, ok := s.meetingsByID[meetingID]
	if !ok {
		return model.MeetingRequest{}, fmt.Errorf("meeting %d: %w", meetingID, ErrNotFound)
	}
	if meeting.Requester.ID != userID && meeting.Recipient.ID != userID {
		return model.MeetingRequest{}, fmt.Errorf("meeting %d: %w", meetingID, ErrForbidden)
	}
	return s.meetingViewLocked(meeting), nil
}

func (s *Store) ListMeetings(userID int64) []model.MeetingRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.MeetingRequest, 0)
	for _, m := range s.meetingsByID {
		if m.Requester.ID == userID || m.Recipient.ID == userID {
			result = append(result, s.meetingViewLocked(m))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func (s *Store) meetingViewLocked(m model.MeetingRequest) model.MeetingRequest {
	for _, ref := range []*model.UserRef{&m.Requester, &m.Recipient} {
		if u, ok := s.usersByID[ref.ID]; ok {
			ref.Name = u.FullName()
		}
	}
	return m
}

// MarkRead records that userID has read a message. Marking one's own message
// is a no-op.
func (s *Store) MarkRead(userID, messageID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages.find(messageID)
	if !ok {
		return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	if _, err := s.memberRoomLocked(userID, msg.RoomID); err != nil {
		return err
	}
	if msg.Sender.ID == userID {
		return nil
	}
	readers, ok := s.reads[messageID]
	if !ok {
		readers = make(map[int64]time.Time)
		s.reads[messageID] = readers
	}
	if _, done := readers[userID]; !done {
		readers[userID] = now
	}
	return nil
}
