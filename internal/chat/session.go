package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"alumni-chat/internal/model"
	"alumni-chat/internal/realtime"
)

var (
	ErrUnknownThread  = errors.New("chat: unknown thread")
	ErrInvalidMeeting = errors.New("chat: invalid meeting")
)

type Transport interface {
	On(kind realtime.Kind, h realtime.Handler) realtime.Subscription
	Off(sub realtime.Subscription)
	Send(o realtime.Outbound) error
	State() realtime.State
}

type RoomService interface {
	ListRooms(ctx context.Context) ([]model.Room, error)
	ListMessages(ctx context.Context, roomID int64) ([]model.Message, error)
}

type Options struct {
	SelfID         int64
	TypingDebounce time.Duration
	FetchTimeout   time.Duration
	Logger         *log.Logger
	// OnChange is called after every state mutation, outside the session lock.
	OnChange func()
}

type View struct {
	Threads           []model.Room
	Selected          int64
	Loading           bool
	Messages          []model.Message
	Typing            []int64
	LocalTyping       bool
	Connection        realtime.State
	DisconnectedSince time.Time
	LastServerError   string
}

type Session struct {
	transport Transport
	rooms     RoomService
	opts      Options

	mu          sync.Mutex
	threads     []model.Room
	selected    int64
	fetchSeq    uint64
	loading     bool
	messages    []model.Message
	buffered    []model.Message
	meetings    map[int64]int64 // meeting id -> message id
	typingUsers map[int64]string
	typing      typingState
	subs        []realtime.Subscription
	closed      bool

	// refreshing is set while an unknown-thread refresh runs; refreshAgain
	// asks it for one more pass.
	refreshing   bool
	refreshAgain bool

	connection        realtime.State
	disconnectedSince time.Time
	lastServerError   string
}

func NewSession(t Transport, rooms RoomService, opts Options) *Session {
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Session{
		transport:   t,
		rooms:       rooms,
		opts:        opts,
		meetings:    make(map[int64]int64),
		typingUsers: make(map[int64]string),
		connection:  t.State(),
	}
}

func (s *Session) Start(ctx context.Context) error {
	subs := []realtime.Subscription{
		s.transport.On(realtime.KindMessage, s.onMessage),
		s.transport.On(realtime.KindTyping, s.onTyping),
		s.transport.On(realtime.KindMeetingRequest, s.onMeetingRequest),
		s.transport.On(realtime.KindMeetingResponse, s.onMeetingResponse),
		s.transport.On(realtime.KindError, s.onServerError),
	}
	s.mu.Lock()
	s.subs = append(s.subs, subs...)
	s.closed = false
	s.mu.Unlock()

	return s.RefreshThreads(ctx)
}

func (s *Session) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	to, wasTyping := s.stopTypingLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		s.transport.Off(sub)
	}
	if wasTyping {
		s.sendTyping(to, false)
	}
}

func (s *Session) RefreshThreads(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	rooms, err := s.rooms.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("chat: fetch threads: %w", err)
	}

	s.mu.Lock()
	s.threads = make([]model.Room, 0, len(rooms))
	for _, r := range rooms {
		r = r.Clone()
		if r.ID == s.selected {
			r.UnreadCount = 0
		}
		s.threads = append(s.threads, r)
	}
	s.mu.Unlock()

	s.changed()
	return nil
}

// Select makes roomID the active thread and replaces its message list with
// freshly fetched history. A fetch overtaken by a later selection is dropped.
func (s *Session) Select(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	idx := s.threadIndexLocked(roomID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownThread, roomID)
	}
	to, wasTyping := s.stopTypingLocked()
	s.fetchSeq++
	seq := s.fetchSeq
	s.selected = roomID
	s.loading = true
	s.messages = nil
	s.buffered = nil
	s.typingUsers = make(map[int64]string)
	s.threads[idx].UnreadCount = 0
	s.mu.Unlock()

	if wasTyping {
		s.sendTyping(to, false)
	}
	s.changed()

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	history, err := s.rooms.ListMessages(fetchCtx, roomID)
	cancel()

	s.mu.Lock()
	if seq != s.fetchSeq || s.selected != roomID {
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	if err == nil {
		s.messages = make([]model.Message, 0, len(history)+len(s.buffered))
		for _, m := range history {
			s.messages = append(s.messages, m.Clone())
		}
		sort.SliceStable(s.messages, func(i, j int) bool {
			return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
		})
	}
	for _, m := range s.buffered {
		s.appendLocked(m)
	}
	s.buffered = nil
	s.mu.Unlock()

	s.changed()
	if err != nil {
		return fmt.Errorf("chat: fetch history for room %d: %w", roomID, err)
	}
	return nil
}

func (s *Session) ClearSelection() {
	s.mu.Lock()
	to, wasTyping := s.stopTypingLocked()
	s.fetchSeq++
	s.selected = 0
	s.loading = false
	s.messages = nil
	s.buffered = nil
	s.typingUsers = make(map[int64]string)
	s.mu.Unlock()

	if wasTyping {
		s.sendTyping(to, false)
	}
	s.changed()
}

func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.counterpartLocked()
	return ok
}

// SendText sends text to the counterpart of the selected thread. Without a
// selection or counterpart it does nothing.
func (s *Session) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	to, ok := s.counterpartLocked()
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.transport.Send(realtime.OutgoingMessage{ToUser: to, Content: text}); err != nil {
		return fmt.Errorf("chat: send message: %w", err)
	}

	s.mu.Lock()
	typingTo, wasTyping := s.stopTypingLocked()
	s.mu.Unlock()
	if wasTyping {
		s.sendTyping(typingTo, false)
		s.changed()
	}
	return nil
}

// RequestMeeting proposes a meeting to the counterpart. The visible entry is
// created by the server echo, not here.
func (s *Session) RequestMeeting(at time.Time, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" || at.IsZero() {
		return fmt.Errorf("%w: datetime and topic are required", ErrInvalidMeeting)
	}
	s.mu.Lock()
	to, ok := s.counterpartLocked()
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.transport.Send(realtime.OutgoingMeetingRequest{ToUser: to, Datetime: at.UTC(), Topic: topic}); err != nil {
		return fmt.Errorf("chat: send meeting request: %w", err)
	}
	return nil
}

func (s *Session) RespondMeeting(meetingID int64, status model.MeetingStatus) error {
	if meetingID == 0 || !status.IsResponse() {
		return fmt.Errorf("%w: meeting %d status %q", ErrInvalidMeeting, meetingID, status)
	}
	if err := s.transport.Send(realtime.OutgoingMeetingApproval{MeetingID: meetingID, Status: status}); err != nil {
		return fmt.Errorf("chat: send meeting response: %w", err)
	}
	return nil
}

func (s *Session) MarkRead(messageID int64) error {
	if err := s.transport.Send(realtime.OutgoingReadReceipt{MessageID: messageID}); err != nil {
		return fmt.Errorf("chat: send read receipt: %w", err)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	updated := false
	for i := range s.messages {
		if s.messages[i].ID == messageID && s.messages[i].ReadAt == nil {
			s.messages[i].ReadAt = &now
			updated = true
		}
	}
	s.mu.Unlock()
	if updated {
		s.changed()
	}
	return nil
}

func (s *Session) ConnectionChanged(state realtime.State) {
	s.mu.Lock()
	prev := s.connection
	s.connection = state
	switch {
	case state == realtime.StateConnected:
		s.disconnectedSince = time.Time{}
	case prev == realtime.StateConnected || s.disconnectedSince.IsZero():
		s.disconnectedSince = time.Now()
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		Selected:          s.selected,
		Loading:           s.loading,
		LocalTyping:       s.typing.active,
		Connection:        s.connection,
		DisconnectedSince: s.disconnectedSince,
		LastServerError:   s.lastServerError,
	}
	v.Threads = make([]model.Room, 0, len(s.threads))
	for _, r := range s.threads {
		v.Threads = append(v.Threads, r.Clone())
	}
	v.Messages = make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		v.Messages = append(v.Messages, m.Clone())
	}
	v.Typing = make([]int64, 0, len(s.typingUsers))
	for id := range s.typingUsers {
		v.Typing = append(v.Typing, id)
	}
	sort.Slice(v.Typing, func(i, j int) bool { return v.Typing[i] < v.Typing[j] })
	return v
}

func (s *Session) TypingNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.typingUsers))
	for _, name := range s.typingUsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) onMessage(ev realtime.Event) {
	msg := ev.(realtime.MessageEvent).Message
	s.push(msg)
}

func (s *Session) onMeetingRequest(ev realtime.Event) {
	req := ev.(realtime.MeetingRequestEvent)
	msg := req.Message
	if msg.Meeting == nil {
		msg.Meeting = &model.MeetingData{Datetime: req.Meeting.Datetime, Topic: req.Meeting.Topic}
	}
	if msg.Meeting.Status == "" {
		msg.Meeting.Status = model.MeetingPending
	}
	if msg.RoomID == 0 {
		msg.RoomID = req.Meeting.RoomID
	}

	s.mu.Lock()
	s.meetings[req.Meeting.ID] = msg.ID
	s.mu.Unlock()

	s.push(msg)
}

func (s *Session) onMeetingResponse(ev realtime.Event) {
	resp := ev.(realtime.MeetingResponseEvent)

	s.mu.Lock()
	messageID := resp.Meeting.MessageID
	if messageID == 0 {
		messageID = s.meetings[resp.Meeting.ID]
	} else {
		s.meetings[resp.Meeting.ID] = messageID
	}
	updated := messageID != 0 &&
		(setMeetingStatus(s.messages, messageID, resp.Meeting.Status) ||
			setMeetingStatus(s.buffered, messageID, resp.Meeting.Status))
	s.mu.Unlock()

	if !updated {
		s.opts.Logger.Printf("chat: meeting %d response for a message not in view", resp.Meeting.ID)
		return
	}
	s.changed()
}

func setMeetingStatus(msgs []model.Message, messageID int64, status model.MeetingStatus) bool {
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		if msgs[i].Meeting == nil {
			msgs[i].Meeting = &model.MeetingData{}
		}
		msgs[i].Meeting.Status = status
		return true
	}
	return false
}

func (s *Session) onTyping(ev realtime.Event) {
	typing := ev.(realtime.TypingEvent)

	s.mu.Lock()
	if typing.UserID == s.opts.SelfID || s.selected == 0 {
		s.mu.Unlock()
		return
	}
	idx := s.threadIndexLocked(s.selected)
	if idx < 0 || !s.threads[idx].HasParticipant(typing.UserID) {
		s.mu.Unlock()
		return
	}
	_, present := s.typingUsers[typing.UserID]
	if typing.IsTyping == present {
		s.mu.Unlock()
		return
	}
	if typing.IsTyping {
		s.typingUsers[typing.UserID] = typing.UserName
	} else {
		delete(s.typingUsers, typing.UserID)
	}
	s.mu.Unlock()

	s.changed()
}

func (s *Session) onServerError(ev realtime.Event) {
	e := ev.(realtime.ErrorEvent)
	s.opts.Logger.Printf("chat: server error: %s", e.Message)
	s.mu.Lock()
	s.lastServerError = e.Message
	s.mu.Unlock()
	s.changed()
}

func (s *Session) push(msg model.Message) {
	s.mu.Lock()
	roomID := s.resolveRoomLocked(msg)
	if roomID == 0 {
		start := false
		switch {
		case s.closed:
		case s.refreshing:
			s.refreshAgain = true
		default:
			s.refreshing = true
			start = true
		}
		s.mu.Unlock()
		if start {
			go s.refreshAfterUnknown(msg.ID)
		}
		return
	}
	if msg.RoomID == 0 {
		msg.RoomID = roomID
	}

	idx := s.threadIndexLocked(roomID)
	summary := msg.Summary()
	s.threads[idx].LastMessage = &summary

	switch {
	case roomID != s.selected:
		if msg.Sender.ID != s.opts.SelfID {
			s.threads[idx].UnreadCount++
		}
	case s.loading:
		if !containsMessage(s.buffered, msg.ID) {
			s.buffered = append(s.buffered, msg.Clone())
		}
	default:
		s.appendLocked(msg)
	}
	s.mu.Unlock()

	s.changed()
}

func (s *Session) refreshAfterUnknown(messageID int64) {
	for {
		if err := s.RefreshThreads(context.Background()); err != nil {
			s.opts.Logger.Printf("chat: message %d for unknown thread: %v", messageID, err)
		}

		s.mu.Lock()
		again := s.refreshAgain && !s.closed
		s.refreshAgain = false
		if !again {
			s.refreshing = false
		}
		s.mu.Unlock()
		if !again {
			return
		}
	}
}

func (s *Session) appendLocked(msg model.Message) {
	if containsMessage(s.messages, msg.ID) {
		return
	}
	s.messages = append(s.messages, msg.Clone())
}

func containsMessage(msgs []model.Message, id int64) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (s *Session) resolveRoomLocked(msg model.Message) int64 {
	if msg.RoomID != 0 {
		if s.threadIndexLocked(msg.RoomID) >= 0 {
			return msg.RoomID
		}
		return 0
	}
	other := msg.Sender.ID
	if other == s.opts.SelfID {
		other = msg.Recipient
	}
	if other == 0 {
		return 0
	}
	for _, r := range s.threads {
		if p, ok := r.Counterpart(s.opts.SelfID); ok && p.ID == other {
			return r.ID
		}
	}
	return 0
}

func (s *Session) threadIndexLocked(roomID int64) int {
	for i := range s.threads {
		if s.threads[i].ID == roomID {
			return i
		}
	}
	return -1
}

func (s *Session) counterpartLocked() (int64, bool) {
	if s.selected == 0 {
		return 0, false
	}
	idx := s.threadIndexLocked(s.selected)
	if idx < 0 {
		return 0, false
	}
	p, ok := s.threads[idx].Counterpart(s.opts.SelfID)
	if !ok {
		return 0, false
	}
	return p.ID, true
}

func (s *Session) changed() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}
