package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type MessageKind string

const (
	KindPlain           MessageKind = "message"
	KindMeetingRequest  MessageKind = "meeting_request"
	KindMeetingApproved MessageKind = "meeting_approved"
	KindMeetingRejected MessageKind = "meeting_rejected"
	KindSystem          MessageKind = "system"
)

func (k MessageKind) IsMeeting() bool {
	return strings.HasPrefix(string(k), "meeting")
}

type MeetingStatus string

const (
	MeetingPending  MeetingStatus = "pending"
	MeetingApproved MeetingStatus = "approved"
	MeetingRejected MeetingStatus = "rejected"
)

func (s MeetingStatus) Valid() bool {
	switch s {
	case MeetingPending, MeetingApproved, MeetingRejected:
		return true
	}
	return false
}

func (s MeetingStatus) IsResponse() bool {
	return s == MeetingApproved || s == MeetingRejected
}

type Participant struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	UserType  string `json:"user_type,omitempty"`
}

func (p Participant) FullName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Email
	}
	return name
}

type MessageSummary struct {
	ID          int64       `json:"id"`
	Content     string      `json:"content"`
	Sender      string      `json:"sender"`
	MessageType MessageKind `json:"message_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

type Room struct {
	ID           int64           `json:"id"`
	Type         string          `json:"room_type,omitempty"`
	Name         string          `json:"name,omitempty"`
	Participants []Participant   `json:"participants"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
	UnreadCount  int             `json:"unread_count"`
}

// Counterpart returns the first participant that is not self.
func (r Room) Counterpart(self int64) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID != self {
			return p, true
		}
	}
	return Participant{}, false
}

func (r Room) HasParticipant(id int64) bool {
	for _, p := range r.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (r Room) Clone() Room {
	out := r
	out.Participants = append([]Participant(nil), r.Participants...)
	if r.LastMessage != nil {
		last := *r.LastMessage
		out.LastMessage = &last
	}
	return out
}

// UserRef identifies a user inside a message. It decodes from either a bare
// numeric id or an object with id, name and email.
type UserRef struct {
	ID    int64  `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

func (u *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] != '{' {
		var id int64
		if err := json.Unmarshal(data, &id); err != nil {
			return errors.New("user reference must be an id or an object")
		}
		*u = UserRef{ID: id}
		return nil
	}
	type plain UserRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = UserRef(p)
	return nil
}

type Attachment struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
	FileType string `json:"file_type"`
}

type MeetingData struct {
	Datetime time.Time     `json:"datetime"`
	Topic    string        `json:"topic"`
	Status   MeetingStatus `json:"status"`
}

type Message struct {
	ID          int64        `json:"id"`
	RoomID      int64        `json:"room_id,omitempty"`
	Sender      UserRef      `json:"sender"`
	Recipient   int64        `json:"recipient,omitempty"`
	Content     string       `json:"content"`
	Kind        MessageKind  `json:"message_type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`
	Meeting     *MeetingData `json:"meeting_data,omitempty"`
}

func (m Message) Clone() Message {
	out := m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		out.ReadAt = &readAt
	}
	if m.Meeting != nil {
		meeting := *m.Meeting
		out.Meeting = &meeting
	}
	return out
}

func (m Message) Summary() MessageSummary {
	sender := m.Sender.Name
	if sender == "" {
		sender = m.Sender.Email
	}
	return MessageSummary{
		ID:          m.ID,
		Content:     m.Content,
		Sender:      sender,
		MessageType: m.Kind,
		CreatedAt:   m.CreatedAt,
	}
}

type MeetingRequest struct {
	ID        int64         `json:"id"`
	RoomID    int64         `json:"room_id,omitempty"`
	MessageID int64         `json:"message_id,omitempty"`
	Requester UserRef       `json:"requester"`
	Recipient UserRef       `json:"recipient"`
	Datetime  time.Time     `json:"datetime"`
	Topic     string        `json:"topic"`
	Status    MeetingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}
