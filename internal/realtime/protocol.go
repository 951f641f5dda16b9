package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"alumni-chat/internal/model"
)

type Kind string

const (
	KindMessage         Kind = "message"
	KindTyping          Kind = "typing"
	KindMeetingRequest  Kind = "meeting_request"
	KindMeetingResponse Kind = "meeting_response"
	KindError           Kind = "error"

	// outbound only
	KindMeetingApproval Kind = "meeting_approval"
	KindReadReceipt     Kind = "read_receipt"
)

var (
	ErrMalformedFrame = errors.New("realtime: malformed frame")
	ErrUnknownKind    = errors.New("realtime: unknown event kind")
	ErrInvalidEvent   = errors.New("realtime: invalid outbound event")
)

// Event is one decoded inbound frame. The set of implementations is closed.
type Event interface {
	Kind() Kind
	inbound()
}

type MessageEvent struct {
	Message model.Message
}

type TypingEvent struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

type MeetingRequestEvent struct {
	Message model.Message        `json:"message"`
	Meeting model.MeetingRequest `json:"meeting_request"`
}

type MeetingResponseEvent struct {
	Message model.Message        `json:"message"`
	Meeting model.MeetingRequest `json:"meeting_request"`
}

type ErrorEvent struct {
	Message string
}

func (MessageEvent) Kind() Kind         { return KindMessage }
func (TypingEvent) Kind() Kind          { return KindTyping }
func (MeetingRequestEvent) Kind() Kind  { return KindMeetingRequest }
func (MeetingResponseEvent) Kind() Kind { return KindMeetingResponse }
func (ErrorEvent) Kind() Kind           { return KindError }

func (MessageEvent) inbound()         {}
func (TypingEvent) inbound()          {}
func (MeetingRequestEvent) inbound()  {}
func (MeetingResponseEvent) inbound() {}
func (ErrorEvent) inbound()           {}

type inboundFrame struct {
	Type    Kind            `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message json.RawMessage `json:"message"`
}

// DecodeEvent parses one frame. Frames of a kind this client does not know
// return ErrUnknownKind; anything else that fails returns ErrMalformedFrame.
func DecodeEvent(data []byte) (Event, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch frame.Type {
	case KindMessage:
		payload := frame.Data
		if isEmpty(payload) {
			payload = frame.Message
		}
		var msg model.Message
		if err := decodePayload(payload, &msg); err != nil {
			return nil, err
		}
		if msg.ID == 0 {
			return nil, fmt.Errorf("%w: message without id", ErrMalformedFrame)
		}
		return MessageEvent{Message: msg}, nil

	case KindTyping:
		var ev TypingEvent
		if err := decodePayload(frame.Data, &ev); err != nil {
			return nil, err
		}
		if ev.UserID == 0 {
			return nil, fmt.Errorf("%w: typing without user_id", ErrMalformedFrame)
		}
		return ev, nil

	case KindMeetingRequest:
		var ev MeetingRequestEvent
		if err := decodePayload(frame.Data, &ev); err != nil {
			return nil, err
		}
		if ev.Message.ID == 0 || ev.Meeting.ID == 0 {
			return nil, fmt.Errorf("%w: meeting request without ids", ErrMalformedFrame)
		}
		return ev, nil

	case KindMeetingResponse:
		var ev MeetingResponseEvent
		if err := decodePayload(frame.Data, &ev); err != nil {
			return nil, err
		}
		if ev.Meeting.ID == 0 || !ev.Meeting.Status.Valid() {
			return nil, fmt.Errorf("%w: meeting response without id or status", ErrMalformedFrame)
		}
		return ev, nil

	case KindError:
		var text string
		if !isEmpty(frame.Message) {
			if err := json.Unmarshal(frame.Message, &text); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
		}
		return ErrorEvent{Message: text}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Type)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if isEmpty(raw) {
		return fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func isEmpty(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

type Outbound interface {
	Kind() Kind
	validate() error
}

type AttachmentMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type OutgoingMessage struct {
	ToUser      int64            `json:"to_user"`
	Content     string           `json:"content"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

type OutgoingTyping struct {
	ToUser   int64 `json:"to_user"`
	IsTyping bool  `json:"is_typing"`
}

type OutgoingMeetingRequest struct {
	ToUser   int64     `json:"to_user"`
	Datetime time.Time `json:"datetime"`
	Topic    string    `json:"topic"`
}

type OutgoingMeetingApproval struct {
	MeetingID int64               `json:"meeting_id"`
	Status    model.MeetingStatus `json:"status"`
}

type OutgoingReadReceipt struct {
	MessageID int64 `json:"message_id"`
}

func (OutgoingMessage) Kind() Kind         { return KindMessage }
func (OutgoingTyping) Kind() Kind          { return KindTyping }
func (OutgoingMeetingRequest) Kind() Kind  { return KindMeetingRequest }
func (OutgoingMeetingApproval) Kind() Kind { return KindMeetingApproval }
func (OutgoingReadReceipt) Kind() Kind     { return KindReadReceipt }

func (o OutgoingMessage) validate() error {
	if o.ToUser == 0 || o.Content == "" {
		return errors.New("message needs to_user and content")
	}
	return nil
}

func (o OutgoingTyping) validate() error {
	if o.ToUser == 0 {
		return errors.New("typing needs to_user")
	}
	return nil
}

func (o OutgoingMeetingRequest) validate() error {
	if o.ToUser == 0 || o.Topic == "" || o.Datetime.IsZero() {
		return errors.New("meeting request needs to_user, datetime and topic")
	}
	return nil
}

func (o OutgoingMeetingApproval) validate() error {
	if o.MeetingID == 0 || !o.Status.IsResponse() {
		return errors.New("meeting approval needs meeting_id and approved or rejected status")
	}
	return nil
}

func (o OutgoingReadReceipt) validate() error {
	if o.MessageID == 0 {
		return errors.New("read receipt needs message_id")
	}
	return nil
}

func EncodeOutbound(o Outbound) ([]byte, error) {
	if o == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	body, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(o.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = kind
	return json.Marshal(fields)
}
