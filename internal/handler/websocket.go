package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"alumni-chat/internal/auth"
	"alumni-chat/internal/hub"
	"alumni-chat/internal/model"
	"alumni-chat/internal/realtime"
	"alumni-chat/internal/store"
)

type WebSocketHandler struct {
	Hub         *hub.Hub
	Store       *store.Store
	TokenConfig auth.TokenConfig
}

// clientFrame is the flat shape of every client event; which fields matter
// depends on Type.
type clientFrame struct {
	Type        realtime.Kind             `json:"type"`
	ToUser      int64                     `json:"to_user"`
	Content     string                    `json:"content"`
	Attachments []realtime.AttachmentMeta `json:"attachments"`
	IsTyping    bool                      `json:"is_typing"`
	Datetime    string                    `json:"datetime"`
	Topic       string                    `json:"topic"`
	MeetingID   int64                     `json:"meeting_id"`
	Status      model.MeetingStatus       `json:"status"`
	MessageID   int64                     `json:"message_id"`
}

type serverFrame struct {
	Type    realtime.Kind `json:"type"`
	Data    interface{}   `json:"data,omitempty"`
	Message string        `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

type client struct {
	h    *WebSocketHandler
	user model.Participant
	conn *hub.Connection
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(tokenString, auth.AccessToken, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	user, ok := h.Store.GetUser(claims.UserID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	cl := &client{h: h, user: user, conn: hub.NewConnection(user.ID, &wsWriter{conn: ws})}
	h.Hub.Register(cl.conn)
	log.Printf("ws: user %d connected (conn %s)", user.ID, cl.conn.ID)
	defer func() {
		h.Hub.Unregister(cl.conn)
		_ = ws.Close()
		log.Printf("ws: user %d disconnected (conn %s)", user.ID, cl.conn.ID)
	}()

	ws.SetReadLimit(1024 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		cl.receive(data)
	}
}

func (cl *client) receive(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		cl.sendError("Invalid JSON")
		return
	}

	switch frame.Type {
	case realtime.KindMessage:
		cl.handleMessage(frame)
	case realtime.KindTyping:
		cl.handleTyping(frame)
	case realtime.KindMeetingRequest:
		cl.handleMeetingRequest(frame)
	case realtime.KindMeetingApproval:
		cl.handleMeetingApproval(frame)
	case realtime.KindReadReceipt:
		cl.handleReadReceipt(frame)
	default:
		cl.sendError("Unknown message type")
	}
}

func (cl *client) handleMessage(frame clientFrame) {
	if frame.ToUser == 0 || strings.TrimSpace(frame.Content) == "" {
		cl.sendError("Missing required fields")
		return
	}

	attachments := make([]model.Attachment, 0, len(frame.Attachments))
	for _, a := range frame.Attachments {
		attachments = append(attachments, model.Attachment{FileName: a.Name, FileType: a.Type})
	}
	msg, err := cl.h.Store.AppendMessage(cl.user.ID, frame.ToUser, frame.Content, attachments, time.Now().UTC())
	if err != nil {
		cl.sendStoreError(err)
		return
	}
	cl.push(serverFrame{Type: realtime.KindMessage, Data: msg}, cl.user.ID, frame.ToUser)
}

func (cl *client) handleTyping(frame clientFrame) {
	if frame.ToUser == 0 {
		cl.sendError("Missing to_user field")
		return
	}
	if _, ok := cl.h.Store.GetUser(frame.ToUser); !ok {
		cl.sendError("Unknown recipient")
		return
	}
	cl.push(serverFrame{
		Type: realtime.KindTyping,
		Data: realtime.TypingEvent{UserID: cl.user.ID, UserName: cl.user.FullName(), IsTyping: frame.IsTyping},
	}, frame.ToUser)
}

func (cl *client) handleMeetingRequest(frame clientFrame) {
	topic := strings.TrimSpace(frame.Topic)
	if frame.ToUser == 0 || frame.Datetime == "" || topic == "" {
		cl.sendError("Missing required fields for meeting request")
		return
	}
	at, err := time.Parse(time.RFC3339, frame.Datetime)
	if err != nil {
		cl.sendError("Invalid meeting datetime")
		return
	}

	meeting, msg, err := cl.h.Store.RequestMeeting(cl.user.ID, frame.ToUser, at.UTC(), topic, time.Now().UTC())
	if err != nil {
		cl.sendStoreError(err)
		return
	}
	cl.push(serverFrame{
		Type: realtime.KindMeetingRequest,
		Data: realtime.MeetingRequestEvent{Message: msg, Meeting: meeting},
	}, cl.user.ID, frame.ToUser)
}

func (cl *client) handleMeetingApproval(frame clientFrame) {
	if frame.MeetingID == 0 || !frame.Status.IsResponse() {
		cl.sendError("Invalid meeting approval data")
		return
	}

	meeting, msg, err := cl.h.Store.RespondMeeting(cl.user.ID, frame.MeetingID, frame.Status, time.Now().UTC())
	if err != nil {
		cl.sendStoreError(err)
		return
	}
	cl.push(serverFrame{
		Type: realtime.KindMeetingResponse,
		Data: realtime.MeetingResponseEvent{Message: msg, Meeting: meeting},
	}, meeting.Requester.ID, meeting.Recipient.ID)
}

func (cl *client) handleReadReceipt(frame clientFrame) {
	if frame.MessageID == 0 {
		cl.sendError("Missing message_id")
		return
	}
	if err := cl.h.Store.MarkRead(cl.user.ID, frame.MessageID, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
		cl.sendStoreError(err)
	}
}

func (cl *client) push(frame serverFrame, userIDs ...int64) {
	if err := cl.h.Hub.SendJSON(frame, userIDs...); err != nil {
		log.Printf("ws: encode %s frame: %v", frame.Type, err)
	}
}

func (cl *client) sendError(message string) {
	out, err := json.Marshal(serverFrame{Type: realtime.KindError, Message: message})
	if err != nil {
		return
	}
	_ = cl.conn.Writer.Write(out)
}

func (cl *client) sendStoreError(err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		cl.sendError("Not found")
	case errors.Is(err, store.ErrForbidden):
		cl.sendError("Forbidden")
	default:
		log.Printf("ws: user %d: %v", cl.user.ID, err)
		cl.sendError("Internal server error")
	}
}
