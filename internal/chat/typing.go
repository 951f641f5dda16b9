package chat

import (
	"time"

	"alumni-chat/internal/realtime"
)

type typingState struct {
	active bool
	to     int64
	timer  *time.Timer
	gen    uint64
}

// InputChanged is called on every edit of the compose box. The first edit
// emits typing(true); typing(false) follows once input has been quiet for
// the debounce delay.
func (s *Session) InputChanged(text string) {
	s.mu.Lock()
	to, ok := s.counterpartLocked()
	if !ok {
		s.mu.Unlock()
		return
	}
	start := !s.typing.active
	if start {
		s.typing.active = true
		s.typing.to = to
	}
	s.typing.gen++
	gen := s.typing.gen
	if s.typing.timer != nil {
		s.typing.timer.Stop()
	}
	s.typing.timer = time.AfterFunc(s.opts.TypingDebounce, func() { s.typingExpired(gen) })
	s.mu.Unlock()

	if start {
		s.sendTyping(to, true)
		s.changed()
	}
}

func (s *Session) typingExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.typing.gen || !s.typing.active {
		s.mu.Unlock()
		return
	}
	to := s.typing.to
	s.typing.active = false
	s.typing.timer = nil
	s.mu.Unlock()

	s.sendTyping(to, false)
	s.changed()
}

func (s *Session) stopTypingLocked() (int64, bool) {
	if s.typing.timer != nil {
		s.typing.timer.Stop()
		s.typing.timer = nil
	}
	s.typing.gen++
	if !s.typing.active {
		return 0, false
	}
	s.typing.active = false
	return s.typing.to, true
}

func (s *Session) sendTyping(to int64, typing bool) {
	if err := s.transport.Send(realtime.OutgoingTyping{ToUser: to, IsTyping: typing}); err != nil {
		s.opts.Logger.Printf("chat: typing indicator to %d: %v", to, err)
	}
}
