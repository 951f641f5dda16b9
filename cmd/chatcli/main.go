package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"alumni-chat/internal/auth"
	"alumni-chat/internal/chat"
	"alumni-chat/internal/config"
	"alumni-chat/internal/model"
	"alumni-chat/internal/realtime"
	"alumni-chat/internal/restapi"
)

const offlineBanner = 5 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Email == "" || cfg.Password == "" {
		log.Fatal("CHAT_EMAIL and CHAT_PASSWORD are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := restapi.New(cfg.APIURL, nil)
	tokens := auth.NewTokenStore(api)
	api.SetTokenSource(tokens)

	login, err := api.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	tokens.SetTokens(login.Tokens.Access, login.Tokens.Refresh)
	fmt.Printf("signed in as %s\n", login.User.FullName())

	tr := realtime.New(tokens, realtime.Options{
		URL:                  cfg.WSURL,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
	})

	p := newPrinter()
	sess := chat.NewSession(tr, api, chat.Options{
		SelfID:         login.User.ID,
		TypingDebounce: cfg.TypingDebounce,
		FetchTimeout:   cfg.FetchTimeout,
		OnChange:       p.notify,
	})
	tr.OnStateChange(sess.ConnectionChanged)
	if err := sess.Start(ctx); err != nil {
		log.Fatalf("load threads: %v", err)
	}
	defer func() {
		sess.Close()
		tr.Disconnect()
	}()

	tr.Connect(ctx)
	go p.run(ctx, sess, login.User.ID)

	printThreads(sess.Snapshot(), login.User.ID)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, sess, api, login.User.ID, line); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, sess *chat.Session, api *restapi.Client, self int64, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		sess.InputChanged(line)
		if err := sess.SendText(line); err != nil {
			fmt.Printf("! %v\n", err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return true
	case "/rooms":
		if err := sess.RefreshThreads(ctx); err != nil {
			fmt.Printf("! %v\n", err)
		}
		printThreads(sess.Snapshot(), self)
	case "/open":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			fmt.Println("usage: /open <room id>")
			return false
		}
		if err := sess.Select(ctx, id); err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		printHistory(sess.Snapshot(), self)
	case "/meet":
		raw, topic, _ := strings.Cut(rest, " ")
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil || strings.TrimSpace(topic) == "" {
			fmt.Println("usage: /meet <RFC3339 time> <topic>")
			return false
		}
		if err := sess.RequestMeeting(at, topic); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/approve", "/reject":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			fmt.Printf("usage: %s <meeting id>\n", cmd)
			return false
		}
		status := model.MeetingApproved
		if cmd == "/reject" {
			status = model.MeetingRejected
		}
		if err := sess.RespondMeeting(id, status); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/read":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			fmt.Println("usage: /read <message id>")
			return false
		}
		if err := sess.MarkRead(id); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/meetings":
		meetings, err := api.ListMeetings(ctx)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		for _, m := range meetings {
			fmt.Printf("  #%d %s %s with %s at %s\n", m.ID, m.Status, m.Topic, otherName(m, self), m.Datetime.Local().Format(time.RFC1123))
		}
	default:
		fmt.Println("commands: /rooms /open <id> /meet <time> <topic> /approve <id> /reject <id> /read <id> /meetings /quit")
	}
	return false
}

func otherName(m model.MeetingRequest, self int64) string {
	if m.Requester.ID == self {
		return m.Recipient.Name
	}
	return m.Requester.Name
}

func printThreads(v chat.View, self int64) {
	if len(v.Threads) == 0 {
		fmt.Println("no conversations yet")
		return
	}
	for _, r := range v.Threads {
		name := r.Name
		if p, ok := r.Counterpart(self); ok {
			name = p.FullName()
		}
		line := fmt.Sprintf("  [%d] %s", r.ID, name)
		if r.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d unread)", r.UnreadCount)
		}
		if r.LastMessage != nil {
			line += ": " + r.LastMessage.Content
		}
		fmt.Println(line)
	}
}

func printHistory(v chat.View, self int64) {
	for _, m := range v.Messages {
		fmt.Println(formatMessage(m, self))
	}
}

func formatMessage(m model.Message, self int64) string {
	who := m.Sender.Name
	if m.Sender.ID == self {
		who = "you"
	}
	line := fmt.Sprintf("%s #%d %s: %s", m.CreatedAt.Local().Format("15:04"), m.ID, who, m.Content)
	if m.Meeting != nil {
		line += fmt.Sprintf(" [%s, %s]", m.Meeting.Status, m.Meeting.Datetime.Local().Format(time.RFC1123))
	}
	return line
}

type printer struct {
	wake chan struct{}
}

func newPrinter() *printer {
	return &printer{wake: make(chan struct{}, 1)}
}

func (p *printer) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *printer) run(ctx context.Context, sess *chat.Session, self int64) {
	seen := make(map[int64]model.MeetingStatus)
	var (
		room     int64
		typing   string
		lastErr  string
		bannered bool
		primed   bool
	)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-tick.C:
		}

		v := sess.Snapshot()
		if v.Selected != room {
			room = v.Selected
			primed = false
			typing = ""
		}
		if v.Loading {
			continue
		}
		// history is printed by /open; only later changes are shown here
		if !primed {
			seen = make(map[int64]model.MeetingStatus)
			for _, m := range v.Messages {
				seen[m.ID] = meetingStatus(m)
			}
			primed = true
		}
		for _, m := range v.Messages {
			status, ok := seen[m.ID]
			if ok && status == meetingStatus(m) {
				continue
			}
			seen[m.ID] = meetingStatus(m)
			fmt.Println(formatMessage(m, self))
		}

		if names := strings.Join(sess.TypingNames(), ", "); names != typing {
			typing = names
			if names != "" {
				fmt.Printf("  %s is typing...\n", names)
			}
		}
		if v.LastServerError != "" && v.LastServerError != lastErr {
			fmt.Printf("! server: %s\n", v.LastServerError)
		}
		lastErr = v.LastServerError

		offline := v.Connection != realtime.StateConnected && !v.DisconnectedSince.IsZero() &&
			time.Since(v.DisconnectedSince) > offlineBanner
		if offline && !bannered {
			fmt.Println("! connection lost, messages will not be delivered until it is back")
		}
		if !offline && bannered {
			fmt.Println("! reconnected")
		}
		bannered = offline
	}
}

func meetingStatus(m model.Message) model.MeetingStatus {
	if m.Meeting == nil {
		return ""
	}
	return m.Meeting.Status
}
