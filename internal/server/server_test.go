package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"alumni-chat/internal/config"
	"alumni-chat/internal/store"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := config.ServerConfig{Port: 4321, MasterSecret: "x"}
	srv := NewHTTPServer(cfg, http.NewServeMux())
	if srv.Addr != ":4321" {
		t.Fatalf("expected :4321, got %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("unexpected ReadHeaderTimeout")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, config.ServerConfig{Port: 38417}, http.NewServeMux()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestSeed_CreatesUsersAndRooms(t *testing.T) {
	st := store.New()
	err := Seed(st, []config.SeedUser{
		{Email: "ada@example.com", Password: "pw", FirstName: "Ada", LastName: "Lovelace"},
		{Email: "grace@example.com", Password: "pw", FirstName: "Grace", LastName: "Hopper"},
		{Email: "linus@example.com", Password: "pw", FirstName: "Linus", LastName: "Torvalds"},
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	ada, err := st.Authenticate("ada@example.com", "pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got := len(st.ListRooms(ada.ID)); got != 2 {
		t.Fatalf("expected 2 rooms for ada, got %d", got)
	}

	if err := Seed(st, []config.SeedUser{{Email: "ada@example.com", Password: "pw"}}); err == nil {
		t.Fatalf("expected duplicate seed to fail")
	}
}
