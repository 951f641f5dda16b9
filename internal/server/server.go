package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"alumni-chat/internal/config"
	"alumni-chat/internal/store"
)

func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func Run(ctx context.Context, cfg config.ServerConfig, handler http.Handler) error {
	srv := NewHTTPServer(cfg, handler)

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func Seed(st *store.Store, users []config.SeedUser) error {
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		p, err := st.CreateUser(u.Email, u.Password, u.FirstName, u.LastName, u.UserType)
		if err != nil {
			return fmt.Errorf("seed %s: %w", u.Email, err)
		}
		ids = append(ids, p.ID)
	}
	now := time.Now().UTC()
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			if _, _, err := st.GetOrCreateDirectRoom(ids[i], ids[j], now); err != nil {
				return err
			}
		}
	}
	log.Printf("seeded %d users", len(ids))
	return nil
}
