package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"alumni-chat/internal/auth"
	"alumni-chat/internal/config"
	"alumni-chat/internal/server"
	"alumni-chat/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)
	st := store.New()
	if err := server.Seed(st, cfg.SeedUsers); err != nil {
		log.Fatal(err)
	}

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.AccessExpiry = cfg.AccessExpiry
	tokenCfg.RefreshExpiry = cfg.RefreshExpiry

	router := server.NewRouter(server.Deps{Store: st, TokenConfig: tokenCfg})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("listening on :%d", cfg.Port)
	if err := server.Run(ctx, cfg, router); err != nil {
		log.Fatal(err)
	}
}
