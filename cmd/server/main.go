package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gopherchat/gopherchat/internal/config"
	"github.com/gopherchat/gopherchat/internal/db"
	"github.com/gopherchat/gopherchat/internal/httpapi"
	"github.com/gopherchat/gopherchat/internal/store/rabbitmq"
	"github.com/gopherchat/gopherchat/internal/store/redisstore"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	handles := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer handles.Close()

	// async send path is optional; the sync and streaming paths don't need it
	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq unavailable, async send disabled")
		rabbit = nil
	} else {
		defer rabbit.Close()
	}

	r := httpapi.NewRouter(gdb, cfg, handles, rabbit, log.Logger)

	log.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
