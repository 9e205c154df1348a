package main

import (
	"flag"
	"fmt"
	"net/http"

	"voicefeed/server/internal/api"
	"voicefeed/server/internal/bluesky"
	"voicefeed/server/internal/bridge"
	"voicefeed/server/internal/config"
	"voicefeed/server/internal/feed"
	"voicefeed/server/internal/misskey"
	"voicefeed/server/internal/model"
	"voicefeed/server/internal/notestore"
	"voicefeed/server/internal/reader"
	"voicefeed/server/internal/relay"
	"voicefeed/server/internal/speech"
	"voicefeed/server/internal/tokenstore"

	"github.com/sirupsen/logrus"
)

func main() {
	// 参数用 flag，敏感信息（BLUESKY_PASSWORD / MISSKEY_TOKEN）用环境变量。
	configPath := flag.String("config", "server/configs/voicefeed.yaml", "config file path")
	addr := flag.String("addr", "", "http listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg.Logging)

	tokens, err := tokenstore.Open(cfg.Tokens.Path)
	if err != nil {
		logger.Fatalf("open token store: %v", err)
	}
	defer tokens.Close()

	adapters, err := buildAdapters(cfg, tokens, logger)
	if err != nil {
		logger.Fatalf("init sources: %v", err)
	}

	store := notestore.New(cfg.Store.Capacity)

	var session *feed.Session
	scheduler := reader.New(reader.Config{
		// TODO: 接入真实 TTS 引擎（当前为空引擎，只走调度不出声）
		Engine:      speech.Null{},
		Store:       store,
		SelfID:      func(source model.Source) string { return session.SelfID(source) },
		FixedLang:   cfg.Reader.FixedLanguage,
		DefaultLang: cfg.Reader.DefaultLanguage,
		ReadTimeout: cfg.Reader.ReadTimeout,
		MuteDwell:   cfg.Reader.MuteDwell,
		Logger:      logger,
	})
	if cfg.Reader.LanguageOverride != "" {
		scheduler.SetLanguageOverride(cfg.Reader.LanguageOverride)
	}
	session = feed.NewSession(adapters, store, scheduler, logger)

	server := api.NewServer(session, store, scheduler, cfg.Misskey.Host, logger)

	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	logger.Infof("[Main] voicefeed listening on %s (%d sources configured)", listen, len(adapters))
	if err := http.ListenAndServe(listen, server.Routes()); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}

func buildAdapters(cfg *config.Config, tokens *tokenstore.Store, logger *logrus.Logger) ([]feed.Adapter, error) {
	var adapters []feed.Adapter

	if cfg.Nostr.Enabled {
		a, err := relay.NewAdapter(cfg.Nostr.PubKey, cfg.Nostr.BootstrapRelays, cfg.Nostr.FallbackRelays, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.Bluesky.Enabled {
		client := bluesky.NewClient(cfg.Bluesky.Host, cfg.Bluesky.Identifier, cfg.Bluesky.Password, tokens, logger)
		adapters = append(adapters, bluesky.NewAdapter(client, cfg.Bluesky.PollInterval, cfg.Bluesky.FetchLimit, logger))
	}
	if cfg.Misskey.Enabled {
		adapters = append(adapters, misskey.NewAdapter(cfg.Misskey.Host, cfg.Misskey.Token, logger))
	}
	if cfg.Bridge.Enabled {
		adapters = append(adapters, bridge.NewAdapter(cfg.Bridge.URL, cfg.Bridge.SelfID, logger))
	}
	return adapters, nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
