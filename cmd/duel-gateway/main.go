package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/park285/QuizDuel-KakaoTalk-bot/internal/config"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/gateway"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/rtticket"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/signalbus"
)

func main() {
	_ = godotenv.Load()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	opts, err := duel.ParseRedisURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)

	store := duel.NewStore(rdb)
	bus := signalbus.New(rdb)
	issuer := rtticket.NewIssuer(cfg.RealtimeTicketSecret, cfg.RealtimeTicketTTL, rdb)

	gw := gateway.New(store, issuer, bus, gateway.Options{
		SlowPoll:        cfg.GatewaySlowPoll,
		FastPoll:        cfg.GatewayFastPoll,
		IdleTimeout:     cfg.GatewayIdleTimeout,
		MinPushInterval: cfg.GatewayMinPushInterval,
		MaxMsgBytes:     cfg.GatewayMaxMsgBytes,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go gw.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		obslog.L().Info("gateway_listen", zap.String("addr", cfg.GatewayAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.L().Error("gateway_server_error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(sctx)
	cancel()
	_ = store.Close()
}
