package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/api"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/bot"
	appcfg "github.com/park285/QuizDuel-KakaoTalk-bot/internal/config"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/kakaofast"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/matchmake"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/msgcat"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/quizbank"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/rtticket"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/scorecard"
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
	bank, err := quizbank.New(cfg.QuestionDir)
	if err != nil {
		log.Fatalf("question bank error: %v", err)
	}
	engine := duel.NewEngine(store, bank, cfg.RoundTimeLimit)

	if cfg.DatabaseURL != "" {
		repo, rerr := duel.NewRepository(cfg.DatabaseURL)
		if rerr != nil {
			log.Fatalf("repository init error: %v", rerr)
		}
		defer func() { _ = repo.Close() }()
		engine.AttachRepository(repo)
	}

	matcher := matchmake.NewManager(store, cfg.MatchTicketTTL)
	bus := signalbus.New(rdb)
	lease := duel.NewDeliveryLease(rdb)
	issuer := rtticket.NewIssuer(cfg.RealtimeTicketSecret, cfg.RealtimeTicketTTL, rdb)

	cat, err := msgcat.New(cfg.TemplateDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	headers := func() map[string]string {
		h := map[string]string{}
		if cfg.KakaoBotToken != "" {
			h["Authorization"] = "Bearer " + cfg.KakaoBotToken
		}
		return h
	}

	client := kakaofast.NewClient(cfg.KakaoBaseURL, kakaofast.WithHeaderProvider(headers))
	ws := kakaofast.NewWebSocket(cfg.KakaoWSURL, 5)
	ws.SetHeaderProvider(headers)
	egress := kakaofast.NewEgress(cfg.EgressMode, client, ws)

	presenter := bot.NewPresenter(egress, cat, scorecard.NewRenderer(), cfg.BotPrefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bot.New(ctx, cfg, engine, matcher, bank, issuer, bus, lease, presenter)
	ws.OnMessage(b.HandleMessage)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := ws.Connect(cctx); err != nil {
		cancel()
		log.Fatalf("relay ws connect error: %v", err)
	}
	cancel()

	// sweep stale matchmaking tickets that outlived their watcher (restarts)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := matcher.CleanupStale(ctx); err != nil {
					obslog.L().Warn("match_cleanup_error", zap.Error(err))
				}
			}
		}
	}()

	// resume watchers for duels that were live when the previous run stopped
	if rerr := b.Resume(ctx); rerr != nil {
		obslog.L().Warn("watcher_resume_error", zap.Error(rerr))
	}

	apiSrv := api.NewServer(engine, matcher, issuer, bus, api.Hooks{
		OnDispatched: func(d *duel.Duel, roundNumber int) {
			b.SpawnRoundWatcher(d.ID, roundNumber)
		},
	})
	go func() {
		obslog.L().Info("api_listen", zap.String("addr", cfg.APIAddr))
		if err := api.Run(ctx, cfg.APIAddr, apiSrv.Handler()); err != nil {
			obslog.L().Error("api_server_error", zap.Error(err))
		}
	}()

	obslog.L().Info("duel_bot_up", zap.String("prefix", cfg.BotPrefix))
	<-ctx.Done()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = ws.Close(sctx)
	scancel()
	_ = store.Close()
}
