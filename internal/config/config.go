package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	KakaoBaseURL  string
	KakaoWSURL    string
	KakaoBotToken string

	BotPrefix    string
	EgressMode   string
	AllowedRooms []string

	TemplateDir string
	QuestionDir string

	RedisURL    string
	DatabaseURL string

	APIAddr     string
	GatewayAddr string

	RealtimeTicketSecret string
	RealtimeTicketTTL    time.Duration

	GatewaySlowPoll        time.Duration
	GatewayFastPoll        time.Duration
	GatewayIdleTimeout     time.Duration
	GatewayMaxMsgBytes     int64
	GatewayMinPushInterval time.Duration

	MatchTicketTTL time.Duration
	RoundTimeLimit time.Duration
	RoundsToWin    int
}

const minTicketTTL = 30 * time.Second

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		APIAddr:                ":8088",
		GatewayAddr:            ":8090",
		RealtimeTicketTTL:      120 * time.Second,
		GatewaySlowPoll:        3 * time.Second,
		GatewayFastPoll:        300 * time.Millisecond,
		GatewayIdleTimeout:     90 * time.Second,
		GatewayMaxMsgBytes:     4096,
		GatewayMinPushInterval: 200 * time.Millisecond,
		MatchTicketTTL:         120 * time.Second,
		RoundTimeLimit:         30 * time.Second,
		RoundsToWin:            3,
	}

	cfg.KakaoBaseURL = strings.TrimSpace(os.Getenv("KAKAO_BASE_URL"))
	cfg.KakaoWSURL = strings.TrimSpace(os.Getenv("KAKAO_WS_URL"))
	cfg.KakaoBotToken = strings.TrimSpace(os.Getenv("KAKAO_BOT_TOKEN"))
	cfg.BotPrefix = strings.TrimSpace(os.Getenv("BOT_PREFIX"))
	if cfg.BotPrefix == "" {
		cfg.BotPrefix = "/"
	}
	cfg.EgressMode = strings.TrimSpace(os.Getenv("KAKAO_EGRESS_MODE"))
	if cfg.EgressMode == "" {
		cfg.EgressMode = "auto"
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ROOMS")); v != "" {
		for _, room := range strings.Split(v, ",") {
			if room = strings.TrimSpace(room); room != "" {
				cfg.AllowedRooms = append(cfg.AllowedRooms, room)
			}
		}
	}
	cfg.TemplateDir = strings.TrimSpace(os.Getenv("TEMPLATE_DIR"))
	cfg.QuestionDir = strings.TrimSpace(os.Getenv("QUESTION_DIR"))

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if v := strings.TrimSpace(os.Getenv("API_ADDR")); v != "" {
		cfg.APIAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_ADDR")); v != "" {
		cfg.GatewayAddr = v
	}

	cfg.RealtimeTicketSecret = strings.TrimSpace(os.Getenv("RT_TICKET_SECRET"))
	if cfg.RealtimeTicketSecret == "" {
		// Operators must set an explicit secret in production; the bot token
		// fallback only keeps dev setups working.
		cfg.RealtimeTicketSecret = strings.TrimSpace(os.Getenv("KAKAO_BOT_TOKEN"))
	}

	if d := durationEnv("RT_TICKET_TTL"); d > 0 {
		cfg.RealtimeTicketTTL = d
	}
	if cfg.RealtimeTicketTTL < minTicketTTL {
		cfg.RealtimeTicketTTL = minTicketTTL
	}

	if d := durationEnv("GATEWAY_SLOW_POLL"); d > 0 {
		cfg.GatewaySlowPoll = d
	}
	if d := durationEnv("GATEWAY_FAST_POLL"); d > 0 {
		cfg.GatewayFastPoll = d
	}
	if d := durationEnv("GATEWAY_IDLE_TIMEOUT"); d > 0 {
		cfg.GatewayIdleTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_MAX_MSG_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.GatewayMaxMsgBytes = n
		}
	}
	if d := durationEnv("GATEWAY_MIN_PUSH_INTERVAL"); d > 0 {
		cfg.GatewayMinPushInterval = d
	}

	if d := durationEnv("MATCH_TICKET_TTL"); d > 0 {
		cfg.MatchTicketTTL = d
	}
	if d := durationEnv("ROUND_TIME_LIMIT"); d > 0 {
		cfg.RoundTimeLimit = d
	}
	if v := strings.TrimSpace(os.Getenv("ROUNDS_TO_WIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RoundsToWin = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.RealtimeTicketSecret == "" {
		return nil, errors.New("RT_TICKET_SECRET (or KAKAO_BOT_TOKEN) is required")
	}

	return cfg, nil
}

// durationEnv accepts either a Go duration string or plain seconds.
func durationEnv(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}
