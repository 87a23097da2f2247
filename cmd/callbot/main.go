package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxcall/internal/client"
	"proxcall/internal/core/domain"
	"proxcall/internal/infrastructure/middleware"
	webrtcinfra "proxcall/internal/infrastructure/webrtc"
	"proxcall/pkg/config"
	"proxcall/pkg/logger"
	"proxcall/pkg/validation"
)

func main() {
	var (
		server     = flag.String("server", "ws://localhost:8080/ws", "signaling websocket url")
		userID     = flag.String("user", "", "user id of the bot")
		secret     = flag.String("secret", os.Getenv("PROXCALL_JWT_SECRET"), "JWT secret used to mint a token; empty for dev mode")
		configPath = flag.String("config", "configs/config.yaml", "config file for ICE settings")
		startX     = flag.Float64("x", 0, "start x")
		startY     = flag.Float64("y", 0, "start y")
		startZ     = flag.Float64("z", 0, "start z")
		walkX      = flag.Float64("walk-x", 0, "walk target x")
		walkY      = flag.Float64("walk-y", 0, "walk target y")
		walkZ      = flag.Float64("walk-z", 0, "walk target z")
		speed      = flag.Float64("speed", 2, "units per step while walking")
		step       = flag.Duration("step", 500*time.Millisecond, "interval between position updates")
		callUser   = flag.String("call", "", "user to call once within range")
		accept     = flag.Bool("accept", true, "accept incoming calls")
		hangup     = flag.Duration("hangup-after", 30*time.Second, "hang up active calls after this long; 0 keeps them")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	zapLogger := logger.NewWithFormat(*logLevel, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar().Named("callbot")

	if err := validation.ValidateURL(*server); err != nil {
		log.Fatalw("invalid -server", "error", err)
	}
	if err := validation.ValidateUserID(*userID); err != nil {
		log.Fatalw("invalid -user", "error", err)
	}
	if *callUser != "" {
		if err := validation.ValidateUserID(*callUser); err != nil {
			log.Fatalw("invalid -call", "error", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalw("failed to load configuration", "error", err)
	}

	var token string
	if *secret != "" {
		token, err = middleware.NewAuthenticator(*secret, cfg.Auth.TokenTTL).IssueToken(*userID)
		if err != nil {
			log.Fatalw("failed to mint token", "error", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := client.Dial(ctx, client.Options{
		ServerURL: *server,
		UserID:    domain.UserID(*userID),
		Token:     token,
	}, log)
	if err != nil {
		log.Fatalw("failed to connect", "error", err)
	}

	bot := newBot(botConfig{
		Start:       domain.Position{X: *startX, Y: *startY, Z: *startZ},
		Target:      domain.Position{X: *walkX, Y: *walkY, Z: *walkZ},
		Speed:       *speed,
		Step:        *step,
		CallUser:    domain.UserID(*callUser),
		AutoAccept:  *accept,
		HangupAfter: *hangup,
		Media:       webrtcinfra.ConfigFrom(cfg.WebRTC.ICEServers, cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max),
	}, conn, log)

	if err := bot.Run(ctx); err != nil {
		log.Errorw("bot stopped", "error", err)
	}
	log.Info("callbot stopped")
}
