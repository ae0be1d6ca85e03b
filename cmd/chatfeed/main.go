package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/tmorrell/go-chatfeed/internal/auth"
	"github.com/tmorrell/go-chatfeed/internal/config"
	"github.com/tmorrell/go-chatfeed/internal/feed"
	"github.com/tmorrell/go-chatfeed/internal/presence"
	"github.com/tmorrell/go-chatfeed/internal/realtime"
	"github.com/tmorrell/go-chatfeed/internal/restapi"
	"github.com/tmorrell/go-chatfeed/internal/stats"
	"github.com/tmorrell/go-chatfeed/internal/store"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configFile     string
	brokerURL      string
	apiBaseURL     string
	sessionToken   string
	debugAddr      string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&configFile, "config", "", "path to a YAML config file (overrides the other flags)")
	flag.StringVar(&brokerURL, "broker", "wss://localhost:8443/ws", "websocket URL of the message broker")
	flag.StringVar(&apiBaseURL, "api", "https://localhost:8443", "base URL of the REST API")
	flag.StringVar(&sessionToken, "token", "", "session JWT issued by the auth provider")
	flag.StringVar(&debugAddr, "debug-addr", "localhost:8001", "listen address for the local debug server")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for the debug server")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatfeed] ", log.LstdFlags)

	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.FromFile(configFile)
	} else {
		cfg, err = config.NewConfig(brokerURL, apiBaseURL, sessionToken, debugAddr, allowedOrigins)
	}
	if err != nil {
		logger.Fatal("config:", err)
	}

	creds, err := auth.NewSessionCredentials(cfg.SessionToken)
	if err != nil {
		logger.Fatal("session token:", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.RegisterAll()
	statsUpdater.Run()
	defer statsUpdater.Stop()

	apiClient := restapi.NewClient(logger, cfg.APIBaseURL, creds)
	conversations := store.NewConversationStore(logger, apiClient, statsUpdater, creds.UserId())
	notifications := store.NewNotificationStore(logger, apiClient, statsUpdater)
	presenceSync := presence.NewSynchronizer(logger, conversations, statsUpdater)

	conn := realtime.NewConnectionManager(logger, cfg.BrokerURL, creds, statsUpdater, cfg.LivenessInterval)
	subs := realtime.NewSubscriptionManager(logger, conn, statsUpdater)

	f := feed.New(logger, creds, conn, subs, conversations, notifications, presenceSync, statsUpdater)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)
	h = handlers.LoggingHandler(os.Stderr, h)

	debugSrv := &http.Server{
		Addr:    cfg.DebugAddr,
		Handler: h,
	}
	go func() {
		logger.Printf("debug server listening on %s", cfg.DebugAddr)
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Println("debug server:", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := f.Start(ctx); err != nil {
		cancel()
		logger.Fatal("start feed:", err)
	}
	cancel()

	changes := f.PresenceChanges()
	go func() {
		for change := range changes {
			logger.Printf("presence: user=%s online=%t affected=%t",
				change.Presence.UserId, change.Presence.IsOnline, change.HasAffectedConversations)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Printf("received signal: %s\n", sig)

	f.Stop()

	shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := debugSrv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("debug server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
