package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perchbot/perch"
	"github.com/perchbot/perch/config"
)

var (
	configPath string
	debug      bool
)

func buildBotConfig(cfg *config.Bot) *perch.Config {
	botCfg := &perch.Config{
		Nick:             cfg.Nick,
		NickAlternatives: cfg.NickAlternatives,
		Login:            cfg.Login,
		RealName:         cfg.RealName,

		ServerPassword: cfg.ServerPassword,

		CapEnabled:   cfg.CapEnabled,
		Capabilities: cfg.Capabilities,

		AutoReconnect:         cfg.AutoReconnect,
		AutoReconnectAttempts: cfg.AutoReconnectAttempts,
		AutoReconnectDelay:    cfg.AutoReconnectDelay,
		SocketConnectTimeout:  cfg.SocketConnectTimeout,
		SocketTimeout:         cfg.SocketTimeout,
		MaxLineLength:         cfg.MaxLineLength,
		MessageDelay:          cfg.MessageDelay,

		SnapshotsEnabled: cfg.Snapshots,
		IdentEnabled:     cfg.Identd.Enabled,
	}
	for _, srv := range cfg.Servers {
		botCfg.Servers = append(botCfg.Servers, perch.ServerEntry{Host: srv.Host, Port: srv.Port})
	}
	if cfg.WebIRC != nil {
		botCfg.WebIRC = &perch.WebIRCConfig{
			Password: cfg.WebIRC.Password,
			Username: cfg.WebIRC.Username,
			Hostname: cfg.WebIRC.Hostname,
			Address:  cfg.WebIRC.Address,
		}
	}
	if cfg.SASL != nil {
		botCfg.SASL = &perch.SASLConfig{
			Mechanism: cfg.SASL.Mechanism,
			Username:  cfg.SASL.Username,
			Password:  cfg.SASL.Password,
		}
	}
	return botCfg
}

func socketFactory(cfg *config.Bot) (perch.SocketFactory, error) {
	var localAddr net.Addr
	if cfg.LocalAddress != "" {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(cfg.LocalAddress, "0"))
		if err != nil {
			return nil, err
		}
		localAddr = addr
	}
	switch {
	case cfg.WebsocketURL != "":
		return &perch.WebsocketSocketFactory{URL: cfg.WebsocketURL}, nil
	case cfg.TLS:
		return &perch.TLSSocketFactory{LocalAddr: localAddr}, nil
	default:
		return &perch.TCPSocketFactory{LocalAddr: localAddr}, nil
	}
}

func listenMetrics(bot *perch.Bot, addr string) {
	hostname, _, err := net.SplitHostPort(addr)
	if err != nil {
		log.Fatalf("invalid metrics address %q: %v", addr, err)
	} else if hostname != "localhost" && hostname != "127.0.0.1" && hostname != "::1" {
		log.Fatalf("metrics listening host must be localhost")
	}

	registry := prometheus.NewRegistry()
	if err := bot.RegisterMetrics(registry); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		MaxRequestsInFlight: 10,
		Timeout:             10 * time.Second,
		EnableOpenMetrics:   true,
	})

	httpSrv := http.Server{
		Addr:    addr,
		Handler: metricsHandler,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			log.Fatalf("serving metrics on %q: %v", addr, err)
		}
	}()
	log.Printf("metrics listening on %q", addr)
}

func main() {
	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	if configPath == "" {
		log.Fatal("-config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}

	factory, err := socketFactory(cfg)
	if err != nil {
		log.Fatalf("failed to resolve local address: %v", err)
	}

	bot := perch.NewBot(buildBotConfig(cfg), perch.NewLogger(log.Writer(), debug))
	bot.SocketFactory = factory
	bot.AddListener(&perch.CoreHooks{})

	channels := cfg.Channels
	bot.AddListener(perch.ListenerFunc(func(ev perch.Event) {
		if _, ok := ev.(*perch.ConnectEvent); !ok {
			return
		}
		for _, ch := range channels {
			ev.Meta().Bot.IRC().Join(ch.Name, ch.Key)
		}
	}))

	if cfg.Identd.Enabled {
		bot.Identd = perch.NewIdentd()
		ln, err := net.Listen("tcp", cfg.Identd.Listen)
		if err != nil {
			log.Fatalf("failed to start identd listener on %q: %v", cfg.Identd.Listen, err)
		}
		go func() {
			if err := bot.Identd.Serve(ln); err != nil {
				log.Printf("serving identd: %v", err)
			}
		}()
		log.Printf("identd listening on %q", cfg.Identd.Listen)
	}

	if cfg.MetricsListen != "" {
		listenMetrics(bot, cfg.MetricsListen)
	}

	if cfg.ShutdownHook {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Print("shutting down")
			bot.StopReconnect()
			bot.IRC().Quit("")
			<-sigCh
			log.Print("forcing close")
			bot.Close()
		}()
	}

	if err := bot.Start(); err != nil {
		log.Fatal(err)
	}
}
