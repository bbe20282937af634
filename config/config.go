package config

import (
	"fmt"
	"strconv"
	"time"

	"git.sr.ht/~emersion/go-scfg"
)

type Server struct {
	Host string
	Port int
}

type WebIRC struct {
	Password string
	Username string
	Hostname string
	Address  string
}

type SASL struct {
	Mechanism string
	Username  string
	Password  string
}

type Channel struct {
	Name string
	Key  string
}

type Identd struct {
	Enabled bool
	Listen  string
}

type Bot struct {
	Servers []Server

	Nick             string
	NickAlternatives []string
	Login            string
	RealName         string

	ServerPassword string
	WebIRC         *WebIRC

	CapEnabled   bool
	Capabilities []string
	SASL         *SASL

	AutoReconnect         bool
	AutoReconnectAttempts int
	AutoReconnectDelay    time.Duration
	SocketConnectTimeout  time.Duration
	SocketTimeout         time.Duration

	LocalAddress  string
	TLS           bool
	WebsocketURL  string
	Encoding      string
	MaxLineLength int
	MessageDelay  time.Duration

	Snapshots    bool
	ShutdownHook bool
	Identd       Identd

	Channels []Channel

	MetricsListen string
}

func Defaults() *Bot {
	return &Bot{
		Nick:                  "perch",
		Login:                 "perch",
		RealName:              "perch",
		CapEnabled:            true,
		AutoReconnectAttempts: -1,
		AutoReconnectDelay:    5 * time.Second,
		SocketConnectTimeout:  30 * time.Second,
		SocketTimeout:         5 * time.Minute,
		Encoding:              "utf-8",
		MaxLineLength:         512,
		MessageDelay:          time.Second,
		Snapshots:             true,
		ShutdownHook:          true,
		Identd:                Identd{Listen: ":113"},
	}
}

func Load(path string) (*Bot, error) {
	cfg, err := scfg.Load(path)
	if err != nil {
		return nil, err
	}
	return parse(cfg)
}

func parse(cfg scfg.Block) (*Bot, error) {
	bot := Defaults()
	for _, d := range cfg {
		switch d.Name {
		case "server":
			var host, portStr string
			if err := d.ParseParams(&host, &portStr); err != nil {
				return nil, err
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			bot.Servers = append(bot.Servers, Server{Host: host, Port: port})
		case "nick":
			if err := d.ParseParams(&bot.Nick); err != nil {
				return nil, err
			}
		case "nick-alternatives":
			if len(d.Params) == 0 {
				return nil, fmt.Errorf("directive %q: expected at least one nick", d.Name)
			}
			bot.NickAlternatives = d.Params
		case "login":
			if err := d.ParseParams(&bot.Login); err != nil {
				return nil, err
			}
		case "realname":
			if err := d.ParseParams(&bot.RealName); err != nil {
				return nil, err
			}
		case "server-password":
			if err := d.ParseParams(&bot.ServerPassword); err != nil {
				return nil, err
			}
		case "webirc":
			webirc := &WebIRC{}
			if err := d.ParseParams(&webirc.Password, &webirc.Username, &webirc.Hostname, &webirc.Address); err != nil {
				return nil, err
			}
			bot.WebIRC = webirc
		case "cap":
			v, err := parseBoolDirective(d)
			if err != nil {
				return nil, err
			}
			bot.CapEnabled = v
		case "capability":
			var name string
			if err := d.ParseParams(&name); err != nil {
				return nil, err
			}
			bot.Capabilities = append(bot.Capabilities, name)
		case "sasl":
			sasl := &SASL{}
			if err := d.ParseParams(&sasl.Mechanism, &sasl.Username, &sasl.Password); err != nil {
				return nil, err
			}
			bot.SASL = sasl
		case "auto-reconnect":
			v, err := parseBoolDirective(d)
			if err != nil {
				return nil, err
			}
			bot.AutoReconnect = v
		case "auto-reconnect-attempts":
			var str string
			if err := d.ParseParams(&str); err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(str)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			bot.AutoReconnectAttempts = n
		case "auto-reconnect-delay":
			dur, err := parseDurationDirective(d)
			if err != nil {
				return nil, err
			}
			bot.AutoReconnectDelay = dur
		case "socket-connect-timeout":
			dur, err := parseDurationDirective(d)
			if err != nil {
				return nil, err
			}
			bot.SocketConnectTimeout = dur
		case "socket-timeout":
			dur, err := parseDurationDirective(d)
			if err != nil {
				return nil, err
			}
			bot.SocketTimeout = dur
		case "local-address":
			if err := d.ParseParams(&bot.LocalAddress); err != nil {
				return nil, err
			}
		case "tls":
			v, err := parseBoolDirective(d)
			if err != nil {
				return nil, err
			}
			bot.TLS = v
		case "websocket":
			if err := d.ParseParams(&bot.WebsocketURL); err != nil {
				return nil, err
			}
		case "encoding":
			if err := d.ParseParams(&bot.Encoding); err != nil {
				return nil, err
			}
		case "max-line-length":
			var str string
			if err := d.ParseParams(&str); err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(str)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			if n < 64 {
				return nil, fmt.Errorf("directive %q: %d is too small", d.Name, n)
			}
			bot.MaxLineLength = n
		case "identd":
			var str string
			if err := d.ParseParams(&str); err != nil {
				return nil, err
			}
			v, err := strconv.ParseBool(str)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			bot.Identd.Enabled = v
			if len(d.Params) > 1 {
				if err := d.ParseParams(nil, &bot.Identd.Listen); err != nil {
					return nil, err
				}
			}
		case "snapshots":
			v, err := parseBoolDirective(d)
			if err != nil {
				return nil, err
			}
			bot.Snapshots = v
		case "shutdown-hook":
			v, err := parseBoolDirective(d)
			if err != nil {
				return nil, err
			}
			bot.ShutdownHook = v
		case "message-delay":
			dur, err := parseDurationDirective(d)
			if err != nil {
				return nil, err
			}
			bot.MessageDelay = dur
		case "channel":
			ch := Channel{}
			switch len(d.Params) {
			case 1:
				if err := d.ParseParams(&ch.Name); err != nil {
					return nil, err
				}
			case 2:
				if err := d.ParseParams(&ch.Name, &ch.Key); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("directive %q: expected name with optional key", d.Name)
			}
			bot.Channels = append(bot.Channels, ch)
		case "listen-metrics":
			if err := d.ParseParams(&bot.MetricsListen); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown directive %q", d.Name)
		}
	}

	if len(bot.Servers) == 0 {
		return nil, fmt.Errorf("at least one \"server\" directive is required")
	}
	switch bot.Encoding {
	case "utf-8", "utf8", "ascii":
	default:
		return nil, fmt.Errorf("directive \"encoding\": unsupported encoding %q", bot.Encoding)
	}

	return bot, nil
}

func parseBoolDirective(d *scfg.Directive) (bool, error) {
	var str string
	if err := d.ParseParams(&str); err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(str)
	if err != nil {
		return false, fmt.Errorf("directive %q: %v", d.Name, err)
	}
	return v, nil
}

func parseDurationDirective(d *scfg.Directive) (time.Duration, error) {
	var str string
	if err := d.ParseParams(&str); err != nil {
		return 0, err
	}
	dur, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("directive %q: %v", d.Name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("directive %q: negative duration", d.Name)
	}
	return dur, nil
}
