package perch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emersion/go-sasl"
	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"
)

// State is where the engine stands in its connection lifecycle.
type State int

const (
	StateInit State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ServerEntry is one server to try during the connect fan-out.
type ServerEntry struct {
	Host string
	Port int
}

func (e ServerEntry) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// WebIRCConfig carries the WEBIRC gateway credentials sent before PASS.
type WebIRCConfig struct {
	Password string
	Username string
	Hostname string
	Address  string
}

// SASLConfig selects the SASL mechanism used during CAP negotiation.
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

// Config is the engine configuration; only Servers, Nick and Login are
// mandatory. A zero MaxLineLength, SocketConnectTimeout or SocketTimeout
// falls back to 512 bytes, 30s or 5m; a zero MessageDelay disables flood
// control, a zero AutoReconnectDelay retries at once and a zero
// AutoReconnectAttempts allows no retry. The config package's Defaults
// are not applied here.
type Config struct {
	Servers []ServerEntry

	Nick             string
	NickAlternatives []string
	Login            string
	RealName         string
	Version          string

	ServerPassword string
	WebIRC         *WebIRCConfig

	CapEnabled   bool
	Capabilities []string
	SASL         *SASLConfig

	AutoReconnect         bool
	AutoReconnectAttempts int // -1 means unlimited
	AutoReconnectDelay    time.Duration
	SocketConnectTimeout  time.Duration
	SocketTimeout         time.Duration
	MaxLineLength         int
	MessageDelay          time.Duration

	SnapshotsEnabled    bool
	ShutdownHookEnabled bool
	IdentEnabled        bool
}

// Bot is the IRC client engine. Construct with NewBot, wire the
// collaborator fields, register listeners, then call Start.
type Bot struct {
	// SocketFactory dials the transport; defaults to plain TCP.
	SocketFactory SocketFactory
	// Identd, when set together with Config.IdentEnabled, gets an entry
	// for every outbound socket.
	Identd *Identd
	// DCCHandler receives parsed DCC offers.
	DCCHandler DCCHandler

	config  *Config
	logger  Logger
	metrics *botMetrics

	limiter       *rate.Limiter
	maxLineLength int

	listenersMu sync.Mutex
	listeners   []Listener

	eventID uint64

	hookOnce sync.Once

	mu                sync.Mutex
	state             State
	conn              ircConn
	connLogger        Logger
	ctx               context.Context
	cancel            context.CancelFunc
	stopReconnect     bool
	stopCh            chan struct{}
	stopOnce          sync.Once
	reconnectChannels map[string]string
	channelKeys       map[string]string
	totalAttempts     int
	inRunAttempts     int
	failErr           error

	store      *Store
	serverInfo *ServerInfo
	parser     *inputParser
	selfModes  modeSet
	altNickIdx int
}

func NewBot(cfg *Config, logger Logger) *Bot {
	if logger == nil {
		logger = NewLogger(os.Stderr, false)
	}
	maxLineLength := cfg.MaxLineLength
	if maxLineLength == 0 {
		maxLineLength = 512
	}
	var limiter *rate.Limiter
	if cfg.MessageDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MessageDelay), 1)
	}
	b := &Bot{
		SocketFactory: &TCPSocketFactory{},

		config:        cfg,
		logger:        logger,
		metrics:       newBotMetrics(),
		limiter:       limiter,
		maxLineLength: maxLineLength,

		state:             StateInit,
		stopCh:            make(chan struct{}),
		reconnectChannels: make(map[string]string),
		channelKeys:       make(map[string]string),

		store:      newStore(cfg.Nick),
		serverInfo: newServerInfo(),
	}
	b.parser = newInputParser(b)
	return b
}

// AddListener registers a listener. Safe at any time.
func (b *Bot) AddListener(l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bot) RemoveListener(l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	for i := range b.listeners {
		if b.listeners[i] == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsConnected reports whether the engine currently holds a socket.
func (b *Bot) IsConnected() bool {
	return b.State() == StateConnected
}

// Store returns the live state for the current connection attempt.
func (b *Bot) Store() *Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store
}

// ServerInfo returns what the server has told us about itself.
func (b *Bot) ServerInfo() *ServerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serverInfo
}

// Nick returns our current nick.
func (b *Bot) Nick() string {
	return b.Store().BotUser().Nick
}

// StopReconnect makes the current iteration the last one. Idempotent;
// it does not close the socket.
func (b *Bot) StopReconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopReconnect = true
}

// Close forces the engine down: no more reconnects, socket closed,
// sleeping loops woken, listeners holding resources shut down.
func (b *Bot) Close() error {
	b.mu.Lock()
	b.stopReconnect = true
	conn := b.conn
	b.mu.Unlock()
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.shutdownListeners()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Bot) shutdownListeners() {
	b.listenersMu.Lock()
	ls := append([]Listener(nil), b.listeners...)
	b.listenersMu.Unlock()
	for _, l := range ls {
		if s, ok := l.(interface{ Shutdown() }); ok {
			s.Shutdown()
		}
	}
}

func (b *Bot) stopRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopReconnect
}

func (b *Bot) currentConn() ircConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// clog returns the logger scoped to the current connection, or the root
// logger when no connection is up.
func (b *Bot) clog() Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connLogger != nil {
		return b.connLogger
	}
	return b.logger
}

func (b *Bot) runCtx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *Bot) newMeta() EventMeta {
	return EventMeta{
		Bot:  b,
		Time: time.Now(),
		ID:   atomic.AddUint64(&b.eventID, 1),
	}
}

func (b *Bot) dispatch(ev Event) {
	b.listenersMu.Lock()
	ls := append([]Listener(nil), b.listeners...)
	b.listenersMu.Unlock()
	for _, l := range ls {
		b.deliver(l, ev)
	}
}

func (b *Bot) deliver(l Listener, ev Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("listener panic on %T: %v", ev, r)
		if _, ok := ev.(*ExceptionEvent); ok {
			// don't feed a panicking listener its own exceptions
			b.clog().Printf("%v", err)
			return
		}
		b.dispatch(&ExceptionEvent{EventMeta: b.newMeta(), Err: err})
	}()
	l.HandleEvent(ev)
}

// fail records a fatal protocol refusal and tears the socket down. The
// recorded error wins over the read error that follows.
func (b *Bot) fail(err error) {
	b.mu.Lock()
	if b.failErr == nil {
		b.failErr = err
	}
	conn := b.conn
	b.mu.Unlock()
	b.clog().Printf("connection failed: %v", err)
	if conn != nil {
		conn.Close()
	}
}

func (b *Bot) nextAltNick() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.altNickIdx >= len(b.config.NickAlternatives) {
		return "", false
	}
	alt := b.config.NickAlternatives[b.altNickIdx]
	b.altNickIdx++
	return alt, true
}

func (b *Bot) setChannelKey(name, key string) {
	cm := b.serverInfo.CaseMapping()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelKeys[cm(name)] = key
}

func (b *Bot) noteJoined(name string) {
	cm := b.serverInfo.CaseMapping()
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reconnectChannels, cm(name))
}

func (b *Bot) noteLeft(name string) {
	cm := b.serverInfo.CaseMapping()
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channelKeys, cm(name))
	delete(b.reconnectChannels, cm(name))
}

func (b *Bot) saslConfigured() bool {
	return b.config.SASL != nil
}

func (b *Bot) newSASLClient() (sasl.Client, error) {
	c := b.config.SASL
	switch strings.ToUpper(c.Mechanism) {
	case "", "PLAIN":
		return sasl.NewPlainClient("", c.Username, c.Password), nil
	case "EXTERNAL":
		return sasl.NewExternalClient(""), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", c.Mechanism)
	}
}

func (b *Bot) requestedCaps() []string {
	caps := append([]string(nil), b.config.Capabilities...)
	if b.saslConfigured() {
		found := false
		for _, c := range caps {
			if c == "sasl" {
				found = true
				break
			}
		}
		if !found {
			caps = append(caps, "sasl")
		}
	}
	return caps
}

// Start runs the reconnect loop on the calling goroutine. It returns
// nil on clean termination (StopReconnect or Close, typically followed
// by a quit), an IrcError when
// the server refused us with a non-transient reason, or a connect error
// once the retry budget is exhausted.
func (b *Bot) Start() error {
	b.mu.Lock()
	b.stopReconnect = false
	b.inRunAttempts = 0
	b.mu.Unlock()

	for {
		ctx := b.beginAttempt()

		conn, failures := b.connectAny(ctx)
		if conn == nil {
			err := b.handleConnectFailure(failures)
			if err != nil {
				return err
			}
			if b.stopRequested() {
				return b.connectError(failures)
			}
			if !b.sleepReconnect() {
				return b.connectError(failures)
			}
			continue
		}

		cause := b.runConnection(conn)

		var ircErr *IrcError
		if errors.As(cause, &ircErr) && !ircErr.Temporary() {
			return ircErr
		}
		if !b.config.AutoReconnect || b.stopRequested() {
			if ircErr != nil {
				return ircErr
			}
			return nil
		}
		if err := b.budgetExhausted(cause); err != nil {
			return err
		}
		if !b.sleepReconnect() {
			return nil
		}
	}
}

// beginAttempt resets the per-attempt state and emits
// ConnectAttemptStartEvent.
func (b *Bot) beginAttempt() context.Context {
	b.mu.Lock()
	b.totalAttempts++
	b.inRunAttempts++
	attempt := b.totalAttempts
	b.state = StateInit
	b.store = newStore(b.config.Nick)
	b.serverInfo = newServerInfo()
	b.selfModes = ""
	b.altNickIdx = 0
	b.failErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	b.ctx, b.cancel = ctx, cancel
	b.mu.Unlock()

	b.parser = newInputParser(b)
	b.metrics.connectAttempts.Inc()
	b.dispatch(&ConnectAttemptStartEvent{EventMeta: b.newMeta(), Attempt: attempt})
	return ctx
}

func (b *Bot) remainingAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	budget := b.config.AutoReconnectAttempts
	if budget < 0 {
		return -1
	}
	n := budget - b.inRunAttempts
	if n < 0 {
		n = 0
	}
	return n
}

func (b *Bot) connectAny(ctx context.Context) (ircConn, []ConnectFailure) {
	var failures []ConnectFailure
	timeout := b.config.SocketConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	for _, entry := range b.config.Servers {
		addrs, err := net.DefaultResolver.LookupHost(ctx, entry.Host)
		if err != nil {
			failures = append(failures, ConnectFailure{Addr: entry.String(), Err: err})
			continue
		}
		for _, ip := range addrs {
			addr := net.JoinHostPort(ip, strconv.Itoa(entry.Port))
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			netConn, err := b.SocketFactory.Dial(dialCtx, addr)
			cancel()
			if err != nil {
				failures = append(failures, ConnectFailure{Addr: addr, Err: err})
				continue
			}
			return newLineConn(netConn, b.maxLineLength), failures
		}
	}
	return nil, failures
}

func (b *Bot) connectError(failures []ConnectFailure) error {
	if len(failures) == 0 {
		return fmt.Errorf("no servers configured")
	}
	last := failures[len(failures)-1]
	return fmt.Errorf("could not connect to any of %v candidates, last %v: %v",
		len(failures), last.Addr, last.Err)
}

// handleConnectFailure emits the failure event and decides whether the
// loop may retry; a non-nil return ends Start with that error.
func (b *Bot) handleConnectFailure(failures []ConnectFailure) error {
	remaining := b.remainingAttempts()
	b.dispatch(&ConnectAttemptFailedEvent{
		EventMeta:         b.newMeta(),
		Failures:          failures,
		RemainingAttempts: remaining,
	})
	b.clog().Printf("connect attempt failed (%v candidates, %v attempts remaining)", len(failures), remaining)
	if !b.config.AutoReconnect {
		return b.connectError(failures)
	}
	if remaining == 0 {
		return b.connectError(failures)
	}
	return nil
}

func (b *Bot) budgetExhausted(cause error) error {
	if b.remainingAttempts() != 0 {
		return nil
	}
	if cause == nil {
		cause = fmt.Errorf("connection lost")
	}
	return fmt.Errorf("reconnect budget exhausted: %v", cause)
}

// sleepReconnect waits out the reconnect delay; false means the engine
// was closed while sleeping.
func (b *Bot) sleepReconnect() bool {
	delay := b.config.AutoReconnectDelay
	if delay == 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-b.stopCh:
		return false
	}
}

// runConnection owns the socket from registration to teardown and
// returns the cause of the disconnect, nil when StopReconnect or Close
// was called.
func (b *Bot) runConnection(conn ircConn) error {
	remoteAddr := conn.RemoteAddr()
	localAddr := conn.LocalAddr()

	logger := &prefixLogger{logger: b.logger, prefix: fmt.Sprintf("server %v: ", remoteAddr)}

	b.mu.Lock()
	b.conn = conn
	b.connLogger = logger
	b.state = StateConnected
	b.mu.Unlock()

	logger.Printf("connected")
	b.dispatch(&SocketConnectEvent{EventMeta: b.newMeta(), LocalAddr: localAddr, RemoteAddr: remoteAddr})

	identRegistered := false
	if b.Identd != nil && b.config.IdentEnabled && remoteAddr != nil && localAddr != nil {
		b.Identd.Store(remoteAddr.String(), localAddr.String(), b.config.Login)
		identRegistered = true
	}

	b.register()
	cause := b.readLoop(conn)

	if b.stopRequested() {
		cause = nil
	}
	return b.teardown(conn, cause, identRegistered, remoteAddr, localAddr)
}

// register sends the login sequence. Order matters: CAP LS opens
// negotiation before the server sees NICK/USER, WEBIRC follows it and
// comes before everything else, PASS must precede NICK.
func (b *Bot) register() {
	cfg := b.config
	if cfg.CapEnabled {
		b.CAP().LS("302")
	}
	if w := cfg.WebIRC; w != nil {
		b.sendMaskedf(
			fmt.Sprintf("WEBIRC <masked> %s %s %s", w.Username, w.Hostname, w.Address),
			"WEBIRC %s %s %s %s", w.Password, w.Username, w.Hostname, w.Address)
	}
	if cfg.ServerPassword != "" {
		b.sendMaskedf("PASS <masked>", "PASS %s", cfg.ServerPassword)
	}
	b.sendNowf("NICK %s", cfg.Nick)
	b.sendNowf("USER %s 8 * :%s", cfg.Login, cfg.RealName)
}

func (b *Bot) readLoop(conn ircConn) error {
	logger := b.clog()
	socketTimeout := b.config.SocketTimeout
	if socketTimeout == 0 {
		socketTimeout = 5 * time.Minute
	}
	for {
		conn.SetReadDeadline(time.Now().Add(socketTimeout))
		line, err := conn.ReadLine()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// quiet server: poke it and keep reading, a dead
				// socket surfaces as a write or read error instead
				b.sendNowf("PING %d", time.Now().Unix())
				continue
			}
			return err
		}
		if line == "" {
			continue
		}
		b.metrics.linesReceived.Inc()
		logger.Debugf("received: %v", line)

		msg, err := irc.ParseMessage(line)
		if err != nil {
			b.dispatch(&ExceptionEvent{
				EventMeta: b.newMeta(),
				Err:       &ProtocolError{Desc: fmt.Sprintf("unparseable line %q: %v", line, err)},
			})
			continue
		}
		if err := b.parser.handleMessage(msg); err != nil {
			logger.Printf("failed to handle %v: %v", msg.Command, err)
			b.dispatch(&ExceptionEvent{EventMeta: b.newMeta(), Err: err})
		}
	}
}

// handleRegistered runs on 001: the in-run attempt budget resets and
// channels left behind by the previous connection get rejoined.
func (b *Bot) handleRegistered() {
	b.mu.Lock()
	b.inRunAttempts = 0
	rejoin := make(map[string]string, len(b.reconnectChannels))
	for name, key := range b.reconnectChannels {
		rejoin[name] = key
	}
	b.mu.Unlock()

	b.metrics.connected.Set(1)
	if b.config.ShutdownHookEnabled {
		b.hookOnce.Do(b.registerShutdownHook)
	}
	for name, key := range rejoin {
		b.IRC().Join(name, key)
	}
}

// registerShutdownHook wires process termination signals to a graceful
// quit. Non-owning: the host binary keeps its own handlers.
func (b *Bot) registerShutdownHook() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			b.StopReconnect()
			b.IRC().Quit("")
		case <-b.stopCh:
		}
		signal.Stop(ch)
	}()
}

func (b *Bot) teardown(conn ircConn, cause error, identRegistered bool, remoteAddr, localAddr net.Addr) error {
	// frozen before the store closes so the reconnect cache and the
	// published snapshot agree
	snap := b.store.Snapshot()

	b.mu.Lock()
	b.state = StateDisconnected
	b.conn = nil
	logger := b.connLogger
	b.connLogger = nil
	conn.Close()
	if identRegistered && b.Identd != nil {
		b.Identd.Delete(remoteAddr.String(), localAddr.String())
	}

	cm := b.serverInfo.CaseMapping()
	rc := make(map[string]string, len(snap.Channels))
	for key, ch := range snap.Channels {
		k := ch.Key
		if k == "" {
			k = b.channelKeys[cm(ch.Name)]
		}
		rc[key] = k
	}
	b.reconnectChannels = rc

	// a locally requested stop ends cleanly even when the server answered
	// our QUIT with ERROR
	if b.failErr != nil && !b.stopReconnect {
		cause = b.failErr
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	b.store.Close()
	b.metrics.connected.Set(0)
	logger.Printf("disconnected: %v", cause)

	published := snap
	if !b.config.SnapshotsEnabled {
		published = nil
	}
	b.dispatch(&DisconnectEvent{EventMeta: b.newMeta(), Snapshot: published, Cause: cause})
	return cause
}
