package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/callroom/backend/server/origin"
)

const (
	EnvAPIListenAddr       = "CALLROOM_API_LISTEN_ADDR"
	EnvWSListenAddr        = "CALLROOM_WS_LISTEN_ADDR"
	EnvLogLevel            = "CALLROOM_LOG_LEVEL"
	EnvHistoryDB           = "CALLROOM_HISTORY_DB"
	EnvCallTimeout         = "CALLROOM_CALL_TIMEOUT"
	EnvHistoryWriteTimeout = "CALLROOM_HISTORY_WRITE_TIMEOUT"
	EnvOutboundQueue       = "CALLROOM_OUTBOUND_QUEUE"
	EnvAllowedOrigins      = "CALLROOM_ALLOWED_ORIGINS"
	EnvStunURLs            = "CALLROOM_STUN_URLS"
	EnvTurnURLs            = "CALLROOM_TURN_URLS"
	EnvTurnUsername        = "CALLROOM_TURN_USERNAME"
	EnvTurnCredential      = "CALLROOM_TURN_CREDENTIAL"
)

const (
	DefaultAPIListenAddr       = ":8080"
	DefaultWSListenAddr        = ":8888"
	DefaultLogLevel            = "info"
	DefaultHistoryDB           = "callroom.db"
	DefaultHistoryWriteTimeout = 5 * time.Second
	DefaultOutboundQueue       = 64
	DefaultStunURL             = "stun:stun.l.google.com:19302"
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr       string
	WSListenAddr        string
	LogLevel            zerolog.Level
	HistoryDB           string
	CallTimeout         time.Duration
	HistoryWriteTimeout time.Duration
	OutboundQueue       int
	AllowedOrigins      []string
	ICEServers          []webrtc.ICEServer
}

// Load reads flags from args with environment variables as defaults.
func Load(args []string) (*Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (*Config, error) {
	env := func(key, def string) string {
		if v, ok := lookup(key); ok {
			return strings.TrimSpace(v)
		}
		return def
	}
	envDuration := func(key string, def time.Duration) (time.Duration, error) {
		raw := env(key, "")
		if raw == "" {
			return def, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		return d, nil
	}

	callTimeout, err := envDuration(EnvCallTimeout, 0)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := envDuration(EnvHistoryWriteTimeout, DefaultHistoryWriteTimeout)
	if err != nil {
		return nil, err
	}
	queue := DefaultOutboundQueue
	if raw := env(EnvOutboundQueue, ""); raw != "" {
		if queue, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, EnvOutboundQueue, err)
		}
	}

	fs := pflag.NewFlagSet("callroom", pflag.ContinueOnError)
	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", env(EnvAPIListenAddr, DefaultAPIListenAddr), "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", env(EnvWSListenAddr, DefaultWSListenAddr), "websocket signaling listen address")
		logLevel       = fs.StringP("log-level", "l", env(EnvLogLevel, DefaultLogLevel), "log level")
		historyDB      = fs.String("history-db", env(EnvHistoryDB, DefaultHistoryDB), "sqlite call history database path, empty disables history")
		callTO         = fs.Duration("call-timeout", callTimeout, "end unanswered calls after this long, 0 disables")
		writeTO        = fs.Duration("history-write-timeout", writeTimeout, "deadline for a single history write")
		outboundQueue  = fs.Int("outbound-queue", queue, "per-connection outbound message buffer")
		allowedOrigins = fs.StringSlice("allowed-origins", splitList(env(EnvAllowedOrigins, "")), "allowed browser origins (scheme://host[:port] or scheme://*.domain), empty allows any")
		stunURLs       = fs.StringSlice("stun-urls", splitList(env(EnvStunURLs, DefaultStunURL)), "STUN server urls handed to clients")
		turnURLs       = fs.StringSlice("turn-urls", splitList(env(EnvTurnURLs, "")), "TURN server urls handed to clients")
		turnUsername   = fs.String("turn-username", env(EnvTurnUsername, ""), "TURN username")
		turnCredential = fs.String("turn-credential", env(EnvTurnCredential, ""), "TURN credential")
	)
	if err = fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		APIListenAddr:       *apiListenAddr,
		WSListenAddr:        *wsListenAddr,
		HistoryDB:           strings.TrimSpace(*historyDB),
		CallTimeout:         *callTO,
		HistoryWriteTimeout: *writeTO,
		OutboundQueue:       *outboundQueue,
		AllowedOrigins:      trimList(*allowedOrigins),
	}
	if cfg.LogLevel, err = zerolog.ParseLevel(strings.ToLower(*logLevel)); err != nil {
		return nil, fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	for _, o := range cfg.AllowedOrigins {
		if err = origin.Validate(o); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if cfg.CallTimeout < 0 {
		return nil, fmt.Errorf("%w: call timeout must not be negative", ErrInvalid)
	}
	if cfg.HistoryWriteTimeout <= 0 {
		return nil, fmt.Errorf("%w: history write timeout must be positive", ErrInvalid)
	}
	if cfg.OutboundQueue <= 0 {
		return nil, fmt.Errorf("%w: outbound queue must be positive", ErrInvalid)
	}
	if cfg.ICEServers, err = ICEServers(trimList(*stunURLs), trimList(*turnURLs), *turnUsername, *turnCredential); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ICEServers builds the list handed to browsers from STUN and TURN urls.
func ICEServers(stunURLs, turnURLs []string, username, credential string) ([]webrtc.ICEServer, error) {
	servers := make([]webrtc.ICEServer, 0, 2)
	for _, u := range stunURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return nil, fmt.Errorf("%w: stun url %q must start with stun: or stuns:", ErrInvalid, u)
		}
	}
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) == 0 {
		return servers, nil
	}
	for _, u := range turnURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return nil, fmt.Errorf("%w: turn url %q must start with turn: or turns:", ErrInvalid, u)
		}
	}
	username = strings.TrimSpace(username)
	if username == "" || credential == "" {
		return nil, fmt.Errorf("%w: turn urls need a username and credential", ErrInvalid)
	}
	return append(servers, webrtc.ICEServer{
		URLs:           turnURLs,
		Username:       username,
		Credential:     credential,
		CredentialType: webrtc.ICECredentialTypePassword,
	}), nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return trimList(strings.Split(raw, ","))
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
