// Package config implements the TOML configuration for the client and the
// development KAS daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel            = "info"
	defaultHeartbeatInterval   = 5
	defaultReconnectDelay      = 3
	defaultRewrapTimeout       = 10
	defaultMaxInflightDecrypts = 8

	defaultQueueFile     = "sealed.queue"
	defaultQueueBudget   = 16 << 20
	defaultQueueTTLHours = 72
	defaultRetryInterval = 30

	defaultServerAddr = "localhost:9090"
	defaultRedisAddr  = "localhost:6379"
	defaultMongoURI   = "mongodb://localhost:27017"
	defaultMongoDB    = "sealed_chat"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToLower(lCfg.Level)
	switch lvl {
	case "debug", "info", "warn", "error":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// KAS names the key access service the client talks to.
type KAS struct {
	// URL is the WebSocket endpoint of the service.
	URL string

	// Bearer is the authorization token presented when dialing.
	Bearer string

	// Agent is the handle announced when dialing, used for offline
	// delivery and the agent registry.
	Agent string
}

func (kCfg *KAS) validate() error {
	if kCfg.URL == "" {
		return fmt.Errorf("config: KAS: URL is missing")
	}
	if !strings.HasPrefix(kCfg.URL, "ws://") && !strings.HasPrefix(kCfg.URL, "wss://") {
		return fmt.Errorf("config: KAS: URL '%v' is not a ws:// or wss:// endpoint", kCfg.URL)
	}
	if kCfg.Agent == "" {
		return fmt.Errorf("config: KAS: Agent is missing")
	}
	return nil
}

// Session tunes the persistent connection.
type Session struct {
	// HeartbeatInterval is the ping cadence in seconds.
	HeartbeatInterval int

	// ReconnectDelay is the fixed delay in seconds between reconnect
	// attempts.
	ReconnectDelay int

	// RewrapTimeout is the number of seconds a key request may stay
	// outstanding before it fails.
	RewrapTimeout int

	// MaxInflightDecrypts bounds the decrypt/dispatch tasks running off
	// the receive loop.
	MaxInflightDecrypts int
}

func (sCfg *Session) fixup() {
	if sCfg.HeartbeatInterval == 0 {
		sCfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if sCfg.ReconnectDelay == 0 {
		sCfg.ReconnectDelay = defaultReconnectDelay
	}
	if sCfg.RewrapTimeout == 0 {
		sCfg.RewrapTimeout = defaultRewrapTimeout
	}
	if sCfg.MaxInflightDecrypts == 0 {
		sCfg.MaxInflightDecrypts = defaultMaxInflightDecrypts
	}
}

func (sCfg *Session) validate() error {
	if sCfg.HeartbeatInterval < 0 || sCfg.ReconnectDelay < 0 ||
		sCfg.RewrapTimeout < 0 || sCfg.MaxInflightDecrypts < 0 {
		return fmt.Errorf("config: Session: negative interval")
	}
	return nil
}

func (sCfg *Session) Heartbeat() time.Duration {
	return time.Duration(sCfg.HeartbeatInterval) * time.Second
}

func (sCfg *Session) Reconnect() time.Duration {
	return time.Duration(sCfg.ReconnectDelay) * time.Second
}

func (sCfg *Session) Rewrap() time.Duration {
	return time.Duration(sCfg.RewrapTimeout) * time.Second
}

// Queue bounds the durable local queue.
type Queue struct {
	// File is the path of the backing database.
	File string

	// BudgetBytes caps the resident byte total.
	BudgetBytes int64

	// TTLHours is the record lifetime; 0 keeps records until evicted.
	TTLHours int

	// RetryInterval is the replay cadence in seconds.
	RetryInterval int
}

func (qCfg *Queue) fixup() {
	if qCfg.File == "" {
		qCfg.File = defaultQueueFile
	}
	if qCfg.BudgetBytes == 0 {
		qCfg.BudgetBytes = defaultQueueBudget
	}
	if qCfg.TTLHours == 0 {
		qCfg.TTLHours = defaultQueueTTLHours
	}
	if qCfg.RetryInterval == 0 {
		qCfg.RetryInterval = defaultRetryInterval
	}
}

func (qCfg *Queue) validate() error {
	if qCfg.BudgetBytes < 0 {
		return fmt.Errorf("config: Queue: negative BudgetBytes")
	}
	if qCfg.TTLHours < 0 || qCfg.RetryInterval < 0 {
		return fmt.Errorf("config: Queue: negative interval")
	}
	return nil
}

func (qCfg *Queue) TTL() time.Duration {
	return time.Duration(qCfg.TTLHours) * time.Hour
}

func (qCfg *Queue) Retry() time.Duration {
	return time.Duration(qCfg.RetryInterval) * time.Second
}

// Config is the client configuration.
type Config struct {
	KAS     *KAS
	Session *Session
	Queue   *Queue
	Logging *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.KAS == nil {
		return fmt.Errorf("config: No KAS block was present")
	}
	if c.Session == nil {
		c.Session = new(Session)
	}
	if c.Queue == nil {
		c.Queue = new(Queue)
	}
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}

	c.Session.fixup()
	c.Queue.fixup()

	if err := c.KAS.validate(); err != nil {
		return err
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Server is the daemon's listener configuration.
type Server struct {
	// Addr is the listen address.
	Addr string

	// Bearer, when set, is required of every dialing client.
	Bearer string

	// DenyPolicies lists policy substrings whose rewrap requests are
	// refused.
	DenyPolicies []string
}

func (sCfg *Server) fixup() {
	if sCfg.Addr == "" {
		sCfg.Addr = defaultServerAddr
	}
}

// Redis is the offline spool backend.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

func (rCfg *Redis) fixup() {
	if rCfg.Addr == "" {
		rCfg.Addr = defaultRedisAddr
	}
}

// Mongo is the agent registry backend.
type Mongo struct {
	URI      string
	Database string
}

func (mCfg *Mongo) fixup() {
	if mCfg.URI == "" {
		mCfg.URI = defaultMongoURI
	}
	if mCfg.Database == "" {
		mCfg.Database = defaultMongoDB
	}
}

// ServerConfig is the daemon configuration.
type ServerConfig struct {
	Server  *Server
	Redis   *Redis
	Mongo   *Mongo
	Logging *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *ServerConfig) FixupAndValidate() error {
	if c.Server == nil {
		c.Server = new(Server)
	}
	if c.Redis == nil {
		c.Redis = new(Redis)
	}
	if c.Mongo == nil {
		c.Mongo = new(Mongo)
	}
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}

	c.Server.fixup()
	c.Redis.fixup()
	c.Mongo.fixup()
	return c.Logging.validate()
}

// LoadServer parses and validates the provided buffer b as a daemon config
// file body and returns the ServerConfig.
func LoadServer(b []byte) (*ServerConfig, error) {
	cfg := new(ServerConfig)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerFile loads, parses, and validates the provided file and returns
// the ServerConfig.
func LoadServerFile(f string) (*ServerConfig, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return LoadServer(b)
}
