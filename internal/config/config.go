package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type Config struct {
	ListenAddr   string
	WSAddr       string
	AdminAddr    string
	DelayDB      string
	LogLevel     string
	LoginTimeout time.Duration
	WriteTimeout time.Duration
}

// Load reads the server configuration. args are the command line arguments
// without the program name; the only positional argument is the TCP port.
func Load(args []string) (*Config, error) {
	loadDotEnv()

	fs := pflag.NewFlagSet("courier", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: courier <port>")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("expected exactly one argument: the port to listen on")
	}

	port, err := parsePort(fs.Arg(0))
	if err != nil {
		return nil, err
	}

	loginTimeout, err := time.ParseDuration(getEnv("LOGIN_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("LOGIN_TIMEOUT: %w", err)
	}

	writeTimeout, err := time.ParseDuration(getEnv("WRITE_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("WRITE_TIMEOUT: %w", err)
	}

	cfg := &Config{
		ListenAddr:   net.JoinHostPort("", strconv.Itoa(port)),
		WSAddr:       getEnv("WS_ADDR", ""),
		AdminAddr:    getEnv("ADMIN_ADDR", "localhost:8081"),
		DelayDB:      getEnv("DELAY_DB", "delays.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LoginTimeout: loginTimeout,
		WriteTimeout: writeTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.LoginTimeout < 0 {
		return fmt.Errorf("LOGIN_TIMEOUT must not be negative")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("WRITE_TIMEOUT must not be negative")
	}
	if c.WSAddr != "" && c.WSAddr == c.AdminAddr {
		return fmt.Errorf("WS_ADDR and ADMIN_ADDR must differ")
	}
	return nil
}

type ClientConfig struct {
	Address  string
	Username string
	LogLevel string

	// Robot mode: send Robot messages instead of reading stdin.
	Robot    int
	Interval time.Duration
	Linger   time.Duration
}

// LoadClient reads the client configuration from
// "<address> <port> <username>" plus robot-mode flags.
func LoadClient(args []string) (*ClientConfig, error) {
	loadDotEnv()

	cfg := &ClientConfig{
		LogLevel: getEnv("LOG_LEVEL", "warn"),
	}

	fs := pflag.NewFlagSet("courier-client", pflag.ContinueOnError)
	fs.IntVar(&cfg.Robot, "robot", 0, "send this many robot messages to random users, then close")
	fs.DurationVar(&cfg.Interval, "interval", 100*time.Millisecond, "pause between robot messages")
	fs.DurationVar(&cfg.Linger, "linger", 2*time.Second, "how long a robot keeps reading after its last message")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: courier-client <address> <port> <username> [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return nil, errors.New("expected three arguments: address, port and username")
	}

	port, err := parsePort(fs.Arg(1))
	if err != nil {
		return nil, err
	}
	cfg.Address = net.JoinHostPort(fs.Arg(0), strconv.Itoa(port))
	cfg.Username = fs.Arg(2)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Robot < 0 {
		return fmt.Errorf("--robot must not be negative")
	}
	if c.Interval < 0 || c.Linger < 0 {
		return fmt.Errorf("--interval and --linger must not be negative")
	}
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port number: %s", s)
	}
	return port, nil
}

// loadDotEnv populates the environment from ./.env when the file exists.
// Variables already set in the environment win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
