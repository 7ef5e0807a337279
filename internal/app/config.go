package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr              string        `env:"CHATRELAY_ADDR,default=:8080"`
	WSPath            string        `env:"CHATRELAY_WS_PATH,default=/ws"`
	DBPath            string        `env:"CHATRELAY_DB_PATH"`
	JWTSecret         string        `env:"JWT_SECRET"`
	TokenTTL          time.Duration `env:"CHATRELAY_TOKEN_TTL,default=1h"`
	EditWindow        time.Duration `env:"CHATRELAY_EDIT_WINDOW,default=10m"`
	SendBuffer        int           `env:"CHATRELAY_SEND_BUFFER,default=256"`
	FrameRate         float64       `env:"CHATRELAY_FRAME_RATE,default=10"`
	FrameBurst        int           `env:"CHATRELAY_FRAME_BURST,default=20"`
	AuthRate          float64       `env:"CHATRELAY_AUTH_RATE,default=5"`
	AuthBurst         int           `env:"CHATRELAY_AUTH_BURST,default=10"`
	AnonymousPresence bool          `env:"CHATRELAY_ANONYMOUS_PRESENCE,default=false"`
	AllowedOrigins    string        `env:"CHATRELAY_ALLOWED_ORIGINS"`
	TrustProxyHeaders bool          `env:"CHATRELAY_TRUST_PROXY_HEADERS,default=false"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`

	// Development switches the logger to the console encoder.
	Development bool
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string `env:"CHATRELAY_SERVER,default=http://localhost:8080"`
	WSPath    string `env:"CHATRELAY_WS_PATH,default=/ws"`
	Username  string `env:"CHATRELAY_USER"`
}

// LoadServerConfig reads a .env file when one exists and then the process
// environment. Flags applied by the caller take precedence.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()
	var cfg ServerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func LoadClientConfig() (ClientConfig, error) {
	_ = godotenv.Load()
	var cfg ClientConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

// Validate fills derived defaults and rejects settings the server cannot run
// with.
func (c *ServerConfig) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token ttl must be positive")
	}
	if c.EditWindow <= 0 {
		return errors.New("edit window must be positive")
	}
	if c.FrameRate <= 0 || c.FrameBurst <= 0 {
		return errors.New("frame rate and burst must be positive")
	}
	if c.AuthRate <= 0 || c.AuthBurst <= 0 {
		return errors.New("auth rate and burst must be positive")
	}
	c.WSPath = NormalizeWSPath(c.WSPath)
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	return nil
}

// Origins splits the comma separated allow list. Empty means any origin.
func (c ServerConfig) Origins() []string {
	var out []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if dir := os.Getenv("CHATRELAY_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "chatrelay.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatrelay", "chatrelay.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "ChatRelay", "chatrelay.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "ChatRelay", "chatrelay.db")
		}
		return filepath.Join(home, ".local", "share", "chatrelay", "chatrelay.db")
	}
	return filepath.Join(".", ".chatrelay", "chatrelay.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
