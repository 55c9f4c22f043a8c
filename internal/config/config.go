package config

import (
	"os"
	"time"
)

// Default configuration values.
const (
	DefaultServerURL = "ws://localhost:8080/ws"
	DefaultSTUN      = "stun:stun.l.google.com:19302"
)

// Default client timing. The ping period must be shorter than the server's
// idle timeout or healthy clients would be swept.
const (
	DefaultPingInterval      = 25 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

// Config holds the client-side configuration.
type Config struct {
	// ServerURL is the relay server websocket address.
	ServerURL string

	// ICE servers for the peer-to-peer mesh.
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// PingInterval is the keep-alive send period.
	PingInterval time.Duration

	// ReconnectInterval is the fixed retry period after an unexpected drop.
	ReconnectInterval time.Duration

	// UnicastStateResponses addresses state-responses to the requester when
	// true; when false they are broadcast so the whole room re-syncs.
	UnicastStateResponses bool
}

// Options for loading config with CLI flag overrides.
type Options struct {
	ServerURL  string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	BroadcastStateResponses bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	serverURL := opts.ServerURL
	if serverURL == "" {
		serverURL = os.Getenv("VIDPIXIE_SERVER")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}

	stunServer := opts.STUNServer
	if stunServer == "" {
		stunServer = os.Getenv("STUN_SERVER")
	}
	if stunServer == "" {
		stunServer = DefaultSTUN
	}

	turnServer := opts.TURNServer
	if turnServer == "" {
		turnServer = os.Getenv("TURN_SERVER")
	}

	turnUser := opts.TURNUser
	if turnUser == "" {
		turnUser = os.Getenv("TURN_USERNAME")
	}

	turnPass := opts.TURNPass
	if turnPass == "" {
		turnPass = os.Getenv("TURN_PASSWORD")
	}

	return &Config{
		ServerURL:             serverURL,
		STUNServer:            stunServer,
		TURNServer:            turnServer,
		TURNUser:              turnUser,
		TURNPass:              turnPass,
		PingInterval:          DefaultPingInterval,
		ReconnectInterval:     DefaultReconnectInterval,
		UnicastStateResponses: !opts.BroadcastStateResponses,
	}, nil
}

// GetSTUNServers returns STUN server URLs as strings.
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{c.TURNServer}
}

// GetTURNCredentials returns TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
