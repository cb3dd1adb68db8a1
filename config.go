package voltmcp

import (
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Config carries the server identity, declared capability flags, and transport
// availability. Zero values fall back to the defaults below; FromEnv overlays
// values from the environment.
type Config struct {
	// Name identifies the server to clients during the handshake.
	Name string `env:"VOLTMCP_SERVER_NAME,default=voltmcp"`

	// Version is the server version reported to clients.
	Version string `env:"VOLTMCP_SERVER_VERSION,default=0.1.0"`

	// Description is surfaced through Metadata only; the wire protocol has no
	// field for it.
	Description string `env:"VOLTMCP_SERVER_DESCRIPTION,default="`

	// Instructions is the optional usage text included in initialize results.
	Instructions string `env:"VOLTMCP_SERVER_INSTRUCTIONS,default="`

	// Transport availability flags.
	Stdio      bool `env:"VOLTMCP_STDIO_ENABLED,default=true"`
	Streamable bool `env:"VOLTMCP_HTTP_ENABLED,default=false"`
	SSE        bool `env:"VOLTMCP_SSE_ENABLED,default=false"`

	// StreamableAddr is the listen address for the self-managed streamable HTTP
	// transport. Ignored when the handler is mounted into a host-owned server.
	StreamableAddr string `env:"VOLTMCP_HTTP_ADDR,default=:3100"`

	// StreamablePath is the endpoint path for the streamable HTTP transport.
	StreamablePath string `env:"VOLTMCP_HTTP_PATH,default=/mcp"`

	// SSEAddr is the listen address for the self-managed SSE transport.
	SSEAddr string `env:"VOLTMCP_SSE_ADDR,default=:3101"`

	// SSEPath is the endpoint path clients connect their event stream to.
	SSEPath string `env:"VOLTMCP_SSE_PATH,default=/sse"`

	// SSEMessagePath is the endpoint path for the POST side channel.
	SSEMessagePath string `env:"VOLTMCP_SSE_MESSAGE_PATH,default=/message"`

	// Declared capability flags. Capabilities may be upgraded later by
	// Initialize when a matching collaborator is injected, never downgraded.
	Logging     bool `env:"VOLTMCP_CAP_LOGGING,default=false"`
	Prompts     bool `env:"VOLTMCP_CAP_PROMPTS,default=false"`
	Resources   bool `env:"VOLTMCP_CAP_RESOURCES,default=false"`
	Elicitation bool `env:"VOLTMCP_CAP_ELICITATION,default=false"`
}

// DefaultConfig returns the configuration used when no environment overrides
// are present.
func DefaultConfig() Config {
	return Config{
		Name:           "voltmcp",
		Version:        "0.1.0",
		Stdio:          true,
		StreamableAddr: ":3100",
		StreamablePath: "/mcp",
		SSEAddr:        ":3101",
		SSEPath:        "/sse",
		SSEMessagePath: "/message",
	}
}

// FromEnv builds a Config from environment variables, applying the struct tag
// defaults for anything unset.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode config from environment: %w", err)
	}
	return cfg, nil
}

// normalize fills zero values with defaults for programmatically constructed
// configs.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.StreamableAddr == "" {
		c.StreamableAddr = def.StreamableAddr
	}
	if c.StreamablePath == "" {
		c.StreamablePath = def.StreamablePath
	}
	if c.SSEAddr == "" {
		c.SSEAddr = def.SSEAddr
	}
	if c.SSEPath == "" {
		c.SSEPath = def.SSEPath
	}
	if c.SSEMessagePath == "" {
		c.SSEMessagePath = def.SSEMessagePath
	}
	return c
}
