package streamrpc

import (
	"github.com/ajitpratap0/streamrpc-go/pkg/client"
	"github.com/ajitpratap0/streamrpc-go/pkg/config"
	"github.com/ajitpratap0/streamrpc-go/pkg/server"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

// Version represents the current version of the module
const Version = "0.1.0"

// These exports provide direct access to the core components
var (
	// NewServer creates a server from a configuration
	NewServer = server.New

	// NewManager creates a resilient client connection manager
	NewManager = client.NewManager

	// NewHTTPDialer creates a dialer for an HTTP endpoint
	NewHTTPDialer = client.NewHTTPDialer

	// LoadConfig reads defaults, a TOML file and the environment
	LoadConfig = config.Load

	// DefaultConfig returns the default configuration
	DefaultConfig = transport.DefaultConfig
)

// Server options
var (
	WithServerInfo    = server.WithInfo
	WithServerLogger  = server.WithLogger
	WithServerMetrics = server.WithMetrics
	WithServerTracer  = server.WithTracer
)

// Client options
var (
	WithReliability  = client.WithReliability
	WithEventHandler = client.WithEventHandler
	WithErrorHandler = client.WithErrorHandler
	WithStateHandler = client.WithStateHandler
	WithClientLogger = client.WithLogger
)
