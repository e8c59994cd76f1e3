package groupcast

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/groupcast/transport"
)

// DefaultReceiveTimeout is the receive wait applied when a session is
// created without an explicit ReceiveTimeout.
const DefaultReceiveTimeout = 5 * time.Second

// DefaultConnectTimeout bounds the dial and handshake of Connect.
const DefaultConnectTimeout = 10 * time.Second

// Options contains configuration for creating a Session.
type Options struct {
	// DaemonAddress is the messaging daemon endpoint. The scheme selects
	// the transport (tcp:// or a bare host:port, ws://, wss://). Empty
	// means the conventional local daemon address.
	DaemonAddress string

	// PrivateName is the caller-supplied private address hint. Empty lets
	// the daemon assign one. Callers supplying a name are responsible for
	// its uniqueness; collision behavior is daemon-dependent.
	PrivateName string

	// ConnectTimeout bounds dialing and the connect handshake.
	ConnectTimeout time.Duration

	// ReceiveTimeout is the wait used by Receive when the caller passes a
	// negative timeout.
	ReceiveTimeout time.Duration

	// SuppressSelf discards delivered messages whose sender is this
	// session's own private address instead of dispatching them.
	SuppressSelf bool

	// LifecycleLogging and TrafficLogging gate the two diagnostic
	// channels independently: session lifecycle events (connect, join,
	// leave, disconnect) and per-message traffic (sender, byte length).
	// Disabling either affects observability only.
	LifecycleLogging bool
	TrafficLogging   bool

	// Log receives both diagnostic channels. Nil means the process-wide
	// standard logger.
	Log *logrus.Logger
}

// NewOptions returns the default configuration: the conventional local
// daemon address, a daemon-assigned private name, and both diagnostic
// channels enabled.
func NewOptions() *Options {
	return &Options{
		DaemonAddress:    transport.DefaultDaemonAddress,
		ConnectTimeout:   DefaultConnectTimeout,
		ReceiveTimeout:   DefaultReceiveTimeout,
		LifecycleLogging: true,
		TrafficLogging:   true,
	}
}

// fileOptions is the YAML shape of a configuration file. Timeouts are
// expressed in seconds.
type fileOptions struct {
	DaemonAddress         string `yaml:"daemon_address"`
	PrivateName           string `yaml:"private_name"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	ReceiveTimeoutSeconds int    `yaml:"receive_timeout_seconds"`
	SuppressSelf          bool   `yaml:"suppress_self"`
	LifecycleLogging      *bool  `yaml:"lifecycle_logging"`
	TrafficLogging        *bool  `yaml:"traffic_logging"`
}

// LoadOptions reads a YAML configuration file and overlays it on the
// defaults from NewOptions. Omitted keys keep their default values.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}

	var fo fileOptions
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return nil, fmt.Errorf("parse options file %s: %w", path, err)
	}

	opts := NewOptions()
	if fo.DaemonAddress != "" {
		opts.DaemonAddress = fo.DaemonAddress
	}
	if fo.PrivateName != "" {
		opts.PrivateName = fo.PrivateName
	}
	if fo.ConnectTimeoutSeconds > 0 {
		opts.ConnectTimeout = time.Duration(fo.ConnectTimeoutSeconds) * time.Second
	}
	if fo.ReceiveTimeoutSeconds > 0 {
		opts.ReceiveTimeout = time.Duration(fo.ReceiveTimeoutSeconds) * time.Second
	}
	opts.SuppressSelf = fo.SuppressSelf
	if fo.LifecycleLogging != nil {
		opts.LifecycleLogging = *fo.LifecycleLogging
	}
	if fo.TrafficLogging != nil {
		opts.TrafficLogging = *fo.TrafficLogging
	}
	return opts, nil
}
