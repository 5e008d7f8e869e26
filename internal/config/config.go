// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the settings shared by the cqrpc server and client
// commands. Values are layered: defaults, an optional YAML file, CQRPC_*
// environment variables, then command line flags.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/luxfi/cqrpc"
	"github.com/luxfi/cqrpc/internal/log"
)

// Environment variables read by FromEnv.
const (
	EnvTransport     = "CQRPC_TRANSPORT"
	EnvAddr          = "CQRPC_ADDR"
	EnvDispatchLoops = "CQRPC_DISPATCH_LOOPS"
	EnvMaxInFlight   = "CQRPC_MAX_IN_FLIGHT"
	EnvMaxBacklog    = "CQRPC_MAX_BACKLOG"
	EnvLogLevel      = "CQRPC_LOG_LEVEL"
	EnvCodec         = "CQRPC_CODEC"
)

// DefaultAddr is the address served and dialled when none is configured.
const DefaultAddr = "127.0.0.1:50051"

// Config defines a cqrpc endpoint.
type Config struct {
	// Transport is one of cqrpc.AvailableTransports.
	Transport string `yaml:"transport"`

	// Addr is the host:port to listen on or dial.
	Addr string `yaml:"addr"`

	// DispatchLoops is the number of loops draining the server queue.
	DispatchLoops int `yaml:"dispatch_loops"`

	// MaxInFlight caps live call instances per method. Zero is unbounded.
	MaxInFlight int `yaml:"max_in_flight"`

	// MaxBacklog caps calls per method waiting for an acceptor.
	MaxBacklog int `yaml:"max_backlog"`

	LogLevel string `yaml:"log_level"`

	// Codec is "json" or "binary".
	Codec string `yaml:"codec"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Transport:     cqrpc.DefaultTransport,
		Addr:          DefaultAddr,
		DispatchLoops: 1,
		MaxBacklog:    cqrpc.DefaultMaxBacklog,
		LogLevel:      "info",
		Codec:         "json",
	}
}

// FromFile overlays the YAML file at name on the defaults.
// If name is empty the defaults are returned.
func FromFile(name string) (*Config, error) {
	cfg := Default()
	if name == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read config file failed")
	}
	if err := Parse(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config file %s", name)
	}
	return cfg, nil
}

// Parse overlays the YAML document data on cfg. Unknown keys are an error.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return errors.Wrap(err, "parse config failed")
	}
	return nil
}

// ApplyEnv overlays the CQRPC_* environment variables that are set.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTransport); ok {
		c.Transport = v
	}
	if v, ok := lookup(EnvAddr); ok {
		c.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvCodec); ok {
		c.Codec = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{EnvDispatchLoops, &c.DispatchLoops},
		{EnvMaxInFlight, &c.MaxInFlight},
		{EnvMaxBacklog, &c.MaxBacklog},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s failed", e.name)
		}
		*e.dst = n
	}
	return nil
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	if !cqrpc.HasTransport(c.Transport) {
		return errors.Errorf("unknown transport %q, want one of %v", c.Transport, cqrpc.AvailableTransports())
	}
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.DispatchLoops < 1 {
		return errors.Errorf("dispatch_loops must be at least 1, got %d", c.DispatchLoops)
	}
	if c.MaxInFlight < 0 {
		return errors.Errorf("max_in_flight must not be negative, got %d", c.MaxInFlight)
	}
	if c.MaxBacklog < 0 {
		return errors.Errorf("max_backlog must not be negative, got %d", c.MaxBacklog)
	}
	if !log.ValidLevel(c.LogLevel) {
		return errors.Errorf("unknown log level %q, want one of %v", c.LogLevel, log.Levels)
	}
	if _, err := cqrpc.CodecByName(c.Codec); err != nil {
		return err
	}
	return nil
}

// ServerOptions returns the listener and server options for c.
func (c *Config) ServerOptions(l logrus.FieldLogger) ([]cqrpc.ServerOption, error) {
	codec, err := cqrpc.CodecByName(c.Codec)
	if err != nil {
		return nil, err
	}
	return []cqrpc.ServerOption{
		cqrpc.WithServerTransport(c.Transport),
		cqrpc.WithServerCodec(codec),
		cqrpc.WithLogger(l),
		cqrpc.WithDispatchLoops(c.DispatchLoops),
		cqrpc.WithMaxInFlight(c.MaxInFlight),
		cqrpc.WithMaxBacklog(c.MaxBacklog),
	}, nil
}

// DialOptions returns the client options for c.
func (c *Config) DialOptions(l logrus.FieldLogger) ([]cqrpc.DialOption, error) {
	codec, err := cqrpc.CodecByName(c.Codec)
	if err != nil {
		return nil, err
	}
	return []cqrpc.DialOption{
		cqrpc.WithTransport(c.Transport),
		cqrpc.WithCodec(codec),
		cqrpc.WithDialLogger(l),
	}, nil
}
