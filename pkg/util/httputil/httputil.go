// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package httputil

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"
)

const _connectionCount = 400

type (
	// ServerConfig is the configuration of a http server
	ServerConfig struct {
		ReadTimeout       time.Duration
		ReadHeaderTimeout time.Duration
		WriteTimeout      time.Duration
		IdleTimeout       time.Duration
	}

	// ServerOption is an option to override a server config field
	ServerOption func(*ServerConfig)
)

// DefaultServerConfig is the default config of a http server
var DefaultServerConfig = ServerConfig{
	ReadTimeout:       35 * time.Second,
	ReadHeaderTimeout: 2 * time.Second,
	WriteTimeout:      35 * time.Second,
	IdleTimeout:       120 * time.Second,
}

// ReadHeaderTimeout sets the amount of time allowed to read request headers
func ReadHeaderTimeout(h time.Duration) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.ReadHeaderTimeout = h
	}
}

// NewServer creates a http server with the given address and handler
func NewServer(addr string, handler http.Handler, opts ...ServerOption) http.Server {
	cfg := DefaultServerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return http.Server{
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		Addr:              addr,
		Handler:           handler,
	}
}

// Server creates a http server with default timeouts
func Server(addr string, handler http.Handler) http.Server {
	return NewServer(addr, handler)
}

// LimitListener creates a connection-capped listener on the given address
func LimitListener(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return netutil.LimitListener(ln, _connectionCount), nil
}
