// Package config loads and validates the JSON configuration file: read the
// file, json.Unmarshal into a wire struct, validate eagerly, then build
// the runtime types the rest of the proxy consumes.
package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"tcpdnsproxy/types"
	"tcpdnsproxy/utils"
)

// fileConfig mirrors the on-disk JSON shape. Durations are plain seconds
// (integer knobs rather than Go duration strings) to keep the file
// trivially editable by hand.
type fileConfig struct {
	MaxTCPQueuedConnections      int    `json:"maxTcpQueuedConnections"`
	MaxTCPQueriesPerConn         int    `json:"maxTcpQueriesPerConn"`
	MaxTCPConnectionDurationSecs int    `json:"maxTcpConnectionDurationSecs"`
	MaxTCPConnectionsPerClient   int    `json:"maxTcpConnectionsPerClient"`
	DownstreamCleanupIntervalSecs int   `json:"downstreamTcpCleanupIntervalSecs"`
	UseTCPSinglePipe             bool   `json:"useTcpSinglePipe"`
	WorkerCount                  int    `json:"workerCount"`
	ClientReadTimeoutSecs        int    `json:"clientReadTimeoutSecs"`
	ClientWriteTimeoutSecs       int    `json:"clientWriteTimeoutSecs"`
	BackendDialTimeoutSecs       int    `json:"backendDialTimeoutSecs"`
	BackendIOTimeoutSecs         int    `json:"backendIoTimeoutSecs"`
	LogLevel                     string `json:"logLevel"`

	Endpoints []fileEndpoint `json:"endpoints"`
	Backends  []fileBackend  `json:"backends"`
}

type fileEndpoint struct {
	Name                      string   `json:"name"`
	Addr                      string   `json:"addr"`
	TLSCertFile               string   `json:"tlsCertFile"`
	TLSKeyFile                string   `json:"tlsKeyFile"`
	ExpectProxyProtocolFrom   []string `json:"expectProxyProtocolFrom"`
	AllowedFrom               []string `json:"allowedFrom"`
	MaxInFlightQueriesPerConn int      `json:"maxInFlightQueriesPerConn"`
	ListenBacklog             int      `json:"listenBacklog"`
}

type fileBackend struct {
	Name             string `json:"name"`
	Address          string `json:"address"`
	UseProxyProtocol bool   `json:"useProxyProtocol"`
}

// Load reads path, validates it, and builds the runtime *types.Config.
// The process log level is applied as a side effect, via utils.SetLogLevel,
// before returning.
func Load(path string) (*types.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate(&fc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg, err := build(&fc)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if fc.LogLevel != "" {
		if lvl, ok := utils.ParseLogLevel(fc.LogLevel); ok {
			utils.SetLogLevel(lvl)
		} else {
			return nil, fmt.Errorf("config: unknown logLevel %q", fc.LogLevel)
		}
	}

	return cfg, nil
}

func validate(fc *fileConfig) error {
	if len(fc.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	if len(fc.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	names := make(map[string]bool, len(fc.Endpoints))
	for _, ep := range fc.Endpoints {
		if ep.Name == "" || ep.Addr == "" {
			return fmt.Errorf("endpoint entries require name and addr")
		}
		if names[ep.Name] {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		names[ep.Name] = true
		if (ep.TLSCertFile == "") != (ep.TLSKeyFile == "") {
			return fmt.Errorf("endpoint %q: tlsCertFile and tlsKeyFile must be set together", ep.Name)
		}
	}
	bnames := make(map[string]bool, len(fc.Backends))
	for _, b := range fc.Backends {
		if b.Name == "" || b.Address == "" {
			return fmt.Errorf("backend entries require name and address")
		}
		if bnames[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		bnames[b.Name] = true
	}
	if fc.WorkerCount < 0 {
		return fmt.Errorf("workerCount must not be negative")
	}
	return nil
}

func build(fc *fileConfig) (*types.Config, error) {
	cfg := &types.Config{
		MaxTCPQueuedConnections:      fc.MaxTCPQueuedConnections,
		MaxTCPQueriesPerConn:         fc.MaxTCPQueriesPerConn,
		MaxTCPConnectionDuration:     secs(fc.MaxTCPConnectionDurationSecs),
		MaxTCPConnectionsPerClient:   fc.MaxTCPConnectionsPerClient,
		DownstreamTCPCleanupInterval: secs(fc.DownstreamCleanupIntervalSecs),
		UseTCPSinglePipe:             fc.UseTCPSinglePipe,
		WorkerCount:                  fc.WorkerCount,
		ClientReadTimeout:            secsOr(fc.ClientReadTimeoutSecs, 10*time.Second),
		ClientWriteTimeout:           secsOr(fc.ClientWriteTimeoutSecs, 10*time.Second),
		BackendDialTimeout:           secsOr(fc.BackendDialTimeoutSecs, 5*time.Second),
		BackendIOTimeout:             secsOr(fc.BackendIOTimeoutSecs, 10*time.Second),
		LogLevel:                     fc.LogLevel,
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 1
	}

	backendByName := make(map[string]*types.Backend, len(fc.Backends))
	for _, b := range fc.Backends {
		rb := &types.Backend{Name: b.Name, Address: b.Address, UseProxyProtocol: b.UseProxyProtocol}
		cfg.Backends = append(cfg.Backends, rb)
		backendByName[b.Name] = rb
	}

	for _, fe := range fc.Endpoints {
		ep := &types.EndpointConfig{
			Name:                      fe.Name,
			Addr:                      fe.Addr,
			MaxInFlightQueriesPerConn: fe.MaxInFlightQueriesPerConn,
			ListenBacklog:             fe.ListenBacklog,
			Counters:                  &types.EndpointCounters{},
		}
		if fe.TLSCertFile != "" {
			cert, err := tls.LoadX509KeyPair(fe.TLSCertFile, fe.TLSKeyFile)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: load TLS keypair: %w", fe.Name, err)
			}
			ep.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
		for _, cidr := range fe.ExpectProxyProtocolFrom {
			_, n, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: bad CIDR %q: %w", fe.Name, cidr, err)
			}
			ep.ExpectProxyProtocolFrom = append(ep.ExpectProxyProtocolFrom, n)
		}
		for _, cidr := range fe.AllowedFrom {
			_, n, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: bad CIDR %q: %w", fe.Name, cidr, err)
			}
			ep.AllowedFrom = append(ep.AllowedFrom, n)
		}
		cfg.Endpoints = append(cfg.Endpoints, ep)
	}

	return cfg, nil
}

func secs(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func secsOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
