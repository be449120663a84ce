package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type tlsFile struct {
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	RequireClientCert  bool   `toml:"require_client_cert"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type endpointFile struct {
	Name string   `toml:"name"`
	Addr string   `toml:"addr"`
	TLS  *tlsFile `toml:"tls"`
}

type serverFile struct {
	Name                    string         `toml:"name"`
	Endpoints               []endpointFile `toml:"endpoints"`
	MaxServiceMemoryPerCore int64          `toml:"max_service_memory_per_core"`
	MaxPayloadSize          uint32         `toml:"max_payload_size"`
	Shards                  int            `toml:"shards"`
	ListenBacklog           int            `toml:"listen_backlog"`
	TCPRecvBuf              int            `toml:"tcp_recv_buf"`
	TCPSendBuf              int            `toml:"tcp_send_buf"`
	DisableMetrics          bool           `toml:"disable_metrics"`
	LoadBalancing           string         `toml:"load_balancing"`
	HandshakeTimeout        string         `toml:"handshake_timeout"`
}

type transportFile struct {
	ServerAddr       string   `toml:"server_addr"`
	RecvTimeout      string   `toml:"recv_timeout"`
	MaxQueuedBytes   uint32   `toml:"max_queued_bytes"`
	MaxPayloadSize   uint32   `toml:"max_payload_size"`
	DisableMetrics   bool     `toml:"disable_metrics"`
	DialTimeout      string   `toml:"dial_timeout"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	TLS              *tlsFile `toml:"tls"`
}

// LoadServerFile reads a TOML server configuration. Unset keys keep their defaults.
func LoadServerFile(path string) (ServerConfiguration, error) {
	var f serverFile
	if err := decodeFile(path, &f); err != nil {
		return ServerConfiguration{}, err
	}

	cfg := DefaultServerConfiguration(f.Name)
	if cfg.Name == "" {
		cfg.Name = "wire-rpc"
	}
	for i, ep := range f.Endpoints {
		endpoint := ServerEndpoint{Name: ep.Name, Addr: ep.Addr}
		if ep.TLS != nil {
			tlsCfg, err := ep.TLS.serverConfig()
			if err != nil {
				return ServerConfiguration{}, fmt.Errorf("endpoint[%d] %q tls: %w", i, ep.Name, err)
			}
			endpoint.TLS = tlsCfg
		}
		cfg.Endpoints = append(cfg.Endpoints, endpoint)
	}
	if f.MaxServiceMemoryPerCore != 0 {
		cfg.MaxServiceMemoryPerCore = f.MaxServiceMemoryPerCore
	}
	if f.MaxPayloadSize != 0 {
		cfg.MaxPayloadSize = f.MaxPayloadSize
	}
	if f.Shards != 0 {
		cfg.Shards = f.Shards
	}
	cfg.ListenBacklog = f.ListenBacklog
	cfg.TCPRecvBuf = f.TCPRecvBuf
	cfg.TCPSendBuf = f.TCPSendBuf
	cfg.DisableMetrics = f.DisableMetrics
	if f.LoadBalancing != "" {
		cfg.LoadBalancing = LoadBalancingAlgorithm(strings.ToLower(strings.TrimSpace(f.LoadBalancing)))
	}
	if err := parseDuration(f.HandshakeTimeout, &cfg.HandshakeTimeout); err != nil {
		return ServerConfiguration{}, fmt.Errorf("handshake_timeout: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfiguration{}, err
	}
	return cfg, nil
}

// LoadTransportFile reads a TOML client transport configuration.
func LoadTransportFile(path string) (TransportConfiguration, error) {
	var f transportFile
	if err := decodeFile(path, &f); err != nil {
		return TransportConfiguration{}, err
	}

	cfg := DefaultTransportConfiguration(f.ServerAddr)
	if f.MaxQueuedBytes != 0 {
		cfg.MaxQueuedBytes = f.MaxQueuedBytes
	}
	if f.MaxPayloadSize != 0 {
		cfg.MaxPayloadSize = f.MaxPayloadSize
	}
	cfg.DisableMetrics = f.DisableMetrics
	for name, d := range map[string]struct {
		raw string
		out *time.Duration
	}{
		"recv_timeout":      {f.RecvTimeout, &cfg.RecvTimeout},
		"dial_timeout":      {f.DialTimeout, &cfg.DialTimeout},
		"handshake_timeout": {f.HandshakeTimeout, &cfg.HandshakeTimeout},
	} {
		if err := parseDuration(d.raw, d.out); err != nil {
			return TransportConfiguration{}, fmt.Errorf("%s: %w", name, err)
		}
	}
	if f.TLS != nil {
		tlsCfg, err := f.TLS.clientConfig()
		if err != nil {
			return TransportConfiguration{}, fmt.Errorf("tls: %w", err)
		}
		cfg.TLS = tlsCfg
	}

	if err := cfg.Validate(); err != nil {
		return TransportConfiguration{}, err
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	md, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config parse failed (%s): unknown keys %v", path, undecoded)
	}
	return nil
}

func parseDuration(raw string, out *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*out = d
	return nil
}

func (f *tlsFile) certPool() (*x509.CertPool, error) {
	if strings.TrimSpace(f.CAFile) == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(f.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", f.CAFile)
	}
	return pool, nil
}

func (f *tlsFile) serverConfig() (*tls.Config, error) {
	if strings.TrimSpace(f.CertFile) == "" || strings.TrimSpace(f.KeyFile) == "" {
		return nil, fmt.Errorf("cert_file and key_file required")
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, err
	}
	pool, err := f.certPool()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	if f.RequireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func (f *tlsFile) clientConfig() (*tls.Config, error) {
	pool, err := f.certPool()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		RootCAs:            pool,
		ServerName:         f.ServerName,
		InsecureSkipVerify: f.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if f.CertFile != "" && f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
