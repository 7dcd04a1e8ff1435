// Package httpclient wraps net/http with the socket tuning and proxy
// handling the transfer engine needs for many concurrent range
// requests against one host.
package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

const DefaultBufferSize = 1 << 20 // 1 MiB, the chunk-read cap from the worker protocol

// Config tunes one Client.
type Config struct {
	Timeout        time.Duration
	KeepAlive      time.Duration
	ProxyURL       string
	UserAgent      string
	Headers        map[string]string
	HighThreadMode bool // socket tuning for jobs running many workers
}

// Client performs requests with the configured identity and, in
// high-thread mode, TCP_NODELAY plus enlarged socket buffers — useful
// when a job is running dozens of concurrent range workers against
// one host.
type Client struct {
	http   *http.Client
	config Config
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KeepAlive,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport.DialContext = dialer.DialContext
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config: cfg,
	}
}

// Do issues req with the client's identity headers applied.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", "segdl/1.0")
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}
