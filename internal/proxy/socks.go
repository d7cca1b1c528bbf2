// Package proxy routes the daemon's outbound traffic through an optional
// SOCKS5 proxy.
package proxy

import (
	"fmt"
	"net"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

const DefaultTimeout = 120 * time.Second

// Dialer returns a context-aware dialer for addr, or a direct dialer when
// addr is empty.
func Dialer(addr string) (proxy.ContextDialer, error) {
	if addr == "" {
		return &net.Dialer{Timeout: 30 * time.Second}, nil
	}

	d, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", addr, err)
	}

	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 %s: dialer has no context support", addr)
	}
	return cd, nil
}

// NewSocksClient returns an http client for the REST calls. Streaming bodies
// are bounded by DefaultTimeout.
func NewSocksClient(addr string) (*http.Client, error) {
	dialer, err := Dialer(addr)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   DefaultTimeout,
	}, nil
}

// NewWSDialer returns a websocket dialer for the voice event channel.
func NewWSDialer(addr string) (*ws.Dialer, error) {
	dialer, err := Dialer(addr)
	if err != nil {
		return nil, err
	}

	return &ws.Dialer{
		NetDialContext:   dialer.DialContext,
		HandshakeTimeout: 10 * time.Second,
	}, nil
}

