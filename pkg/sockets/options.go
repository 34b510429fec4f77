package sockets

import (
	"crypto/x509"
	"time"
)

func WithPingInterval(d time.Duration) func(*Conn) {
	return func(s *Conn) {
		s.pingInterval = d
	}
}

func InsecureSkipVerify() func(*Conn) {
	return func(s *Conn) {
		s.sslSkipVerify = true
	}
}

func WithRootCAs(pool *x509.CertPool) func(*Conn) {
	return func(s *Conn) {
		s.rootCAs = pool
	}
}

func WithHandshakeTimeout(d time.Duration) func(*Conn) {
	return func(s *Conn) {
		s.handshakeTimeout = d
	}
}

func WithMaxMessageSize(size int64) func(*Conn) {
	return func(s *Conn) {
		s.maxMessageSize = size
	}
}

func OnMessage(f func([]byte, Connection)) func(*Conn) {
	return func(s *Conn) {
		s.onMessage = f
	}
}

func OnError(f func(error)) func(*Conn) {
	return func(s *Conn) {
		s.onError = f
	}
}

func OnConnected(f func(Connection)) func(*Conn) {
	return func(s *Conn) {
		s.onConnected = f
	}
}
