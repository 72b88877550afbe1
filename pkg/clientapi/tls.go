package clientapi

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/cuemby/raftkv/pkg/coordinator"
)

// TLSConfig bundles the certificate material pkg/security issues so
// the clientapi endpoint can require mutual TLS instead of the plain
// insecure.NewCredentials() transport used by Dial/NewServer.
type TLSConfig struct {
	Cert   tls.Certificate
	RootCA *x509.Certificate
}

func (c TLSConfig) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.RootCA)
	return pool
}

// NewTLSServer is NewServer, but requires every client to present a
// certificate issued by cfg.RootCA before Execute is reachable.
func NewTLSServer(coord *coordinator.Coordinator, defaultCommitTimeout time.Duration, cfg TLSConfig) *Server {
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cfg.Cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    cfg.pool(),
	})
	return &Server{coord: coord, defaultCommit: defaultCommitTimeout, grpc: grpc.NewServer(grpc.Creds(creds))}
}

// DialTLS is Dial, but authenticates the server's certificate against
// cfg.RootCA and presents cfg.Cert as the client's own.
func DialTLS(addr string, cfg TLSConfig) (*Client, error) {
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cfg.Cert},
		RootCAs:      cfg.pool(),
	})
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("clientapi: dialing %s over TLS: %w", addr, err)
	}
	return &Client{conn: conn, rpc: NewTransactionClient(conn)}, nil
}
