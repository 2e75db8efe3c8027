package usecase

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/blackHATred/tapproxy/internal/entity"
)

type ProxyUsecase interface {
	// HandleConn drives one inbound connection until both directions end.
	HandleConn(ctx context.Context, conn net.Conn) error
}

type CertificateUsecase interface {
	// Obtain returns the stored pair for host, generating and storing it on a miss.
	Obtain(ctx context.Context, host string) (entity.CertPair, error)
	TLSCertificate(ctx context.Context, host string) (*tls.Certificate, error)
}
