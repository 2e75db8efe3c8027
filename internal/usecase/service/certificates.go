package service

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/obs"
	"github.com/blackHATred/tapproxy/internal/repository"
	"github.com/blackHATred/tapproxy/internal/usecase"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Signer issues a PEM certificate and key for a hostname. *certgen.CA is the
// production implementation.
type Signer interface {
	Sign(host string) (certPEM, keyPEM []byte, err error)
}

type Certificates struct {
	repo   repository.Certificates
	signer Signer
	group  singleflight.Group
	parsed *cache.Cache
	log    *zap.SugaredLogger
}

// NewCertificateService caches parsed leaves in memory for ttl in front of
// repo. Storage itself is never expired.
func NewCertificateService(repo repository.Certificates, signer Signer, ttl time.Duration, log *zap.SugaredLogger) *Certificates {
	return &Certificates{
		repo:   repo,
		signer: signer,
		parsed: cache.New(ttl, 2*ttl),
		log:    log,
	}
}

var _ usecase.CertificateUsecase = (*Certificates)(nil)

// Obtain returns the stored pair for host verbatim, or signs, stores and
// returns a new one. Concurrent misses for one host share a single signing.
func (c *Certificates) Obtain(ctx context.Context, host string) (entity.CertPair, error) {
	v, err, _ := c.group.Do(host, func() (any, error) {
		return c.obtain(ctx, host)
	})
	if err != nil {
		return entity.CertPair{}, err
	}
	return v.(entity.CertPair), nil
}

func (c *Certificates) obtain(ctx context.Context, host string) (entity.CertPair, error) {
	pair, err := c.repo.Load(ctx, host)
	if err == nil {
		obs.CertificateLookups.WithLabelValues("hit").Inc()
		return pair, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return entity.CertPair{}, entity.Wrap(entity.KindCertificate, "load certificate for "+host, err)
	}

	obs.CertificateLookups.WithLabelValues("generated").Inc()
	c.log.Debugw("generating certificate", "host", host)
	certPEM, keyPEM, err := c.signer.Sign(host)
	if err != nil {
		return entity.CertPair{}, entity.Wrap(entity.KindCertificate, "sign certificate for "+host, err)
	}
	pair = entity.CertPair{Cert: certPEM, Key: keyPEM}
	if err := c.repo.Save(ctx, host, pair); err != nil {
		return entity.CertPair{}, entity.Wrap(entity.KindCertificate, "store certificate for "+host, err)
	}
	return pair, nil
}

// TLSCertificate returns the parsed leaf for host.
func (c *Certificates) TLSCertificate(ctx context.Context, host string) (*tls.Certificate, error) {
	if v, ok := c.parsed.Get(host); ok {
		obs.CertificateLookups.WithLabelValues("memory").Inc()
		return v.(*tls.Certificate), nil
	}
	pair, err := c.Obtain(ctx, host)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(pair.Cert, pair.Key)
	if err != nil {
		return nil, entity.Wrap(entity.KindCertificate, "parse certificate for "+host, err)
	}
	c.parsed.SetDefault(host, &cert)
	return &cert, nil
}
