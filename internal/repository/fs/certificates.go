// Package fs keeps leaf certificates as PEM files, one pair per hostname.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/repository"
	"github.com/google/renameio/v2"
)

type certificateDir struct {
	dir string
}

// NewCertificateRepository stores pairs under dir, creating it if needed.
func NewCertificateRepository(dir string) (repository.Certificates, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificate dir: %w", err)
	}
	return &certificateDir{dir: dir}, nil
}

// FileName maps a hostname to the base name shared by its .pem and .key
// files. Anything outside [A-Za-z0-9._-] becomes '_', and a leading dot is
// escaped so names never climb out of the directory. An escaped name gets a
// hash of the original host appended, so distinct hosts never share files.
func FileName(host string) string {
	var b strings.Builder
	escaped := false
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.' && b.Len() > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			escaped = true
		}
	}
	if escaped {
		sum := sha256.Sum256([]byte(host))
		b.WriteByte('-')
		b.WriteString(hex.EncodeToString(sum[:4]))
	}
	return b.String()
}

func (c *certificateDir) paths(host string) (string, string) {
	base := filepath.Join(c.dir, FileName(host))
	return base + ".pem", base + ".key"
}

func (c *certificateDir) Load(_ context.Context, host string) (entity.CertPair, error) {
	certPath, keyPath := c.paths(host)
	cert, err := os.ReadFile(certPath)
	if errors.Is(err, fs.ErrNotExist) {
		return entity.CertPair{}, repository.ErrNotFound
	}
	if err != nil {
		return entity.CertPair{}, fmt.Errorf("read %s: %w", certPath, err)
	}
	key, err := os.ReadFile(keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return entity.CertPair{}, repository.ErrNotFound
	}
	if err != nil {
		return entity.CertPair{}, fmt.Errorf("read %s: %w", keyPath, err)
	}
	return entity.CertPair{Cert: cert, Key: key}, nil
}

// Save writes the key before the certificate so that a reader which sees the
// certificate also finds its key. Both go through a rename, so concurrent
// writers for one host leave one complete pair behind.
func (c *certificateDir) Save(_ context.Context, host string, pair entity.CertPair) error {
	certPath, keyPath := c.paths(host)
	if err := writeAtomic(keyPath, pair.Key, 0o600); err != nil {
		return err
	}
	return writeAtomic(certPath, pair.Cert, 0o644)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
