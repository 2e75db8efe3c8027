package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/repository"
)

func TestFileName(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"example.com", "example.com"},
		{"sub.example-1.org", "sub.example-1.org"},
		{"a_b", "a_b"},
		{"::1", "__1-eff8e7ca"},
		{"../etc/passwd", "_._etc_passwd-7fef78f5"},
		{".hidden", "_hidden-16924190"},
		{"a/b", "a_b-c14cddc0"},
	}
	for _, tt := range tests {
		if got := FileName(tt.host); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestFileNameDistinct(t *testing.T) {
	hosts := []string{"a::b", "a__b", "a:_b", "a_:b", "a/b", "a_b"}
	seen := make(map[string]string)
	for _, h := range hosts {
		name := FileName(h)
		if prev, ok := seen[name]; ok {
			t.Errorf("FileName(%q) = FileName(%q) = %q", h, prev, name)
		}
		seen[name] = h
	}
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewCertificateRepository(filepath.Join(dir, "certs"))
	if err != nil {
		t.Fatalf("NewCertificateRepository: %v", err)
	}
	ctx := context.Background()

	if _, err := repo.Load(ctx, "example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	pair := entity.CertPair{Cert: []byte("CERT"), Key: []byte("KEY")}
	if err := repo.Save(ctx, "example.com", pair); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := repo.Load(ctx, "example.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got.Cert) != "CERT" || string(got.Key) != "KEY" {
		t.Errorf("unexpected pair %q / %q", got.Cert, got.Key)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "certs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected exactly cert and key files, got %d entries", len(entries))
	}
	info, err := os.Stat(filepath.Join(dir, "certs", "example.com.key"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode %o", perm)
	}
}

func TestConcurrentSaveLeavesOnePair(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewCertificateRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Save(context.Background(), "race.example", entity.CertPair{Cert: []byte("C"), Key: []byte("K")}); err != nil {
				t.Errorf("Save: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected two files, got %v", names)
	}
}
