package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestLoadRedisTLSConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_TLS", "false")
	if cfg, err := loadRedisTLSConfigFromEnv(); err != nil || cfg != nil {
		t.Fatalf("expected no tls config when disabled, got %v %v", cfg, err)
	}

	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "false")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected insecure tls guard error")
	}

	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config %+v", cfg)
	}
}

func TestLoadRedisTLSConfigFromEnvCA(t *testing.T) {
	tmp := t.TempDir()
	caPath := filepath.Join(tmp, "ca.pem")
	if err := os.WriteFile(caPath, mustCreateSelfSignedPEM(t), 0o600); err != nil {
		t.Fatalf("write ca file: %v", err)
	}
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", caPath)
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected RootCAs to be populated")
	}

	t.Setenv("REDIS_TLS_CA_CERT_FILE", filepath.Join(tmp, "missing.pem"))
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected missing CA file error")
	}
	garbage := filepath.Join(tmp, "garbage.pem")
	_ = os.WriteFile(garbage, []byte("not a cert"), 0o600)
	t.Setenv("REDIS_TLS_CA_CERT_FILE", garbage)
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected invalid CA error")
	}
}

func TestNewRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	t.Setenv("REDIS_TLS", "false")
	if _, err := NewRedis(context.Background()); err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_REQUIRE_TLS", "false")
	t.Setenv("REDIS_DB", "not-a-number")
	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("expected redis client, got %v", err)
	}
	defer client.Close()
}

func mustCreateSelfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
