package cert

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// VerifyTLSConfig 检查证书文件存在、密钥匹配、在有效期内且由 CA 签发
func VerifyTLSConfig(certFile, keyFile, caCertFile string) error {
	for _, f := range []string{certFile, keyFile, caCertFile} {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "file not found: %s", f)
		}
	}

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return errors.Wrap(err, "failed to load certificate key pair")
	}
	if len(pair.Certificate) == 0 {
		return errors.New("no certificate found in file")
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return errors.Wrap(err, "failed to parse certificate")
	}
	now := time.Now()
	if now.After(leaf.NotAfter) {
		return fmt.Errorf("certificate expired at %s", leaf.NotAfter)
	}
	if now.Before(leaf.NotBefore) {
		return fmt.Errorf("certificate not valid until %s", leaf.NotBefore)
	}

	pool, err := loadCAPool(caCertFile)
	if err != nil {
		return err
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return errors.Wrap(err, "certificate verification against CA failed")
	}
	return nil
}

// ClientTLSConfig 连接 broker / Redis 时使用的 TLS 配置
//
// certFile 与 keyFile 同时为空时不提供客户端证书（单向 TLS）。
func ClientTLSConfig(caCertFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caCertFile != "" {
		pool, err := loadCAPool(caCertFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load client certificate")
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

func loadCAPool(caCertFile string) (*x509.CertPool, error) {
	caBytes, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}
