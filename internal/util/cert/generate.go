package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const organization = "Training Infra"

// Entity 需要生成证书的一方
type Entity struct {
	Name     string   // 文件名前缀
	Hosts    []string // 为空时只用于客户端认证
	IsServer bool
}

// DefaultEntities broker/Redis 服务端证书，以及协调器与 peer 的客户端证书
func DefaultEntities(hosts []string) []Entity {
	return []Entity{
		{Name: "server", Hosts: hosts, IsServer: true},
		{Name: "coordinator"},
		{Name: "peer"},
	}
}

// Generate 生成开发用 CA 以及各个实体的证书，写入 outDir
func Generate(outDir string, entities []Entity) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}

	log.Info().Msg("Generating CA certificate")
	caKey, caCert, caPEM, caKeyPEM, err := generateCA()
	if err != nil {
		return err
	}
	if err := writePair(outDir, "ca", caPEM, caKeyPEM); err != nil {
		return err
	}

	for _, e := range entities {
		log.Info().Str("entity", e.Name).Strs("hosts", e.Hosts).Msg("Generating certificate")
		certPEM, keyPEM, err := generateEntityCert(e, caCert, caKey)
		if err != nil {
			return errors.Wrapf(err, "failed to generate %s certificate", e.Name)
		}
		if err := writePair(outDir, e.Name, certPEM, keyPEM); err != nil {
			return err
		}
	}

	log.Info().Str("dir", outDir).Msg("Certificates generated")
	return nil
}

func writePair(dir, name string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(filepath.Join(dir, name+".crt"), certPEM, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s.crt", name)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".key"), keyPEM, 0600); err != nil {
		return errors.Wrapf(err, "failed to write %s.key", name)
	}
	return nil
}

func generateCA() (*ecdsa.PrivateKey, *x509.Certificate, []byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to generate CA key")
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   organization + " Root CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to create CA certificate")
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to parse CA certificate")
	}
	keyPEM, err := encodeKey(priv)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return priv, caCert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, nil
}

func generateEntityCert(e Entity, caCert *x509.Certificate, caKey *ecdsa.PrivateKey) ([]byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   e.Name,
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if e.IsServer {
		template.ExtKeyUsage = append(template.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	}
	for _, h := range e.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &priv.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := encodeKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, nil
}

func encodeKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}
