package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	// AESGCMNonceSize is the standard nonce size for GCM (12 bytes)
	AESGCMNonceSize = 12
	// KeySizeAES256 is the key size for AES-256 (32 bytes)
	KeySizeAES256 = 32
	// BlobSaltSize is the per-blob HKDF salt size
	BlobSaltSize = 16

	formatVersion byte = 1

	// DefaultScryptN scrypt CPU/memory cost used for the master key
	DefaultScryptN = 32768
)

var (
	ErrEmptyPassphrase = errors.New("passphrase is empty")
	ErrMalformedBlob   = errors.New("sealed blob is malformed")
)

// Sealer 使用 scrypt 主密钥 + HKDF 单 blob 子密钥的 AES-256-GCM 加密器
type Sealer struct {
	masterKey []byte
	info      []byte
}

// NewSealer 从口令派生主密钥
//
// salt 应来自配置；info 区分不同用途（例如 "dataset-v1"）。
func NewSealer(passphrase string, salt string, info string) (*Sealer, error) {
	return NewSealerWithCost(passphrase, salt, info, DefaultScryptN)
}

// NewSealerWithCost 与 NewSealer 相同，可指定 scrypt N（测试中使用较小值）
func NewSealerWithCost(passphrase string, salt string, info string, n int) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(salt), n, 8, 1, KeySizeAES256)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive master key")
	}
	return &Sealer{masterKey: key, info: []byte(info)}, nil
}

// Seal 加密 plaintext，aad 绑定到密文（例如数据集引用）
// Format: Version (1 byte) || Salt (16 bytes) || Nonce (12 bytes) || Ciphertext (including tag)
func (s *Sealer) Seal(plaintext []byte, aad []byte) ([]byte, error) {
	salt := make([]byte, BlobSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}

	gcm, err := s.blobCipher(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, AESGCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}

	out := make([]byte, 0, 1+BlobSaltSize+AESGCMNonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, formatVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, aad), nil
}

// Open 解密 Seal 的输出
func (s *Sealer) Open(sealed []byte, aad []byte) ([]byte, error) {
	if len(sealed) < 1+BlobSaltSize+AESGCMNonceSize {
		return nil, ErrMalformedBlob
	}
	if sealed[0] != formatVersion {
		return nil, errors.Wrapf(ErrMalformedBlob, "unsupported version %d", sealed[0])
	}

	salt := sealed[1 : 1+BlobSaltSize]
	nonce := sealed[1+BlobSaltSize : 1+BlobSaltSize+AESGCMNonceSize]
	ciphertext := sealed[1+BlobSaltSize+AESGCMNonceSize:]

	gcm, err := s.blobCipher(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt")
	}
	return plaintext, nil
}

func (s *Sealer) blobCipher(salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, s.masterKey, salt, s.info)
	key := make([]byte, KeySizeAES256)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "failed to derive blob key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return gcm, nil
}
