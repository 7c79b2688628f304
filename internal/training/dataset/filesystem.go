package dataset

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-train-infra/pkg/sealing"
)

// FileSystemStore 文件系统数据集存储（加密落盘）
type FileSystemStore struct {
	basePath string
	sealer   *sealing.Sealer
	clock    time2.Clock
}

// NewFileSystemStore 创建文件系统数据集存储
func NewFileSystemStore(basePath string, sealer *sealing.Sealer, clock time2.Clock) (*FileSystemStore, error) {
	if sealer == nil {
		return nil, errors.New("sealer is required")
	}
	if clock == nil {
		clock = time2.DefaultClock
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create base path")
	}
	return &FileSystemStore{basePath: basePath, sealer: sealer, clock: clock}, nil
}

func (s *FileSystemStore) filePath(ref Reference) string {
	return filepath.Join(s.basePath, ref.Container, filepath.FromSlash(ref.Key)+".enc")
}

// Store 加密并写入数据集（临时文件后原子重命名）
func (s *FileSystemStore) Store(ctx context.Context, data []byte, sessionID string, meta Metadata) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDataset
	}
	ref, err := ParseReference(Reference{Scheme: SchemeFile, Container: sessionID, Key: objectName(s.clock.Now())}.String())
	if err != nil {
		return "", err
	}

	sealed, err := s.sealer.Seal(data, []byte(ref.String()))
	if err != nil {
		return "", errors.Wrap(err, "failed to seal dataset")
	}

	path := s.filePath(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", errors.Wrap(err, "failed to create directory")
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, sealed, 0600); err != nil {
		return "", errors.Wrap(err, "failed to write dataset")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", errors.Wrap(err, "failed to rename temp file")
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("dataset_ref", ref.String()).
		Str("original_filename", meta.OriginalFilename).
		Int("size", len(data)).
		Msg("Dataset stored")
	return ref.String(), nil
}

// Fetch 读取并解密数据集
func (s *FileSystemStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != SchemeFile {
		return nil, errors.Wrapf(ErrInvalidReference, "unexpected scheme %q", parsed.Scheme)
	}

	sealed, err := os.ReadFile(s.filePath(parsed))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dataset")
	}

	data, err := s.sealer.Open(sealed, []byte(parsed.String()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open dataset")
	}
	return data, nil
}
