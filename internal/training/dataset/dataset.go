package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound         = errors.New("dataset not found")
	ErrInvalidReference = errors.New("invalid dataset reference")
	ErrEmptyDataset     = errors.New("dataset is empty")
)

const (
	SchemeFile = "file"
	SchemeS3   = "s3"

	DefaultContentType = "text/csv"
)

// Metadata 上传时附带的数据集元数据
type Metadata struct {
	OriginalFilename string
	ContentType      string
}

// Fetcher peer 侧：按引用获取数据集
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Store 协调器侧：存储数据集并返回稳定的不透明引用
type Store interface {
	Fetcher
	Store(ctx context.Context, data []byte, sessionID string, meta Metadata) (string, error)
}

// Reference 解析后的数据集引用：<scheme>://<container>/<key>
type Reference struct {
	Scheme    string
	Container string
	Key       string
}

func (r Reference) String() string {
	return fmt.Sprintf("%s://%s/%s", r.Scheme, r.Container, r.Key)
}

// ParseReference 解析引用，拒绝路径穿越
func ParseReference(ref string) (Reference, error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" {
		return Reference{}, errors.Wrapf(ErrInvalidReference, "%q", ref)
	}
	container, key, ok := strings.Cut(rest, "/")
	if !ok || container == "" || key == "" {
		return Reference{}, errors.Wrapf(ErrInvalidReference, "%q", ref)
	}
	for _, part := range strings.Split(container+"/"+key, "/") {
		if part == ".." || part == "." || part == "" {
			return Reference{}, errors.Wrapf(ErrInvalidReference, "%q", ref)
		}
	}
	return Reference{Scheme: scheme, Container: container, Key: key}, nil
}

// objectName 数据集对象名：<timestamp>.dataset.csv
func objectName(at time.Time) string {
	return fmt.Sprintf("%d.dataset.csv", at.UnixNano())
}

// Mux 按 scheme 分发 Fetch 请求
type Mux struct {
	fetchers map[string]Fetcher
}

// NewMux 创建按 scheme 分发的 Fetcher
func NewMux() *Mux {
	return &Mux{fetchers: make(map[string]Fetcher)}
}

// Handle 注册 scheme 对应的 Fetcher
func (m *Mux) Handle(scheme string, f Fetcher) *Mux {
	m.fetchers[scheme] = f
	return m
}

// Fetch 实现 Fetcher
func (m *Mux) Fetch(ctx context.Context, ref string) ([]byte, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	f, ok := m.fetchers[parsed.Scheme]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidReference, "no fetcher for scheme %q", parsed.Scheme)
	}
	return f.Fetch(ctx, ref)
}

var (
	_ Store   = (*FileSystemStore)(nil)
	_ Store   = (*S3Store)(nil)
	_ Fetcher = (*Mux)(nil)
)
