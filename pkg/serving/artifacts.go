package serving

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel"
)

// ArtifactStore persists model artifacts. Every saved version stays
// addressable; Latest returns the most recently saved one.
type ArtifactStore interface {
	Save(ctx context.Context, m *riskmodel.Model) (string, error)
	Latest(ctx context.Context, name string) (*riskmodel.Model, error)
	Load(ctx context.Context, name, version string) (*riskmodel.Model, error)
}

func versionedName(name, version string) string {
	return fmt.Sprintf("%s_%s.json", name, version)
}

func latestName(name string) string {
	return fmt.Sprintf("%s_latest.json", name)
}

func encodeModel(m *riskmodel.Model) ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileStore keeps artifacts in a directory as <name>_<version>.json plus a
// <name>_latest.json copy. Decoded latest artifacts are cached until the
// file's modification time changes.
type FileStore struct {
	dir   string
	cache map[string]cachedModel
	mu    sync.RWMutex
}

type cachedModel struct {
	model   *riskmodel.Model
	modTime int64
	size    int64
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:   dir,
		cache: make(map[string]cachedModel),
	}
}

func (s *FileStore) Save(ctx context.Context, m *riskmodel.Model) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	content, err := encodeModel(m)
	if err != nil {
		return "", err
	}
	versioned := filepath.Join(s.dir, versionedName(m.Name, m.Version))
	if err := writeAtomic(versioned, content); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(s.dir, latestName(m.Name)), content); err != nil {
		return "", err
	}
	return versioned, nil
}

// writeAtomic replaces path in one rename so readers never see a partial
// artifact.
func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Latest(ctx context.Context, name string) (*riskmodel.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	latest := filepath.Join(s.dir, latestName(name))
	info, err := os.Stat(latest)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("model artifact " + name)
	}
	if err != nil {
		return nil, err
	}
	mod := info.ModTime().UnixNano()

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && cached.modTime == mod && cached.size == info.Size() {
		return cached.model, nil
	}

	m, err := readModelFile(latest)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[name] = cachedModel{model: m, modTime: mod, size: info.Size()}
	s.mu.Unlock()
	return m, nil
}

func (s *FileStore) Load(ctx context.Context, name, version string) (*riskmodel.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := readModelFile(filepath.Join(s.dir, versionedName(name, version)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound(fmt.Sprintf("model artifact %s version %s", name, version))
	}
	return m, err
}

func readModelFile(path string) (*riskmodel.Model, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return riskmodel.Read(f)
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps artifacts under bucket/prefix with the same naming as
// FileStore.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewS3Client builds a path-style client from the default AWS credential
// chain.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

func (s *S3Store) key(file string) string {
	if s.prefix == "" {
		return file
	}
	return path.Join(s.prefix, file)
}

func (s *S3Store) Save(ctx context.Context, m *riskmodel.Model) (string, error) {
	content, err := encodeModel(m)
	if err != nil {
		return "", err
	}
	versioned := s.key(versionedName(m.Name, m.Version))
	for _, key := range []string{versioned, s.key(latestName(m.Name))} {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(content),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, versioned), nil
}

func (s *S3Store) Latest(ctx context.Context, name string) (*riskmodel.Model, error) {
	return s.get(ctx, s.key(latestName(name)))
}

func (s *S3Store) Load(ctx context.Context, name, version string) (*riskmodel.Model, error) {
	return s.get(ctx, s.key(versionedName(name, version)))
}

func (s *S3Store) get(ctx context.Context, key string) (*riskmodel.Model, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, apperr.NotFound("model artifact " + key)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return riskmodel.Read(bytes.NewReader(content))
}
