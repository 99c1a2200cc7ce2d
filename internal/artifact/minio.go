// Package artifact uploads finished dump directories to an S3-compatible
// object store.
package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	dumpagent "github.com/qsmonitor/dumpagent"
	"github.com/qsmonitor/dumpagent/internal/config"
)

// Config holds the object store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ConfigFromEnv reads ARTIFACT_* variables. An empty endpoint means uploads
// are not configured on this host.
func ConfigFromEnv() Config {
	return Config{
		Endpoint:  config.String("ARTIFACT_ENDPOINT", ""),
		AccessKey: config.String("ARTIFACT_ACCESS_KEY", ""),
		SecretKey: config.String("ARTIFACT_SECRET_KEY", ""),
		Bucket:    config.String("ARTIFACT_BUCKET", "qs-dumps"),
		UseSSL:    config.Bool("ARTIFACT_USE_SSL", false),
	}
}

// Enabled reports whether the config carries enough to build a client.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// Store uploads dump directories to a MinIO/S3 bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore builds a Store from the given config.
func NewStore(cfg Config) (*Store, error) {
	if !cfg.Enabled() {
		return nil, errors.New("artifact store endpoint is not configured")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create object store client failed")
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// VerifySetup checks the target bucket exists, creating it when missing.
func (s *Store) VerifySetup(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s failed", s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrapf(err, "create bucket %s failed", s.bucket)
	}
	log.Info().Str("bucket", s.bucket).Msg("created artifact bucket")
	return nil
}

// UploadDirectory walks localPath and uploads every regular file under it,
// preserving the relative layout below remotePath.
func (s *Store) UploadDirectory(ctx context.Context, localPath, remotePath string) (*dumpagent.UploadResult, error) {
	var files []string
	err := filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk dump directory %s failed", localPath)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("dump directory %s contains no files", localPath)
	}
	sort.Strings(files)

	result := &dumpagent.UploadResult{}
	for _, file := range files {
		rel, err := filepath.Rel(localPath, file)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve relative path for %s failed", file)
		}
		key := path.Join(remotePath, filepath.ToSlash(rel))
		if err := s.uploadFile(ctx, file, key); err != nil {
			result.Message = fmt.Sprintf("uploaded %d/%d files before error: %v",
				len(result.UploadedFiles), len(files), err)
			return result, err
		}
		result.UploadedFiles = append(result.UploadedFiles, key)
		log.Debug().Str("key", key).Msg("uploaded dump file")
	}
	result.Success = true
	result.Message = fmt.Sprintf("uploaded %d files to %s/%s", len(files), s.bucket, remotePath)
	return result, nil
}

func (s *Store) uploadFile(ctx context.Context, localFile, key string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return errors.Wrapf(err, "open %s failed", localFile)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s failed", localFile)
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, f, stat.Size(), minio.PutObjectOptions{
		ContentType: contentTypeFor(localFile),
	})
	return errors.Wrapf(err, "put object %s failed", key)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip":
		return "application/zip"
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

var _ dumpagent.Uploader = (*Store)(nil)
