// Package storage keeps mail in an S3-compatible object store.
//
// S3Storage wraps a minio client with optional client-side AES-256-GCM
// encryption. MailStore builds the delivery engine's mailbox model on top
// of any ObjectStore, S3Storage being the production one.
//
// # Encryption
//
// When enabled, objects are sealed with AES-256-GCM before upload and the
// random nonce is prepended to the ciphertext. The key is a 32-byte value
// configured hex-encoded. Object metadata is never encrypted.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned by Stat for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the subset of an object store MailStore needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, meta map[string]string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat returns the object's user metadata, or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (map[string]string, error)
	// List returns every key below prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

var _ ObjectStore = (*S3Storage)(nil)

// New connects to the bucket described by cfg.
func New(cfg config.S3Config) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("storage endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{Client: client, BucketName: cfg.Bucket}
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption turns on client-side encryption with a hex-encoded
// 32-byte key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: Client-side encryption enabled")
	return nil
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64, meta map[string]string) error {
	start := time.Now()
	if s.Encrypt {
		data, err := io.ReadAll(body)
		if err != nil {
			observe("put", start, err)
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}
		sealed, err := s.encryptData(data)
		if err != nil {
			observe("put", start, err)
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		body, size = bytes.NewReader(sealed), int64(len(sealed))
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size, minio.PutObjectOptions{
		SendContentMd5: true,
		UserMetadata:   meta,
	})
	observe("put", start, err)
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		observe("get", start, err)
		return nil, err
	}
	if !s.Encrypt {
		observe("get", start, nil)
		return object, nil
	}

	sealed, err := io.ReadAll(object)
	if cerr := object.Close(); cerr != nil {
		logger.Warn("STORAGE: Failed to close S3 object", "key", key, "error", cerr)
	}
	if err != nil {
		observe("get", start, err)
		return nil, fmt.Errorf("failed to read encrypted data: %w", err)
	}
	data, err := s.decryptData(sealed)
	observe("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *S3Storage) Stat(ctx context.Context, key string) (map[string]string, error) {
	start := time.Now()
	info, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.StatusCode == http.StatusNotFound {
			observe("stat", start, nil)
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		observe("stat", start, err)
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	observe("stat", start, nil)

	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(k)] = v
	}
	return meta, nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	var keys []string
	for object := range s.Client.ListObjects(ctx, s.BucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			observe("list", start, object.Err)
			return nil, fmt.Errorf("failed to list %s: %w", prefix, object.Err)
		}
		keys = append(keys, object.Key)
	}
	observe("list", start, nil)
	return keys, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	observe("delete", start, err)
	return err
}

// encryptData seals plaintext with AES-256-GCM, prefixing the nonce.
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func observe(op string, start time.Time, err error) {
	metrics.StorageOperations.WithLabelValues(op, classifyS3Error(err)).Inc()
	metrics.StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// classifyS3Error maps an error to a metrics status label.
func classifyS3Error(err error) string {
	if err == nil {
		return "success"
	}
	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}
