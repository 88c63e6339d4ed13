// Package resultaccess implements the Manager's dual-mode result retrieval
// (spec.md §4.5): a shared-storage filesystem backend, an optional MinIO
// backend for the same shared-storage role (SPEC_FULL.md domain-stack
// expansion, grounded on the teacher's worker/internal/executor.go
// uploadToMinIO), and a proxy-stream mode that forwards to the owning
// Runner 1:1.
package resultaccess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/runnerclient"
)

// Errors returned by Access, mapped to HTTP status only at the handler
// boundary (spec.md §4.5 error mapping), never here.
var (
	ErrNotFound  = errors.New("resultaccess: not found")
	ErrTraversal = errors.New("resultaccess: path traversal rejected")
	ErrUpstream  = errors.New("resultaccess: upstream error")
)

// ManifestFileStore abstracts over the two shared-storage backends
// (filesystem, MinIO) behind one interface so Access doesn't care which is
// configured.
type ManifestFileStore interface {
	// ReadManifest returns the manifest bytes for taskID, or ErrNotFound.
	ReadManifest(ctx context.Context, taskID string) ([]byte, error)
	// OpenFile returns a stream for {taskID}/{filePath}, or ErrNotFound /
	// ErrTraversal. Caller must Close the returned ReadCloser.
	OpenFile(ctx context.Context, taskID, filePath string) (io.ReadCloser, error)
}

// RunnerTokens resolves the bearer token to use for outbound calls to a
// given Runner URL, so Access can proxy without holding credentials itself.
type RunnerTokens interface {
	Get(url string) (domain.Runner, bool)
}

// Access is the Manager's result-access layer, selecting between
// shared-storage and proxy mode per-deployment (spec.md §4.5).
type Access struct {
	sharedStorageEnabled bool
	store                ManifestFileStore
	runnerClient         *runnerclient.Client
	runners              RunnerTokens
}

func New(sharedStorageEnabled bool, store ManifestFileStore, client *runnerclient.Client, runners RunnerTokens) *Access {
	return &Access{sharedStorageEnabled: sharedStorageEnabled, store: store, runnerClient: client, runners: runners}
}

func (a *Access) tokenFor(runnerURL string) string {
	if a.runners == nil {
		return ""
	}
	if r, ok := a.runners.Get(runnerURL); ok {
		return r.Token
	}
	return ""
}

// GetManifest returns the manifest bytes for task, reading from shared
// storage when enabled or proxying to the owning Runner otherwise.
func (a *Access) GetManifest(ctx context.Context, task domain.Task) ([]byte, error) {
	if a.sharedStorageEnabled {
		return a.store.ReadManifest(ctx, task.TaskID)
	}
	if task.RunnerURL == "" {
		return nil, ErrNotFound
	}
	body, status, err := a.runnerClient.Manifest(ctx, task.RunnerURL, a.tokenFor(task.RunnerURL), task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, ErrNotFound
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("%w: runner returned %d", ErrUpstream, status)
	}
	return body, nil
}

// GetFile returns a stream for task's {filePath}, from shared storage or
// proxied from the owning Runner.
func (a *Access) GetFile(ctx context.Context, task domain.Task, filePath string) (*http.Response, io.ReadCloser, error) {
	if a.sharedStorageEnabled {
		rc, err := a.store.OpenFile(ctx, task.TaskID, filePath)
		return nil, rc, err
	}
	if task.RunnerURL == "" {
		return nil, nil, ErrNotFound
	}
	resp, err := a.runnerClient.StreamFile(ctx, task.RunnerURL, a.tokenFor(task.RunnerURL), task.TaskID, filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, nil, fmt.Errorf("%w: runner returned %d", ErrUpstream, resp.StatusCode)
	}
	return resp, resp.Body, nil
}

// FilesystemStore is the default shared-storage backend: a filesystem path
// visible to both Manager and Runner, per spec.md §4.5.
type FilesystemStore struct {
	Root string
}

func NewFilesystemStore(root string) *FilesystemStore {
	return &FilesystemStore{Root: root}
}

func (f *FilesystemStore) ReadManifest(ctx context.Context, taskID string) ([]byte, error) {
	path := filepath.Join(f.Root, taskID, "manifest.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (f *FilesystemStore) OpenFile(ctx context.Context, taskID, filePath string) (io.ReadCloser, error) {
	taskDir := filepath.Join(f.Root, taskID)
	full, err := safeJoin(taskDir, filePath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// safeJoin rejects any filePath that, after normalisation, escapes base —
// the path-traversal check spec.md §4.5 and §8 both require.
func safeJoin(base, filePath string) (string, error) {
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(cleanBase, filePath)
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", ErrTraversal
	}
	return joined, nil
}

// MinIOConfig configures the alternate shared-storage backend
// (SPEC_FULL.md domain-stack expansion).
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore implements ManifestFileStore against an S3-compatible bucket,
// grounded on the teacher's worker/internal/executor.go uploadToMinIO
// (same client construction, same static-credentials provider).
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "manager-results"
	}
	return &MinIOStore{client: client, bucket: bucket}, nil
}

func (m *MinIOStore) ReadManifest(ctx context.Context, taskID string) ([]byte, error) {
	rc, err := m.getObject(ctx, taskID+"/manifest.json")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (m *MinIOStore) OpenFile(ctx context.Context, taskID, filePath string) (io.ReadCloser, error) {
	objectName, err := safeObjectName(taskID, filePath)
	if err != nil {
		return nil, err
	}
	return m.getObject(ctx, objectName)
}

func (m *MinIOStore) getObject(ctx context.Context, objectName string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

// safeObjectName applies the same traversal check as safeJoin, but against
// a logical "{taskID}/" object-key prefix rather than a filesystem path.
func safeObjectName(taskID, filePath string) (string, error) {
	prefix := taskID + "/"
	cleaned := filepath.Clean(prefix + filePath)
	if !strings.HasPrefix(cleaned, prefix) {
		return "", ErrTraversal
	}
	return cleaned, nil
}
