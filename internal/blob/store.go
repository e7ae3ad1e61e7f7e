package blob

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	supabase "github.com/supabase-community/supabase-go"

	"github.com/korvo-chat/backend/internal/chaterr"
)

// Store is where upload payloads land. Put returns a URL the encrypted
// message content references.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Supabase stores objects in a Supabase storage bucket.
type Supabase struct {
	storage *storage_go.Client
	bucket  string
}

// NewSupabase builds a bucket-backed store from the service credentials.
func NewSupabase(url, serviceKey, bucket string) (*Supabase, error) {
	if url == "" || serviceKey == "" {
		return nil, chaterr.New(chaterr.Invalid, "SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Internal, "failed to create supabase client", err)
	}
	return &Supabase{storage: client.Storage, bucket: bucket}, nil
}

func (s *Supabase) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	upsert := true
	_, err := s.storage.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", chaterr.Wrap(chaterr.Unavailable, "upload failed", err)
	}
	return s.storage.GetPublicUrl(s.bucket, key).SignedURL, nil
}

// FS stores objects under a local directory and serves them from a static
// base URL. Debug and test backend.
type FS struct {
	root    string
	baseURL string
}

func NewFS(root, baseURL string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FS{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (f *FS) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	dest := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", f.baseURL, key), nil
}
