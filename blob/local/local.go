// Package local implements the on-disk blob backend. It is both the fallback
// target when the remote store is unreachable and the sole backend when no
// remote credentials are configured. Signed URLs are realized as short-lived
// opaque tokens resolved by an HTTP handler outside the pipeline.
package local

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailroom-io/mailroom/blob"
)

type (
	// Options configures the local store.
	Options struct {
		// Root is the directory blobs are stored under. Required.
		Root string
		// BaseURL is the externally reachable prefix of the blob handler,
		// e.g. "https://host/files". Required for signed URLs.
		BaseURL string
		// Tokens backs signed URL grants. Defaults to an in-process store.
		Tokens TokenStore
	}

	store struct {
		root    string
		baseURL string
		tokens  TokenStore
	}
)

// New constructs a local-disk store rooted at opts.Root, creating the
// directory when absent.
func New(opts Options) (blob.Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("local store: create root %s: %w", opts.Root, err)
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewMemoryTokens()
	}
	return &store{
		root:    opts.Root,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		tokens:  tokens,
	}, nil
}

func (s *store) Backend() blob.Backend { return blob.BackendLocal }

func (s *store) Put(ctx context.Context, key string, data []byte, mediaType string) (blob.StoragePointer, error) {
	path, err := s.resolve(key)
	if err != nil {
		return blob.StoragePointer{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return blob.StoragePointer{}, fmt.Errorf("local put %s: %w", key, err)
	}
	// Write then rename so readers never observe a partial blob.
	tmp := path + ".tmp." + uuid.NewString()[:8]
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return blob.StoragePointer{}, fmt.Errorf("local put %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return blob.StoragePointer{}, fmt.Errorf("local put %s: %w", key, err)
	}
	return blob.StoragePointer{Backend: blob.BackendLocal, Key: key}, nil
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("local get %s: %w", key, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("local get %s: %w", key, err)
	}
	return data, nil
}

func (s *store) Delete(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("local delete %s: %w", key, err)
	}
	return true, nil
}

func (s *store) SignedURL(ctx context.Context, key string, ttl time.Duration, method blob.Method) (string, error) {
	if s.baseURL == "" {
		return "", fmt.Errorf("local signed url %s: base URL not configured", key)
	}
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	token := uuid.NewString()
	grant := Grant{Key: key, Method: method, ExpiresAt: time.Now().UTC().Add(ttl)}
	if err := s.tokens.Save(ctx, token, grant, ttl); err != nil {
		return "", fmt.Errorf("local signed url %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s?token=%s", s.baseURL, pathEscapeKey(key), url.QueryEscape(token)), nil
}

// resolve maps a storage key onto a path under root and refuses keys that
// escape it.
func (s *store) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("local store: empty key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("local store: key %q escapes root", key)
	}
	return filepath.Join(s.root, clean), nil
}

func pathEscapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
