package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const maxResourceBytes = 16 << 20

// HTTPFetcher reads resources from a sync server at {base}/v1/resources/{key}.
type HTTPFetcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPFetcher(baseURL, token string, httpClient *http.Client) *HTTPFetcher {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPFetcher{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	escaped, err := escapeKey(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/v1/resources/"+escaped, nil)
	if err != nil {
		return nil, &TransportError{Key: key, Err: err}
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Key: key, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceBytes+1))
	if err != nil {
		return nil, &TransportError{Key: key, StatusCode: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &TransportError{Key: key, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(payload)))}
	case len(payload) > maxResourceBytes:
		return nil, &TransportError{Key: key, StatusCode: resp.StatusCode, Err: errors.New("resource too large")}
	}
	return payload, nil
}

// CleanKey validates a resource key and returns it in slash form.
func CleanKey(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrNotFound
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: bad resource key %q", ErrInvalidInput, key)
		}
	}
	return key, nil
}

func escapeKey(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/"), nil
}

// DirFetcher serves resources from files under a root directory.
type DirFetcher struct {
	root   string
	logger *slog.Logger
}

func NewDirFetcher(root string, logger *slog.Logger) *DirFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirFetcher{root: filepath.Clean(root), logger: logger}
}

func (f *DirFetcher) Root() string {
	return f.root
}

func (f *DirFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, &TransportError{Key: key, Err: err}
	}
	return data, nil
}

// Watch reports the key of every file written, created, removed or renamed under the
// root until ctx ends. Directories created later are watched too.
func (f *DirFetcher) Watch(ctx context.Context, onChange func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := f.addTree(watcher, f.root); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				f.handleEvent(watcher, event, onChange)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("loader - watch - watcher error", "root", f.root, "error", err)
			}
		}
	}()
	return nil
}

func (f *DirFetcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event, onChange func(string)) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := f.addTree(watcher, event.Name); err != nil {
				f.logger.Warn("loader - watch - add directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	rel, err := filepath.Rel(f.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	onChange(filepath.ToSlash(rel))
}

func (f *DirFetcher) addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
