package remotefs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Entry is one remote directory item.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Session is one connected backend. Sessions are never shared between calls.
type Session interface {
	List(dir string) ([]Entry, error)
	Stat(p string) (Entry, error)
	Retrieve(p string, w io.Writer) error
	Store(p string, r io.Reader) error
	Rename(from, to string) error
	Remove(p string) error
	MakeDir(p string) error
	RemoveDir(p string) error
	Close() error
}

// DialFunc opens a Session for an endpoint.
type DialFunc func(ctx context.Context, ep Endpoint) (Session, error)

// Client opens a fresh session for every operation.
type Client struct {
	endpoint Endpoint
	opts     Options
	logger   *slog.Logger

	dialFn  DialFunc
	sleepFn func(ctx context.Context, wait time.Duration) error
}

// NewClient returns a client for ep using the backend its scheme selects.
func NewClient(ep Endpoint, opts Options, logger *slog.Logger) (*Client, error) {
	opts = normalizeOptions(opts)
	if logger == nil {
		logger = slog.Default()
	}
	dial, err := dialerFor(ep, opts, logger)
	if err != nil {
		return nil, err
	}
	return NewClientWithDialer(ep, opts, dial, logger), nil
}

// NewClientWithDialer returns a client using an explicit dialer.
func NewClientWithDialer(ep Endpoint, opts Options, dial DialFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: ep,
		opts:     normalizeOptions(opts),
		logger:   logger.With("component", "remotefs", "host", ep.Host),
		dialFn:   dial,
		sleepFn:  sleepContext,
	}
}

// Host returns the endpoint host, used in logs and source URIs.
func (c *Client) Host() string {
	return c.endpoint.Host
}

// URI returns a display URI for a remote path.
func (c *Client) URI(p string) string {
	return c.endpoint.Scheme + "://" + c.endpoint.Host + NormalizePath(p)
}

// List returns the files in dir whose names match pattern. An empty pattern
// matches everything.
func (c *Client) List(ctx context.Context, dir, pattern string) ([]Entry, error) {
	dir = NormalizePath(dir)
	var entries []Entry
	err := c.do(ctx, "list", dir, func(s Session) error {
		items, err := s.List(dir)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.IsDir {
				continue
			}
			if pattern != "" {
				ok, matchErr := path.Match(pattern, item.Name)
				if matchErr != nil {
					return &ValidationError{Field: "pattern", Reason: matchErr.Error()}
				}
				if !ok {
					continue
				}
			}
			entries = append(entries, item)
		}
		return nil
	})
	return entries, err
}

// Stat returns attributes for p.
func (c *Client) Stat(ctx context.Context, p string) (Entry, error) {
	p = NormalizePath(p)
	var entry Entry
	err := c.do(ctx, "stat", p, func(s Session) error {
		var err error
		entry, err = s.Stat(p)
		return err
	})
	return entry, err
}

// Size returns the size in bytes of p.
func (c *Client) Size(ctx context.Context, p string) (int64, error) {
	entry, err := c.Stat(ctx, p)
	if err != nil {
		return 0, err
	}
	return entry.Size, nil
}

// Exists reports whether p is present on the server.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	_, err := c.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Download copies remote p into localPath. A partial local file is removed
// on failure.
func (c *Client) Download(ctx context.Context, p, localPath string) error {
	p = NormalizePath(p)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	err = c.do(ctx, "download", p, func(s Session) error {
		return s.Retrieve(p, f)
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
	}
	return err
}

// Upload copies localPath to remote p.
func (c *Client) Upload(ctx context.Context, localPath, p string) error {
	p = NormalizePath(p)
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.do(ctx, "upload", p, func(s Session) error {
		return s.Store(p, f)
	})
}

// Rename moves from to to and reports whether the server accepted it.
func (c *Client) Rename(ctx context.Context, from, to string) (bool, error) {
	from, to = NormalizePath(from), NormalizePath(to)
	err := c.do(ctx, "rename", from, func(s Session) error {
		return s.Rename(from, to)
	})
	return err == nil, err
}

// Delete removes p and reports whether the server accepted it. Callers that
// need certainty follow up with Exists.
func (c *Client) Delete(ctx context.Context, p string) (bool, error) {
	p = NormalizePath(p)
	err := c.do(ctx, "delete", p, func(s Session) error {
		return s.Remove(p)
	})
	return err == nil, err
}

func (c *Client) MakeDir(ctx context.Context, p string) error {
	p = NormalizePath(p)
	return c.do(ctx, "mkdir", p, func(s Session) error {
		return s.MakeDir(p)
	})
}

func (c *Client) RemoveDir(ctx context.Context, p string) error {
	p = NormalizePath(p)
	return c.do(ctx, "rmdir", p, func(s Session) error {
		return s.RemoveDir(p)
	})
}

func (c *Client) do(ctx context.Context, op, p string, fn func(Session) error) error {
	session, err := c.connect(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(session)
	}()

	timer := time.NewTimer(c.opts.OperationTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if closeErr := session.Close(); closeErr != nil {
			c.logger.Debug("remote session close failed", "op", op, "err", closeErr)
		}
		if err != nil {
			return &OperationError{Op: op, Path: p, Err: err}
		}
		return nil
	case <-timer.C:
		_ = session.Close()
		return timeoutError(op, p, c.opts.OperationTimeout)
	case <-ctx.Done():
		_ = session.Close()
		return ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context) (Session, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		session, err := c.dialFn(dialCtx, c.endpoint)
		cancel()
		if err == nil {
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("remote connect failed", "attempt", attempt, "err", err)

		if attempt < c.opts.ConnectRetries {
			if err := c.sleepFn(ctx, time.Duration(attempt)*c.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, &ConnectError{Host: c.endpoint.Host, Attempts: c.opts.ConnectRetries, Err: lastErr}
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func dialerFor(ep Endpoint, opts Options, logger *slog.Logger) (DialFunc, error) {
	switch ep.Scheme {
	case SchemeSFTP:
		return sftpDialer(opts, logger)
	case SchemeFTP:
		return ftpDialer(), nil
	case SchemeLocal:
		return LocalDialer(ep.Root), nil
	default:
		return nil, &ValidationError{Field: "scheme", Reason: "unsupported scheme " + ep.Scheme}
	}
}
