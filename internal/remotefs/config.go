package remotefs

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	SchemeSFTP  = "sftp"
	SchemeFTP   = "ftp"
	SchemeLocal = "file"
)

// Endpoint identifies one remote file server.
type Endpoint struct {
	Scheme   string
	Host     string
	Username string
	Password string
	// Root is the local directory for file:// endpoints.
	Root string
}

// Options bounds connection and request behavior.
type Options struct {
	ConnectRetries   int
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	RetryDelay       time.Duration
	KnownHostsPath   string
}

func normalizeOptions(opts Options) Options {
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = 3
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 60 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return opts
}

// ParseEndpoint builds an Endpoint from a URL such as sftp://host:22 or
// file:///srv/drop. Explicit credentials win over URL userinfo.
func ParseEndpoint(raw, username, password string) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Endpoint{}, &ValidationError{Field: "url", Reason: "is required"}
	}
	if !strings.Contains(value, "://") {
		value = SchemeSFTP + "://" + value
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, &ValidationError{Field: "url", Reason: fmt.Sprintf("invalid value: %v", err)}
	}

	ep := Endpoint{
		Scheme:   strings.ToLower(parsed.Scheme),
		Username: strings.TrimSpace(username),
		Password: password,
	}
	if parsed.User != nil {
		if ep.Username == "" {
			ep.Username = parsed.User.Username()
		}
		if pw, ok := parsed.User.Password(); ok && ep.Password == "" {
			ep.Password = pw
		}
	}

	switch ep.Scheme {
	case SchemeLocal:
		root := parsed.Path
		if root == "" {
			root = parsed.Opaque
		}
		if strings.TrimSpace(root) == "" {
			return Endpoint{}, &ValidationError{Field: "url", Reason: "local root is empty"}
		}
		ep.Root = root
		ep.Host = "localhost"
		return ep, nil
	case SchemeSFTP, SchemeFTP:
		host := strings.TrimSpace(parsed.Host)
		if host == "" {
			return Endpoint{}, &ValidationError{Field: "url", Reason: "host is empty"}
		}
		ep.Host = withDefaultPort(host, ep.Scheme)
		return ep, nil
	default:
		return Endpoint{}, &ValidationError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", ep.Scheme)}
	}
}

func withDefaultPort(host, scheme string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "22"
	if scheme == SchemeFTP {
		port = "21"
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return net.JoinHostPort(host, port)
}

// NormalizePath converts a remote path to forward-slash form with exactly
// one leading slash.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	return path.Clean("/" + strings.TrimLeft(p, "/"))
}

// Join joins remote path elements and normalizes the result.
func Join(elem ...string) string {
	return NormalizePath(path.Join(elem...))
}
