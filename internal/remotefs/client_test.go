package remotefs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/micro-ha/device-intake/internal/logging"
)

func testLogger() *slog.Logger {
	return logging.Discard()
}

func noSleep(ctx context.Context, wait time.Duration) error {
	_ = ctx
	_ = wait
	return nil
}

func TestConnectRetriesThenFails(t *testing.T) {
	t.Helper()

	var (
		mu    sync.Mutex
		dials int
	)
	refused := errors.New("connection refused")
	client := NewClientWithDialer(
		Endpoint{Scheme: SchemeSFTP, Host: "files.example:22"},
		Options{ConnectRetries: 4, ConnectTimeout: time.Second, OperationTimeout: time.Second},
		func(ctx context.Context, ep Endpoint) (Session, error) {
			_ = ctx
			_ = ep
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, refused
		},
		testLogger(),
	)
	client.sleepFn = noSleep

	_, err := client.List(context.Background(), "/in", "*.new")
	if err == nil {
		t.Fatalf("expected error")
	}
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectError, got %T: %v", err, err)
	}
	if cerr.Host != "files.example:22" || cerr.Attempts != 4 {
		t.Fatalf("unexpected connect error fields: %+v", cerr)
	}
	if !errors.Is(err, refused) {
		t.Fatalf("expected wrapped dial error")
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 4 {
		t.Fatalf("expected 4 dial attempts, got %d", dials)
	}
}

func TestConnectRecoversOnLaterAttempt(t *testing.T) {
	root := t.TempDir()
	local := LocalDialer(root)
	attempts := 0
	client := NewClientWithDialer(
		Endpoint{Scheme: SchemeLocal, Host: "localhost", Root: root},
		Options{ConnectRetries: 3},
		func(ctx context.Context, ep Endpoint) (Session, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("i/o timeout")
			}
			return local(ctx, ep)
		},
		testLogger(),
	)
	client.sleepFn = noSleep

	if _, err := client.List(context.Background(), "/", ""); err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestEveryOperationOpensFreshSession(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.new"), "x")
	local := LocalDialer(root)

	var opened, closed int
	client := NewClientWithDialer(
		Endpoint{Scheme: SchemeLocal, Host: "localhost", Root: root},
		Options{},
		func(ctx context.Context, ep Endpoint) (Session, error) {
			s, err := local(ctx, ep)
			if err != nil {
				return nil, err
			}
			opened++
			return &countingSession{Session: s, onClose: func() { closed++ }}, nil
		},
		testLogger(),
	)

	ctx := context.Background()
	if _, err := client.List(ctx, "/", "*.new"); err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, err := client.Rename(ctx, "/a.new", "/a.process"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if ok, err := client.Exists(ctx, "/a.process"); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if opened != 3 || closed != 3 {
		t.Fatalf("expected 3 opened/closed sessions, got %d/%d", opened, closed)
	}
}

func TestListFiltersByPattern(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "in", "DEV.P.1.new"), "1")
	writeFile(t, filepath.Join(root, "in", "DEV.P.2.new"), "22")
	writeFile(t, filepath.Join(root, "in", "DEV.P.0.process"), "3")
	if err := os.MkdirAll(filepath.Join(root, "in", "sub.new"), 0o755); err != nil {
		t.Fatal(err)
	}

	client := NewClientWithDialer(Endpoint{Scheme: SchemeLocal, Root: root}, Options{}, LocalDialer(root), testLogger())
	entries, err := client.List(context.Background(), `\in`, "*.new")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "DEV.P.1.new" || names[1] != "DEV.P.2.new" {
		t.Fatalf("unexpected entries: %v", names)
	}
}

func TestDownloadAndUpload(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "batch.new"), "payload")
	client := NewClientWithDialer(Endpoint{Scheme: SchemeLocal, Root: root}, Options{}, LocalDialer(root), testLogger())
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "nested", "batch.new")
	if err := client.Download(ctx, "batch.new", local); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := readFile(t, local); got != "payload" {
		t.Fatalf("unexpected content %q", got)
	}

	if err := client.Upload(ctx, local, "/batch.error"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	size, err := client.Size(ctx, "/batch.error")
	if err != nil || size != int64(len("payload")) {
		t.Fatalf("Size = %d, %v", size, err)
	}
}

func TestDownloadMissingRemovesPartialFile(t *testing.T) {
	root := t.TempDir()
	client := NewClientWithDialer(Endpoint{Scheme: SchemeLocal, Root: root}, Options{}, LocalDialer(root), testLogger())
	local := filepath.Join(t.TempDir(), "missing.new")

	err := client.Download(context.Background(), "/missing.new", local)
	if err == nil {
		t.Fatalf("expected error")
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Op != "download" {
		t.Fatalf("expected download OperationError, got %v", err)
	}
	if _, statErr := os.Stat(local); !os.IsNotExist(statErr) {
		t.Fatalf("expected partial file removed")
	}
}

func TestDeleteAndExists(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "gone.new"), "x")
	client := NewClientWithDialer(Endpoint{Scheme: SchemeLocal, Root: root}, Options{}, LocalDialer(root), testLogger())
	ctx := context.Background()

	ok, err := client.Delete(ctx, "/gone.new")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	exists, err := client.Exists(ctx, "/gone.new")
	if err != nil || exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}
	ok, err = client.Delete(ctx, "/gone.new")
	if ok || err == nil {
		t.Fatalf("expected failed delete of missing file")
	}
}

func TestMakeDirAndRemoveDir(t *testing.T) {
	root := t.TempDir()
	client := NewClientWithDialer(Endpoint{Scheme: SchemeLocal, Root: root}, Options{}, LocalDialer(root), testLogger())
	ctx := context.Background()

	if err := client.MakeDir(ctx, "archive"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "archive"))
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory created, got %v", err)
	}
	if err := client.MakeDir(ctx, "/archive"); err == nil {
		t.Fatalf("expected error creating existing directory")
	}

	writeFile(t, filepath.Join(root, "archive", "DEV.ACME.1.new"), "x")
	err = client.RemoveDir(ctx, "/archive")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError removing non-empty directory, got %v", err)
	}
	if err := os.Remove(filepath.Join(root, "archive", "DEV.ACME.1.new")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := client.RemoveDir(ctx, "/archive"); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "archive")); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, got %v", err)
	}
}

func TestOperationTimeoutClosesSession(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	closed := make(chan struct{}, 1)
	client := NewClientWithDialer(
		Endpoint{Scheme: SchemeSFTP, Host: "slow:22"},
		Options{OperationTimeout: 20 * time.Millisecond},
		func(ctx context.Context, ep Endpoint) (Session, error) {
			return &blockingSession{release: release, closed: closed}, nil
		},
		testLogger(),
	)

	_, err := client.Rename(context.Background(), "/a", "/b")
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("expected session to be closed on timeout")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		`\\share\in\file.new`: "/share/in/file.new",
		"//in//file.new":      "/in/file.new",
		"in/file.new":         "/in/file.new",
		"":                    "/",
		"/":                   "/",
		" /in/ ":              "/in",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Join("/in", "sub", "a.new"); got != "/in/sub/a.new" {
		t.Errorf("Join = %q", got)
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("sftp://drop.example", "intake", "secret")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if ep.Host != "drop.example:22" || ep.Username != "intake" || ep.Password != "secret" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}

	ep, err = ParseEndpoint("ftp://user:pw@drop.example:2121", "", "")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if ep.Scheme != SchemeFTP || ep.Host != "drop.example:2121" || ep.Username != "user" || ep.Password != "pw" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}

	ep, err = ParseEndpoint("file:///srv/drop", "", "")
	if err != nil || ep.Root != "/srv/drop" {
		t.Fatalf("unexpected local endpoint: %+v, %v", ep, err)
	}

	for _, raw := range []string{"", "gopher://x", "sftp://"} {
		_, err := ParseEndpoint(raw, "", "")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("ParseEndpoint(%q) expected ValidationError, got %v", raw, err)
		}
	}
}

type countingSession struct {
	Session
	onClose func()
}

func (s *countingSession) Close() error {
	s.onClose()
	return s.Session.Close()
}

type blockingSession struct {
	Session
	release chan struct{}
	closed  chan struct{}
}

func (s *blockingSession) Rename(from, to string) error {
	<-s.release
	return nil
}

func (s *blockingSession) Close() error {
	select {
	case s.closed <- struct{}{}:
	default:
	}
	return nil
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	raw, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}
