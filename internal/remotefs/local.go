package remotefs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalDialer serves remote paths from a directory tree rooted at root.
func LocalDialer(root string) DialFunc {
	return func(ctx context.Context, _ Endpoint) (Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, &ValidationError{Field: "root", Reason: root + " is not a directory"}
		}
		return &localSession{root: root}, nil
	}
}

type localSession struct {
	root string
}

func (s *localSession) resolve(p string) string {
	clean := strings.TrimPrefix(NormalizePath(p), "/")
	return filepath.Join(s.root, filepath.FromSlash(clean))
}

func (s *localSession) List(dir string) ([]Entry, error) {
	items, err := os.ReadDir(s.resolve(dir))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		info, err := item.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: item.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: item.IsDir()})
	}
	return out, nil
}

func (s *localSession) Stat(p string) (Entry, error) {
	info, err := os.Stat(s.resolve(p))
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (s *localSession) Retrieve(p string, w io.Writer) error {
	f, err := os.Open(s.resolve(p))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (s *localSession) Store(p string, r io.Reader) error {
	target := s.resolve(p)
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *localSession) Rename(from, to string) error {
	return os.Rename(s.resolve(from), s.resolve(to))
}

func (s *localSession) Remove(p string) error {
	return os.Remove(s.resolve(p))
}

func (s *localSession) MakeDir(p string) error {
	return os.Mkdir(s.resolve(p), 0o755)
}

func (s *localSession) RemoveDir(p string) error {
	return os.Remove(s.resolve(p))
}

func (s *localSession) Close() error {
	return nil
}
