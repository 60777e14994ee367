package remotefs

import (
	"context"
	"io"
	"io/fs"
	"path"

	"github.com/jlaffaye/ftp"
)

func ftpDialer() DialFunc {
	return func(ctx context.Context, ep Endpoint) (Session, error) {
		opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
		conn, err := ftp.Dial(ep.Host, opts...)
		if err != nil {
			return nil, err
		}
		user := ep.Username
		if user == "" {
			user = "anonymous"
		}
		if err := conn.Login(user, ep.Password); err != nil {
			_ = conn.Quit()
			return nil, err
		}
		return &ftpSession{conn: conn}, nil
	}
}

type ftpSession struct {
	conn *ftp.ServerConn
}

func (s *ftpSession) List(dir string) ([]Entry, error) {
	items, err := s.conn.List(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		if item.Name == "." || item.Name == ".." {
			continue
		}
		out = append(out, Entry{
			Name:    item.Name,
			Size:    int64(item.Size),
			ModTime: item.Time,
			IsDir:   item.Type == ftp.EntryTypeFolder,
		})
	}
	return out, nil
}

// Stat lists the parent directory since MLST support varies between servers.
func (s *ftpSession) Stat(p string) (Entry, error) {
	dir, name := path.Split(p)
	items, err := s.List(dir)
	if err != nil {
		return Entry{}, err
	}
	for _, item := range items {
		if item.Name == name {
			return item, nil
		}
	}
	return Entry{}, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (s *ftpSession) Retrieve(p string, w io.Writer) error {
	resp, err := s.conn.Retr(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, resp); err != nil {
		_ = resp.Close()
		return err
	}
	return resp.Close()
}

func (s *ftpSession) Store(p string, r io.Reader) error {
	return s.conn.Stor(p, r)
}

func (s *ftpSession) Rename(from, to string) error {
	return s.conn.Rename(from, to)
}

func (s *ftpSession) Remove(p string) error {
	return s.conn.Delete(p)
}

func (s *ftpSession) MakeDir(p string) error {
	return s.conn.MakeDir(p)
}

func (s *ftpSession) RemoveDir(p string) error {
	return s.conn.RemoveDir(p)
}

func (s *ftpSession) Close() error {
	return s.conn.Quit()
}
