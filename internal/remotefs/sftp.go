package remotefs

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var noDeadline time.Time

func sftpDialer(opts Options, logger *slog.Logger) (DialFunc, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // only when REMOTE_KNOWN_HOSTS is unset
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, &ValidationError{Field: "known_hosts", Reason: err.Error()}
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("sftp host key verification disabled; set REMOTE_KNOWN_HOSTS to enable")
	}

	return func(ctx context.Context, ep Endpoint) (Session, error) {
		cfg := &ssh.ClientConfig{
			User:            ep.Username,
			Auth:            []ssh.AuthMethod{ssh.Password(ep.Password)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         opts.ConnectTimeout,
		}

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", ep.Host)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, ep.Host, cfg)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		_ = conn.SetDeadline(noDeadline)

		sshClient := ssh.NewClient(sshConn, chans, reqs)
		client, err := sftp.NewClient(sshClient)
		if err != nil {
			_ = sshClient.Close()
			return nil, err
		}
		return &sftpSession{ssh: sshClient, client: client}, nil
	}, nil
}

type sftpSession struct {
	ssh    *ssh.Client
	client *sftp.Client
}

func (s *sftpSession) List(dir string) ([]Entry, error) {
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(infos))
	for _, info := range infos {
		out = append(out, Entry{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()})
	}
	return out, nil
}

func (s *sftpSession) Stat(p string) (Entry, error) {
	info, err := s.client.Stat(p)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (s *sftpSession) Retrieve(p string, w io.Writer) error {
	f, err := s.client.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteTo(w)
	return err
}

func (s *sftpSession) Store(p string, r io.Reader) error {
	f, err := s.client.Create(p)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *sftpSession) Rename(from, to string) error {
	return s.client.Rename(from, to)
}

func (s *sftpSession) Remove(p string) error {
	return s.client.Remove(p)
}

func (s *sftpSession) MakeDir(p string) error {
	return s.client.Mkdir(p)
}

func (s *sftpSession) RemoveDir(p string) error {
	return s.client.RemoveDirectory(p)
}

func (s *sftpSession) Close() error {
	clientErr := s.client.Close()
	sshErr := s.ssh.Close()
	if clientErr != nil {
		return clientErr
	}
	return sshErr
}
