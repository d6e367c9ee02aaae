package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig describes a remote host that holds resource files.
type SFTPConfig struct {
	Addr       string
	User       string
	Password   string
	PrivateKey string
	Root       string
}

// SFTPStore keeps blobs on a remote host over SFTP. The connection is opened
// lazily and re-dialled after a failure.
type SFTPStore struct {
	cfg SFTPConfig

	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
}

func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("sftp address is required")
	}
	if cfg.Root == "" {
		cfg.Root = "."
	}
	return &SFTPStore{cfg: cfg}, nil
}

func (s *SFTPStore) buildAuthMethods() ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(s.cfg.PrivateKey); key != "" {
		data := []byte(key)
		if !strings.Contains(key, "PRIVATE KEY") {
			raw, err := os.ReadFile(expandHome(key))
			if err != nil {
				return nil, fmt.Errorf("read ssh private key: %w", err)
			}
			data = raw
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(s.cfg.Password); password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided")
	}
	return authMethods, nil
}

func (s *SFTPStore) connect() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	authMethods, err := s.buildAuthMethods()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	sshClient, err := ssh.Dial("tcp", s.cfg.Addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	s.ssh, s.client = sshClient, client
	return client, nil
}

// reset drops a broken connection so the next call re-dials.
func (s *SFTPStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.ssh != nil {
		_ = s.ssh.Close()
	}
	s.client, s.ssh = nil, nil
}

func (s *SFTPStore) remotePath(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.cfg.Root, cleaned), nil
}

func (s *SFTPStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	remotePath, err := s.remotePath(key)
	if err != nil {
		return err
	}
	client, err := s.connect()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		s.reset()
		return err
	}
	tmpPath := remotePath + ".part"
	file, err := client.Create(tmpPath)
	if err != nil {
		s.reset()
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		_ = client.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return client.PosixRename(tmpPath, remotePath)
}

func (s *SFTPStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	remotePath, err := s.remotePath(key)
	if err != nil {
		return nil, err
	}
	client, err := s.connect()
	if err != nil {
		return nil, err
	}
	file, err := client.Open(remotePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.reset()
		return nil, err
	}
	return file, nil
}

func (s *SFTPStore) Delete(_ context.Context, key string) error {
	remotePath, err := s.remotePath(key)
	if err != nil {
		return err
	}
	client, err := s.connect()
	if err != nil {
		return err
	}
	if err := client.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *SFTPStore) Close() error {
	s.reset()
	return nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
