package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/obsidianstack/backup-sender/sender/internal/config"
)

// partSuffix marks an upload that has not been renamed into place yet.
const partSuffix = ".part"

// posixRenameExt is the OpenSSH extension that renames over an existing file.
const posixRenameExt = "posix-rename@openssh.com"

// Client uploads files to the configured SFTP destination.
// It holds no connection between calls.
type Client struct {
	cfg    config.RemoteConfig
	addr   string
	auth   []ssh.AuthMethod
	dialFn dialFunc // injectable for tests
}

// session is one open SFTP session and the means to tear it down.
type session struct {
	sftp  *sftp.Client
	close func() error
}

// dialFunc opens a session to addr.
// Abstracted so tests can serve SFTP over an in-memory pipe.
type dialFunc func(ctx context.Context, addr string, sshCfg *ssh.ClientConfig, timeout time.Duration) (*session, error)

// New builds a Client from cfg. The private key file, when configured, is
// read and parsed here so a bad key fails at startup rather than on the
// first transfer.
func New(cfg config.RemoteConfig) (*Client, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		auth:   auth,
		dialFn: defaultDial,
	}, nil
}

// Addr returns the host:port the client connects to.
func (c *Client) Addr() string {
	return c.addr
}

// Copy uploads localPath to remotePath over a new connection.
//
// The local file is opened before dialing, so a vanished source never costs
// a connection. Cancelling ctx tears the connection down and aborts an
// in-flight copy.
func (c *Client) Copy(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return &LocalError{Path: localPath, Err: err}
	}
	defer src.Close()

	sess, err := c.dialFn(ctx, c.addr, c.clientConfig(), c.cfg.DialTimeout)
	if err != nil {
		return &ConnectionError{Op: "dial", Addr: c.addr, Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = sess.close() })
	defer func() {
		if stop() {
			_ = sess.close()
		}
	}()

	if err := c.upload(sess.sftp, src, localPath, remotePath); err != nil {
		if ctx.Err() != nil && IsConnection(err) {
			return &ConnectionError{Op: "write", Addr: c.addr, Err: ctx.Err()}
		}
		return err
	}

	slog.Debug("transfer: copied", "local", localPath, "remote", remotePath, "addr", c.addr)
	return nil
}

// upload streams src to a temporary remote file and renames it into place.
func (c *Client) upload(sc *sftp.Client, src io.Reader, localPath, remotePath string) error {
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return &ConnectionError{Op: "mkdir", Addr: c.addr, Err: err}
		}
	}

	tmp := remotePath + partSuffix
	dst, err := sc.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &ConnectionError{Op: "create", Addr: c.addr, Err: err}
	}

	tr := &trackingReader{r: src}
	if _, err := io.Copy(dst, tr); err != nil {
		dst.Close()
		_ = sc.Remove(tmp)
		if tr.err != nil {
			return &LocalError{Path: localPath, Err: tr.err}
		}
		return &ConnectionError{Op: "write", Addr: c.addr, Err: err}
	}
	if err := dst.Close(); err != nil {
		_ = sc.Remove(tmp)
		return &ConnectionError{Op: "write", Addr: c.addr, Err: err}
	}

	if err := replaceRemote(sc, tmp, remotePath); err != nil {
		return &ConnectionError{Op: "rename", Addr: c.addr, Err: err}
	}
	return nil
}

// renamer is the part of *sftp.Client that moves an upload into place.
type renamer interface {
	HasExtension(name string) (string, bool)
	PosixRename(oldname, newname string) error
	Rename(oldname, newname string) error
	Remove(path string) error
}

// replaceRemote renames tmp over dst. Without posix-rename the old dst is
// removed first, as a plain SFTP rename refuses to overwrite. On failure tmp
// is removed so no partial upload is left behind.
func replaceRemote(sc renamer, tmp, dst string) error {
	err := renameOver(sc, tmp, dst)
	if err != nil {
		_ = sc.Remove(tmp)
	}
	return err
}

func renameOver(sc renamer, tmp, dst string) error {
	if _, ok := sc.HasExtension(posixRenameExt); ok {
		err := sc.PosixRename(tmp, dst)
		if !isUnsupported(err) {
			return err
		}
		slog.Debug("transfer: posix-rename rejected, falling back to remove and rename", "path", dst)
	}

	if err := sc.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove previous %q: %w", dst, err)
	}
	return sc.Rename(tmp, dst)
}

// isUnsupported reports whether the server answered SSH_FX_OP_UNSUPPORTED.
func isUnsupported(err error) bool {
	var se *sftp.StatusError
	return errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxOpUnsupported
}

// clientConfig builds the SSH client settings for one connection.
func (c *Client) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User: c.cfg.User,
		Auth: c.auth,
		// No host-key pinning: any key the server presents is accepted.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // documented trust simplification
		Timeout:         c.cfg.DialTimeout,
	}
}

// authMethods returns the SSH auth methods enabled by cfg, key first.
func authMethods(cfg config.RemoteConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transfer: read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("transfer: parse key file %q: %w", cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("transfer: no authentication method configured")
	}
	return methods, nil
}

// defaultDial connects over TCP, performs the SSH handshake within timeout
// and starts the sftp subsystem.
func defaultDial(ctx context.Context, addr string, sshCfg *ssh.ClientConfig, timeout time.Duration) (*session, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Bound the handshake; the copy itself has no deadline.
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("start sftp: %w", err)
	}

	return &session{
		sftp: sc,
		close: func() error {
			sc.Close()
			return client.Close()
		},
	}, nil
}

// trackingReader remembers the first read error so a failed copy can be
// attributed to the local side.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
