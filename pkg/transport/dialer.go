// Package transport opens SFTP sessions over SSH and classifies transport
// errors for the retry logic.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/session"
)

// DefaultConnectTimeout applies when a profile does not set one
const DefaultConnectTimeout = 30 * time.Second

// Dialer opens SFTP sessions. It implements session.Opener.
type Dialer struct {
	logger logging.Logger
}

// NewDialer creates a dialer reporting through logger
func NewDialer(logger logging.Logger) *Dialer {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Dialer{logger: logger}
}

var _ session.Opener = (*Dialer)(nil)

// Open authenticates against host and starts the sftp subsystem
func (d *Dialer) Open(ctx context.Context, host models.HostProfile) (session.Session, error) {
	timeout := host.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	authMethods, agentConn, err := buildAuthMethods(host.Auth)
	if err != nil {
		return nil, &models.TransferError{Kind: models.KindConfiguration, Op: "auth", Path: host.Name, Err: err}
	}

	hostKeyCallback, err := buildHostKeyCallback(host)
	if err != nil {
		closeQuietly(agentConn)
		return nil, &models.TransferError{Kind: models.KindConfiguration, Op: "host key", Path: host.Name, Err: err}
	}
	if host.InsecureIgnoreHostKey {
		d.logger.Warn(ctx, "ssh host key verification disabled", logging.Fields{"host": host.Name})
	}

	sshConfig := &ssh.ClientConfig{
		User:            host.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	var bastion *ssh.Client
	var conn net.Conn
	target := host.Endpoint()

	if host.Bastion != nil && host.Bastion.Address != "" {
		bastion, err = d.connectToBastion(ctx, host, hostKeyCallback, timeout)
		if err != nil {
			closeQuietly(agentConn)
			return nil, ClassifyDial("bastion", host.Name, err)
		}
		conn, err = bastion.Dial("tcp", target)
		if err != nil {
			bastion.Close()
			closeQuietly(agentConn)
			return nil, ClassifyDial("dial through bastion", host.Name, err)
		}
	} else {
		conn, err = dialContext(ctx, target, timeout)
		if err != nil {
			closeQuietly(agentConn)
			return nil, ClassifyDial("dial", host.Name, err)
		}
	}

	sshClient, err := handshake(ctx, conn, target, sshConfig, timeout)
	if err != nil {
		conn.Close()
		closeQuietly(bastion)
		closeQuietly(agentConn)
		return nil, ClassifyDial("handshake", host.Name, err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		closeQuietly(bastion)
		closeQuietly(agentConn)
		return nil, ClassifyDial("sftp subsystem", host.Name, err)
	}

	closers := []io.Closer{sshClient}
	if bastion != nil {
		closers = append(closers, bastion)
	}
	if agentConn != nil {
		closers = append(closers, agentConn)
	}
	s := newSession(uuid.New().String(), host.Name, client, closers...)
	d.logger.Debug(ctx, logging.EventSessionOpened, logging.Fields{
		"host":    host.Name,
		"session": s.ID(),
		"address": target,
	})
	return s, nil
}

func (d *Dialer) connectToBastion(ctx context.Context, host models.HostProfile, callback ssh.HostKeyCallback, timeout time.Duration) (*ssh.Client, error) {
	b := host.Bastion
	keyPath := b.KeyPath
	if keyPath == "" {
		keyPath = host.Auth.KeyPath
	}
	signer, err := loadSigner(keyPath, host.Auth.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("bastion key: %w", err)
	}

	user := b.User
	if user == "" {
		user = host.User
	}
	port := b.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(b.Address, fmt.Sprint(port))

	conn, err := dialContext(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	client, err := handshake(ctx, conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: callback,
		Timeout:         timeout,
	}, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

func dialContext(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return dialer.DialContext(ctx, "tcp", addr)
}

// handshake runs the ssh handshake bounded by timeout and ctx
func handshake(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}

	conn.SetDeadline(time.Now().Add(timeout))
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(c, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		conn.SetDeadline(time.Time{})
		return r.client, nil
	}
}

func closeQuietly(c io.Closer) {
	if c == nil {
		return
	}
	// A typed nil pointer inside the interface still needs the check
	if sc, ok := c.(*ssh.Client); ok && sc == nil {
		return
	}
	c.Close()
}
