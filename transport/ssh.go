package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"hostmux/mux"
	"hostmux/util"
)

// MuxChannelType is the SSH channel type the peer's agent serves
// frames on.
const MuxChannelType = "hostmux"

// SSHConfig holds everything needed to dial an SSH carrier.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Addr returns the host:port dial address.
func (c *SSHConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DialSSH connects to the peer over SSH, opens the mux channel on the
// connection, and returns a frame transport riding it.  Closing the
// transport closes the whole SSH connection.
func DialSSH(ctx context.Context, cfg *SSHConfig, logger *util.Logger) (mux.Transport, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}

	authMethods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh auth: %w", err)
	}
	hkCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh hostkey: %w", err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         cfg.ConnTimeout,
	}

	addr := cfg.Addr()
	logger.Debug("ssh: dialing %s as %s", addr, cfg.User)

	// Context-aware TCP dial so callers can cancel the connect.
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	ch, chReqs, err := client.OpenChannel(MuxChannelType, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open %s channel: %w", MuxChannelType, err)
	}
	go ssh.DiscardRequests(chReqs)

	logger.Verbose("ssh: connected to %s", addr)
	return NewConn(&sshStream{ch: ch, client: client}), nil
}

// sshStream bundles the mux channel with its owning client so closing
// the stream tears the connection down too.
type sshStream struct {
	ch     ssh.Channel
	client *ssh.Client
}

func (s *sshStream) Read(p []byte) (int, error)  { return s.ch.Read(p) }
func (s *sshStream) Write(p []byte) (int, error) { return s.ch.Write(p) }

func (s *sshStream) Close() error {
	s.ch.Close() //nolint:errcheck
	return s.client.Close()
}
