package models

import (
	"strconv"
	"time"
)

// AuthMethod selects how a session authenticates
type AuthMethod string

const (
	AuthPrivateKey  AuthMethod = "private_key"
	AuthPassword    AuthMethod = "password"
	AuthAgent       AuthMethod = "agent"
	AuthCertificate AuthMethod = "certificate"
)

// AuthConfig holds credential references for a host. Secrets are kept as
// references (paths, env var names) where possible.
type AuthConfig struct {
	Method          AuthMethod
	KeyPath         string
	Passphrase      string
	Password        string
	PasswordEnv     string
	CertificatePath string
}

// BastionConfig describes an optional jump host
type BastionConfig struct {
	Address string
	Port    int
	User    string
	KeyPath string
}

// HostProfile describes how to reach and authenticate against one remote
// endpoint. Profiles are immutable once built and looked up by Name.
type HostProfile struct {
	Name    string
	Address string
	Port    int
	User    string
	Auth    AuthConfig

	// Host key policy. One of KnownHostsFile or TrustedHostKey is required
	// unless InsecureIgnoreHostKey is set.
	KnownHostsFile        string
	TrustedHostKey        string
	InsecureIgnoreHostKey bool

	Bastion *BastionConfig

	// MaxConcurrency bounds both the sessions the pool keeps for this host
	// and the workers a job against it may run.
	MaxConcurrency   int
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// Endpoint returns host:port
func (h HostProfile) Endpoint() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return h.Address + ":" + strconv.Itoa(port)
}

// Concurrency returns MaxConcurrency, never less than one
func (h HostProfile) Concurrency() int {
	if h.MaxConcurrency < 1 {
		return 1
	}
	return h.MaxConcurrency
}
