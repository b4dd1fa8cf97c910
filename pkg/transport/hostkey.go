package transport

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sdejongh/courier/internal/platform"
	"github.com/sdejongh/courier/pkg/models"
)

// buildHostKeyCallback returns the verifier for a profile. A profile
// without a verification source is refused unless it explicitly opts out.
func buildHostKeyCallback(host models.HostProfile) (ssh.HostKeyCallback, error) {
	if host.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if host.TrustedHostKey != "" {
		key, err := ParseTrustedHostKey(host.TrustedHostKey)
		if err != nil {
			return nil, err
		}
		return ssh.FixedHostKey(key), nil
	}

	if host.KnownHostsFile != "" {
		path, err := platform.ExpandHome(host.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		callback, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", path, err)
		}
		return callback, nil
	}

	return nil, fmt.Errorf("no host key verification configured for %s (set known_hosts or trusted_host_key)", host.Name)
}

// ParseTrustedHostKey accepts an authorized_keys style line
// ("ssh-ed25519 AAAA... comment") or the bare base64 key blob.
func ParseTrustedHostKey(s string) (ssh.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, " ") {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("failed to parse trusted host key: %w", err)
		}
		return key, nil
	}

	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode trusted host key: %w", err)
	}
	key, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted host key: %w", err)
	}
	return key, nil
}
