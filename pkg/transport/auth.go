package transport

import (
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/sdejongh/courier/internal/platform"
	"github.com/sdejongh/courier/pkg/models"
)

// buildAuthMethods returns the ssh auth methods for a profile. The returned
// closer releases the agent connection, if one was opened.
func buildAuthMethods(auth models.AuthConfig) ([]ssh.AuthMethod, io.Closer, error) {
	method := auth.Method
	if method == "" {
		method = inferAuthMethod(auth)
	}

	switch method {
	case models.AuthPassword:
		password := auth.Password
		if auth.PasswordEnv != "" {
			password = os.Getenv(auth.PasswordEnv)
		}
		if password == "" {
			return nil, nil, fmt.Errorf("password authentication requires password or password_env to be set")
		}
		return []ssh.AuthMethod{ssh.Password(password)}, nil, nil

	case models.AuthAgent:
		return buildAgentAuth()

	case models.AuthCertificate:
		certAuth, err := buildCertificateAuth(auth)
		if err != nil {
			return nil, nil, fmt.Errorf("certificate authentication failed: %w", err)
		}
		return []ssh.AuthMethod{certAuth}, nil, nil

	case models.AuthPrivateKey:
		signer, err := loadSigner(auth.KeyPath, auth.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil, nil
	}

	return nil, nil, fmt.Errorf("unsupported auth method %q", method)
}

func inferAuthMethod(auth models.AuthConfig) models.AuthMethod {
	switch {
	case auth.Password != "" || auth.PasswordEnv != "":
		return models.AuthPassword
	case auth.CertificatePath != "":
		return models.AuthCertificate
	case auth.KeyPath != "":
		return models.AuthPrivateKey
	default:
		return models.AuthAgent
	}
}

func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("no SSH private key provided (set key_path)")
	}
	expanded, err := platform.ExpandHome(keyPath)
	if err != nil {
		return nil, err
	}
	keyData, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}
	return signer, nil
}

func buildCertificateAuth(auth models.AuthConfig) (ssh.AuthMethod, error) {
	signer, err := loadSigner(auth.KeyPath, auth.Passphrase)
	if err != nil {
		return nil, err
	}
	if auth.CertificatePath == "" {
		return nil, fmt.Errorf("certificate auth requires certificate_path")
	}

	certPath, err := platform.ExpandHome(auth.CertificatePath)
	if err != nil {
		return nil, err
	}
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	cert, ok := pubKey.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("provided file is not an SSH certificate")
	}

	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate signer: %w", err)
	}

	return ssh.PublicKeys(certSigner), nil
}

func buildAgentAuth() ([]ssh.AuthMethod, io.Closer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
	}
	client := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, conn, nil
}
