package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sdejongh/courier/pkg/models"
)

// SFTP status codes (draft-ietf-secsh-filexfer-02)
const (
	fxEOF              = 1
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
	fxFailure          = 4
	fxNoConnection     = 6
	fxConnectionLost   = 7
	fxOpUnsupported    = 8
)

var connectionLostMessages = []string{
	"connection lost",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
	"closed pipe",
	"server disconnect",
	"ssh: disconnect",
	"i/o timeout",
}

var unreachableMessages = []string{
	"connection refused",
	"no route to host",
	"network is unreachable",
	"no such host",
	"temporary failure in name resolution",
}

var authMessages = []string{
	"unable to authenticate",
	"no supported methods remain",
	"host key mismatch",
	"knownhosts: key is unknown",
	"ssh: host key",
}

// Classify wraps err in a *models.TransferError. Errors already classified
// pass through unchanged.
func Classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var te *models.TransferError
	if errors.As(err, &te) {
		return err
	}
	kind, reconnect := classify(err, models.KindUnknown)
	return &models.TransferError{Kind: kind, Op: op, Path: path, Err: err, Reconnect: reconnect}
}

// ClassifyDial classifies an error raised while opening a session. Anything
// not recognised as an authentication problem is a connection failure.
func ClassifyDial(op, host string, err error) error {
	if err == nil {
		return nil
	}
	kind, _ := classify(err, models.KindConnection)
	switch kind {
	case models.KindAuthentication, models.KindCancelled, models.KindConfiguration:
	default:
		kind = models.KindConnection
	}
	return &models.TransferError{Kind: kind, Op: op, Path: host, Err: err}
}

func classify(err error, fallback models.ErrorKind) (models.ErrorKind, bool) {
	if errors.Is(err, context.Canceled) {
		return models.KindCancelled, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// The operation timed out; the channel is in an unknown state
		return models.KindTransient, true
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return models.KindAuthentication, false
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return models.KindAuthentication, false
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case fxNoSuchFile:
			return models.KindNotFound, false
		case fxPermissionDenied:
			return models.KindPermission, false
		case fxNoConnection, fxConnectionLost:
			return models.KindTransient, true
		case fxEOF:
			return models.KindTransient, false
		case fxOpUnsupported:
			return models.KindConfiguration, false
		case fxFailure:
			return models.KindUnknown, false
		}
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return models.KindNotFound, false
	case errors.Is(err, os.ErrPermission):
		return models.KindPermission, false
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return models.KindTransient, true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return models.KindTransient, true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return models.KindTransient, true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return models.KindConnection, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.KindTransient, true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range authMessages {
		if strings.Contains(msg, m) {
			return models.KindAuthentication, false
		}
	}
	for _, m := range unreachableMessages {
		if strings.Contains(msg, m) {
			return models.KindConnection, false
		}
	}
	for _, m := range connectionLostMessages {
		if strings.Contains(msg, m) {
			return models.KindTransient, true
		}
	}

	return fallback, false
}
