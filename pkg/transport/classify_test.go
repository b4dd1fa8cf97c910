package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/sftp"

	"github.com/sdejongh/courier/pkg/models"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "read tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      models.ErrorKind
		reconnect bool
	}{
		{"not exist", fmt.Errorf("open: %w", os.ErrNotExist), models.KindNotFound, false},
		{"permission", os.ErrPermission, models.KindPermission, false},
		{"eof", io.EOF, models.KindTransient, true},
		{"unexpected eof", io.ErrUnexpectedEOF, models.KindTransient, true},
		{"sftp connection lost", sftp.ErrSSHFxConnectionLost, models.KindTransient, true},
		{"reset", fmt.Errorf("write: %w", syscall.ECONNRESET), models.KindTransient, true},
		{"broken pipe message", errors.New("write tcp 10.0.0.1:22: broken pipe"), models.KindTransient, true},
		{"net timeout", timeoutErr{}, models.KindTransient, true},
		{"deadline", context.DeadlineExceeded, models.KindTransient, true},
		{"cancelled", context.Canceled, models.KindCancelled, false},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), models.KindAuthentication, false},
		{"refused", errors.New("dial tcp 10.0.0.1:22: connect: connection refused"), models.KindConnection, false},
		{"unknown", errors.New("disk quota exceeded"), models.KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("op", "/p", tt.err)
			var te *models.TransferError
			if !errors.As(err, &te) {
				t.Fatalf("Classify() = %T, want *models.TransferError", err)
			}
			if te.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", te.Kind, tt.kind)
			}
			if te.Reconnect != tt.reconnect {
				t.Errorf("Reconnect = %v, want %v", te.Reconnect, tt.reconnect)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error must wrap its cause")
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	if Classify("op", "", nil) != nil {
		t.Error("nil should stay nil")
	}
	orig := models.NewTransferError(models.KindVerification, "verify", "/x", errors.New("size mismatch"))
	if got := Classify("other", "/y", orig); got != error(orig) {
		t.Errorf("already classified error was rewrapped: %v", got)
	}
}

func TestClassifyDial(t *testing.T) {
	if got := models.KindOf(ClassifyDial("dial", "h", errors.New("something odd"))); got != models.KindConnection {
		t.Errorf("unrecognised dial error kind = %s, want connection", got)
	}
	if got := models.KindOf(ClassifyDial("dial", "h", io.EOF)); got != models.KindConnection {
		t.Errorf("eof during dial kind = %s, want connection", got)
	}
	authErr := errors.New("ssh: handshake failed: ssh: unable to authenticate")
	if got := models.KindOf(ClassifyDial("handshake", "h", authErr)); got != models.KindAuthentication {
		t.Errorf("auth failure kind = %s, want authentication", got)
	}
}
