package cli

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/sdejongh/courier/pkg/config"
	"github.com/sdejongh/courier/pkg/models"
)

const (
	testUser     = "courier"
	testPassword = "s3cret"
)

// sftpServer is a loopback ssh server whose connections all share one
// in-memory sftp filesystem
type sftpServer struct {
	address string
	port    int
	hostKey string
}

func startServer(t *testing.T) *sftpServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	handlers := sftp.InMemHandler()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn, config, handlers)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &sftpServer{
		address: host,
		port:    port,
		hostKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
	}
}

func serve(conn net.Conn, config *ssh.ServerConfig, handlers sftp.Handlers) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(requests)
		go func() {
			server := sftp.NewRequestServer(channel, handlers)
			server.Serve()
			server.Close()
		}()
	}
}

// hostYAML renders the hosts section for srv
func (srv *sftpServer) hostYAML() string {
	return fmt.Sprintf(`hosts:
  box:
    address: %s
    port: %d
    user: %s
    auth:
      method: password
      password: %s
    trusted_host_key: %q
    max_concurrency: 2
`, srv.address, srv.port, testUser, testPassword, srv.hostKey)
}

type fixture struct {
	dir     string
	config  string
	site    string
	out     string
	journal string
}

// newFixture writes a local site tree and a configuration uploading it to
// srv and downloading it back
func newFixture(t *testing.T, srv *sftpServer, extraJobs string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		config:  filepath.Join(dir, "config.yaml"),
		site:    filepath.Join(dir, "site"),
		out:     filepath.Join(dir, "out"),
		journal: filepath.Join(dir, "state", "journal.db"),
	}

	files := map[string]string{
		"index.html":  "<h1>hello</h1>",
		"css/app.css": "body{}",
		"tmp/x.tmp":   "scratch",
	}
	for rel, content := range files {
		p := filepath.Join(f.site, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := srv.hostYAML() + fmt.Sprintf(`defaults:
  exclude: ["*.tmp"]
  retry:
    initial_delay: 10ms
jobs:
  - name: publish
    host: box
    sources: [%q]
    destination: /srv/site
    mode: mirror
    comparison: namesize
  - name: fetch
    host: box
    direction: download
    sources: [/srv/site]
    destination: %q
%s
journal:
  path: %q
`, f.site, f.out, extraJobs, f.journal)
	if err := os.WriteFile(f.config, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	return f
}

// execute runs the command tree and returns what it printed
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func decodeReports(t *testing.T, out string) []map[string]interface{} {
	t.Helper()
	var reports []map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(out))
	for {
		var r map[string]interface{}
		if err := dec.Decode(&r); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("invalid json output: %v\n%s", err, out)
		}
		reports = append(reports, r)
	}
	return reports
}

func TestRun_UploadThenDownload(t *testing.T) {
	srv := startServer(t)
	f := newFixture(t, srv, "")

	out, err := execute(t, "run", "--config", f.config, "--output", "json")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}

	reports := decodeReports(t, out)
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2:\n%s", len(reports), out)
	}
	for _, r := range reports {
		if r["status"] != "success" {
			t.Errorf("job %v status = %v", r["job"], r["status"])
		}
	}
	if reports[0]["run_id"] != reports[1]["run_id"] {
		t.Error("jobs of one run must share the run ID")
	}

	for rel, want := range map[string]string{"index.html": "<h1>hello</h1>", "css/app.css": "body{}"} {
		got, err := os.ReadFile(filepath.Join(f.out, rel))
		if err != nil || string(got) != want {
			t.Errorf("%s = %q, %v; want %q", rel, got, err, want)
		}
	}
	if _, err := os.Stat(filepath.Join(f.out, "tmp", "x.tmp")); !os.IsNotExist(err) {
		t.Error("excluded file must not be transferred")
	}

	t.Run("history lists the run", func(t *testing.T) {
		out, err := execute(t, "history", "--config", f.config)
		if err != nil {
			t.Fatalf("history error = %v", err)
		}
		if !strings.Contains(out, "publish") || !strings.Contains(out, "fetch") {
			t.Errorf("history missing jobs:\n%s", out)
		}
	})

	t.Run("history of one run", func(t *testing.T) {
		runID := reports[0]["run_id"].(string)
		out, err := execute(t, "history", "--config", f.config, "--output", "json", runID)
		if err != nil {
			t.Fatalf("history error = %v", err)
		}
		var records []map[string]interface{}
		if err := json.Unmarshal([]byte(out), &records); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if len(records) != 2 || records[0]["job"] != "publish" {
			t.Errorf("records = %v", records)
		}
	})

	t.Run("second mirror has nothing to do", func(t *testing.T) {
		out, err := execute(t, "run", "--config", f.config, "--output", "json", "--job", "publish", "--no-journal")
		if err != nil {
			t.Fatalf("run error = %v", err)
		}
		reports := decodeReports(t, out)
		stats := reports[0]["stats"].(map[string]interface{})
		if stats["units"].(float64) != 0 {
			t.Errorf("units = %v, want 0", stats["units"])
		}
	})
}

func TestRun_DryRun(t *testing.T) {
	srv := startServer(t)
	f := newFixture(t, srv, "")

	out, err := execute(t, "run", "--config", f.config, "--dry-run", "--job", "publish", "--output", "human")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "[dry-run]") || !strings.Contains(out, "Skipped:      2") {
		t.Errorf("unexpected output:\n%s", out)
	}

	// nothing was uploaded, so fetching finds no source
	_, err = execute(t, "run", "--config", f.config, "--job", "fetch", "--output", "json")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != models.StatusFailed.ExitCode() {
		t.Errorf("fetch after dry run error = %v, want exit %d", err, models.StatusFailed.ExitCode())
	}
}

func TestRun_JobErrorExitCode(t *testing.T) {
	srv := startServer(t)
	f := newFixture(t, srv, `  - name: broken
    host: box
    sources: [/does/not/exist]
    destination: /srv/broken/`)

	out, err := execute(t, "run", "--config", f.config, "--output", "json", "--report-file", filepath.Join(f.dir, "report.json"), "--report-format", "json")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("run error = %v, want exit code 2\n%s", err, out)
	}

	reports := decodeReports(t, out)
	if len(reports) != 3 || reports[2]["status"] != "failed" {
		t.Fatalf("reports = %v", reports)
	}
	if reports[0]["status"] != "success" || reports[1]["status"] != "success" {
		t.Error("a failing job must not affect the others")
	}

	data, err := os.ReadFile(filepath.Join(f.dir, "report.json"))
	if err != nil {
		t.Fatalf("report file: %v", err)
	}
	if !strings.Contains(string(data), `"exit_code": 2`) {
		t.Errorf("report file:\n%s", data)
	}
}

func TestRun_SelectionErrors(t *testing.T) {
	srv := startServer(t)
	f := newFixture(t, srv, "")

	if _, err := execute(t, "run", "--config", f.config, "--job", "nope"); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("unknown job error = %v", err)
	}
	if _, err := execute(t, "run", "--config", f.config, "--bandwidth", "fast"); err == nil {
		t.Error("invalid bandwidth should fail")
	}
	if _, err := execute(t, "run", "--config", f.config, "--output", "xml"); err == nil {
		t.Error("invalid output format should fail")
	}
}

func TestPlan(t *testing.T) {
	srv := startServer(t)
	f := newFixture(t, srv, "")

	out, err := execute(t, "plan", "--config", f.config, "--job", "publish")
	if err != nil {
		t.Fatalf("plan error = %v\n%s", err, out)
	}
	for _, want := range []string{
		"Job publish (upload, mirror on box): 2 units",
		"/srv/site/index.html",
		"/srv/site/css/app.css",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "plan", "--config", f.config, "--job", "fetch", "--output", "json")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("plan of a missing remote source error = %v", err)
	}
	if !strings.Contains(out, `"error_kind": "not_found"`) {
		t.Errorf("plan json:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	srv := startServer(t)
	f := newFixture(t, srv, "")

	out, err := execute(t, "validate", "--config", f.config, "--connect")
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration OK: 1 hosts, 2 jobs") || !strings.Contains(out, "✓ box") {
		t.Errorf("unexpected output:\n%s", out)
	}

	t.Run("invalid", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		os.WriteFile(bad, []byte(`hosts:
  box:
    address: example.com
jobs:
  - name: x
    host: ghost
    sources: [/a]
    destination: /b
`), 0600)
		_, err := execute(t, "validate", "--config", bad)
		if err == nil {
			t.Fatal("expected validation error")
		}
		for _, field := range []string{"hosts.box.user", "hosts.box:", "jobs.x.host"} {
			if !strings.Contains(err.Error(), field) {
				t.Errorf("error does not mention %s:\n%v", field, err)
			}
		}
	})

	t.Run("unreachable host", func(t *testing.T) {
		cfg := strings.Replace(srv.hostYAML(), "password: "+testPassword, "password: wrong", 1)
		p := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(p, []byte(cfg), 0600)
		out, err := execute(t, "validate", "--config", p, "--connect")
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || !strings.Contains(out, "✗ box") || !strings.Contains(out, "authentication") {
			t.Errorf("validate error = %v\n%s", err, out)
		}
	})
}

func TestConfigInitAndShow(t *testing.T) {
	p := filepath.Join(t.TempDir(), "courier", "config.yaml")

	out, err := execute(t, "config", "init", "--config", p)
	if err != nil || !strings.Contains(out, p) {
		t.Fatalf("init = %q, %v", out, err)
	}
	if _, err := execute(t, "config", "init", "--config", p); err == nil {
		t.Error("init must not overwrite without --force")
	}
	if _, err := execute(t, "config", "init", "--config", p, "--force"); err != nil {
		t.Errorf("init --force error = %v", err)
	}

	srv := startServer(t)
	f := newFixture(t, srv, "")
	out, err = execute(t, "config", "show", "--config", f.config)
	if err != nil {
		t.Fatalf("show error = %v", err)
	}
	if strings.Contains(out, testPassword) || !strings.Contains(out, "********") {
		t.Errorf("password must be masked:\n%s", out)
	}
	if !strings.Contains(out, "max_attempts: 3") {
		t.Errorf("defaults missing:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version", "--short")
	if err != nil || strings.TrimSpace(out) != Version {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestParseBandwidth(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"512", 512, false},
		{"10M", 10 * 1024 * 1024, false},
		{"1GiB", 1 << 30, false},
		{"256k/s", 256 * 1024, false},
		{"fast", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBandwidth(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseBandwidth(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseBandwidth(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestCreateLogger_VerboseWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevVerbose := logStderr, globalFlags.Verbose
	logStderr = &buf
	t.Cleanup(func() { logStderr, globalFlags.Verbose = prevOut, prevVerbose })

	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		verbose bool
		want    bool
	}{
		{"disabled", config.LoggingConfig{Enabled: false}, false, false},
		{"disabled verbose", config.LoggingConfig{Enabled: false}, true, true},
		{"no file verbose", config.LoggingConfig{Enabled: true, Format: "json"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			globalFlags.Verbose = tt.verbose
			logger, err := createLogger(tt.cfg)
			if err != nil {
				t.Fatalf("createLogger() error = %v", err)
			}
			defer logger.Close()
			logger.Debug(context.Background(), "verbose debug line", nil)
			if got := strings.Contains(buf.String(), "verbose debug line"); got != tt.want {
				t.Errorf("debug line on stderr = %v, want %v (%q)", got, tt.want, buf.String())
			}
		})
	}
}
