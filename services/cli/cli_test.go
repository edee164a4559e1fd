package cli

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espctl/pkg/espapi"
	"espctl/pkg/espapi/espapitest"
	"espctl/services/cve"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func execute(t *testing.T, args ...string) result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code := Execute(ctx, args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// pointAt routes the client to srv through the environment, the way a proxy deployment would.
func pointAt(t *testing.T, srv *espapitest.Server) []string {
	t.Helper()
	cfg := srv.Config()
	t.Setenv("ESP_API_BASE_URL", cfg.BaseURL)
	t.Setenv("ESP_API_STREAM_URL", cfg.StreamURL)
	return []string{
		"--domain", "esp.test",
		"--username", espapitest.Username,
		"--password", espapitest.Password,
		"--log-format", "text",
		"--output-dir", t.TempDir(),
	}
}

func TestMissingCredentials(t *testing.T) {
	for _, env := range []string{"ESP_DOMAIN", "ESP_USERNAME", "ESP_PASSWORD"} {
		t.Setenv(env, "")
	}

	res := execute(t, "query", "--sql", "select 1;")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, `required flag(s) "domain", "username", "password" not set`)
}

func TestCredentialsFromEnvironment(t *testing.T) {
	t.Setenv("ESP_DOMAIN", "esp.test")
	t.Setenv("ESP_USERNAME", "admin")
	t.Setenv("ESP_PASSWORD", "")

	res := execute(t, "query", "--sql", "select 1;")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, `required flag(s) "password" not set`)
}

func TestMissingRequiredFlag(t *testing.T) {
	tests := []struct {
		args []string
		flag string
	}{
		{args: []string{"prefetch"}, flag: "host_identifier"},
		{args: []string{"programs", "--host_identifier", "H1"}, flag: "pack_name"},
		{args: []string{"cve"}, flag: "nvd_feed"},
		{args: []string{"query"}, flag: "sql"},
		{args: []string{"carves", "fetch", "--host_identifier", "H1"}, flag: "query_id"},
	}
	for _, tc := range tests {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			args := append([]string{"--domain", "esp.test", "--username", "u", "--password", "p"}, tc.args...)
			res := execute(t, args...)
			assert.Equal(t, 1, res.code)
			assert.Contains(t, res.stderr, `required flag(s) "`+tc.flag+`" not set`)
		})
	}
}

func TestQueryPrintsFirstBatch(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/distributed/add", http.StatusOK, map[string]any{"status": "success", "query_id": 9})
	srv.Stream("9", map[string]any{"data": []map[string]string{
		{"name": "cmd.exe", "pid": "4"},
		{"name": "lsass.exe", "pid": "612"},
	}})

	args := append(pointAt(t, srv), "query", "--sql", "select name, pid from processes;",
		"--host_identifier", "H1", "--host_identifier", "H2", "--tag", "prod")
	res := execute(t, args...)
	require.Equal(t, 0, res.code, res.stderr)

	assert.Contains(t, res.stdout, "name")
	assert.Contains(t, res.stdout, "pid")
	assert.Contains(t, res.stdout, "lsass.exe")
	assert.Contains(t, res.stdout, "612")
	assert.Less(t, strings.Index(res.stdout, "cmd.exe"), strings.Index(res.stdout, "lsass.exe"))

	reqs := srv.Requests(http.MethodPost, "/distributed/add")
	require.Len(t, reqs, 1)
	var body map[string]string
	require.NoError(t, reqs[0].Decode(&body))
	assert.Equal(t, "H1,H2", body["nodes"])
	assert.Equal(t, "prod", body["tags"])
}

func TestQueryRejected(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/distributed/add", http.StatusOK, map[string]any{"status": "failure", "message": "No active hosts"})

	res := execute(t, append(pointAt(t, srv), "query", "--sql", "select 1;")...)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "No active hosts")
}

func TestBadCredentialsFail(t *testing.T) {
	srv := espapitest.NewServer(t)
	args := pointAt(t, srv)
	args[5] = "wrong"

	res := execute(t, append(args, "carves", "list", "--host_identifier", "H1")...)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, espapi.ErrUnauthorized.Error())
	assert.Empty(t, srv.Requests(http.MethodPost, "/carves"))
}

func TestCarvesList(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/carves", http.StatusOK, espapitest.Listing(
		espapi.Carve{ID: "3", SessionID: "S3", Status: "COMPLETED", CarveSize: 2048, BlockCount: 1, CreatedAt: "2024-01-02"},
	))

	res := execute(t, append(pointAt(t, srv), "carves", "list", "--host_identifier", "H1")...)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "S3")
	assert.Contains(t, res.stdout, "COMPLETED")
	assert.Contains(t, res.stdout, "2.0 kB")

	reqs := srv.Requests(http.MethodPost, "/carves")
	require.Len(t, reqs, 1)
	var body map[string]string
	require.NoError(t, reqs[0].Decode(&body))
	assert.Equal(t, "H1", body["host_identifier"])
}

func TestProgramsRejectsUnknownFormat(t *testing.T) {
	res := execute(t, "--domain", "d", "--username", "u", "--password", "p",
		"programs", "--pack_name", "apps", "--host_identifier", "H0", "--format", "pdf")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "pdf")
}

func TestRunsNeedDatabase(t *testing.T) {
	t.Setenv("ESP_DATABASE_URL", "")

	res := execute(t, "runs", "list")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "--database-url")
	assert.NotContains(t, res.stderr, "required flag(s)")

	res = execute(t, "runs", "show", "not-a-uuid")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, `invalid run id "not-a-uuid"`)
}

func TestSettingsPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "espctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 4
log:
  level: debug
poll:
  interval: 5s
  max_attempts: 10
cve:
  csv2cpe: "csv2cpe -x"
`), 0o600))
	t.Setenv("ESP_S3_BUCKET", "carves")
	t.Setenv("ESP_POLL_MAX_ATTEMPTS", "20")

	cmd := newRootCommand(newApp(nil, nil))
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--workers", "3"}))
	v, err := newViper(cmd)
	require.NoError(t, err)
	s := loadSettings(v)

	assert.Equal(t, 3, s.Workers, "flag beats config")
	assert.Equal(t, 20, s.PollMaxAttempts, "env beats config")
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 5*time.Second, s.PollInterval)
	assert.Equal(t, "carves", s.S3Bucket)
	assert.Equal(t, "csv2cpe -x", s.CSV2CPE)
	assert.Equal(t, 5, s.PageSize)
	assert.True(t, s.Insecure)
}

func TestSettingsDefaults(t *testing.T) {
	t.Setenv("ESP_OUTPUT_DIR", "")
	t.Setenv("ESP_DATABASE_URL", "")
	fs := pflag.NewFlagSet("espctl", pflag.ContinueOnError)
	addPersistentFlags(fs)
	require.NoError(t, fs.Parse(nil))

	v, err := bindSettings(fs)
	require.NoError(t, err)
	s := loadSettings(v)

	assert.Equal(t, ".", s.OutputDir)
	assert.Equal(t, 1, s.Workers)
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, 30*time.Second, s.PollInterval)
	assert.Zero(t, s.PollMaxAttempts)
	assert.Empty(t, s.DatabaseURL)
}

func TestMessagesApplyOverrides(t *testing.T) {
	engine, err := messages(Settings{CPE2CVE: "cpe2cve -feed {{ .Feed }}"})
	require.NoError(t, err)

	got, err := engine.Render(cve.CPE2CVETemplate, map[string]string{"Feed": "nvd.json"})
	require.NoError(t, err)
	assert.Equal(t, "cpe2cve -feed nvd.json", strings.TrimSpace(got))

	got, err = engine.Render(cve.CSV2CPETemplate, map[string]string{"Feed": "nvd.json"})
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(got))
}
