package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/ent0n29/memsync/internal/auth"
	"github.com/ent0n29/memsync/internal/config"
	"github.com/ent0n29/memsync/internal/events"
	"github.com/ent0n29/memsync/internal/httpapi"
	"github.com/ent0n29/memsync/internal/observability"
	"github.com/ent0n29/memsync/internal/repository"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-config", "p.yaml", "download", "-clear-on-empty"})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if opts.configPath != "p.yaml" || opts.command != "download" || !opts.clearOnEmpty {
		t.Fatalf("unexpected options: %+v", opts)
	}

	opts, err = parseArgs([]string{"recall", "-n", "5", "-files", "trip", "plans"})
	if err != nil {
		t.Fatalf("parseArgs(recall) error = %v", err)
	}
	if opts.configPath != "memsync.yaml" || opts.maxResults != 5 || !opts.withFiles || strings.Join(opts.args, " ") != "trip plans" {
		t.Fatalf("unexpected recall options: %+v", opts)
	}
}

func TestParseArgsRejectsBadInput(t *testing.T) {
	cases := [][]string{
		{},
		{"sing"},
		{"login", "alice"},
		{"register", "", "pw"},
		{"upload", "extra"},
		{"recall"},
		{"recall", "-n", "-1", "q"},
		{"ingest", "a", "b"},
		{"download", "-pull"},
	}
	for _, args := range cases {
		if _, err := parseArgs(args); err == nil {
			t.Fatalf("parseArgs(%q) should fail", args)
		}
	}
}

func TestReadTurns(t *testing.T) {
	var got []string
	n, err := readTurns(context.Background(), strings.NewReader("hi\thello\r\n\nhow are you?\tfine, thanks\n"), func(user, reply string) {
		got = append(got, user+"|"+reply)
	})
	if err != nil || n != 2 {
		t.Fatalf("readTurns() = %d, %v", n, err)
	}
	if got[0] != "hi|hello" || got[1] != "how are you?|fine, thanks" {
		t.Fatalf("turns = %q", got)
	}

	if _, err := readTurns(context.Background(), strings.NewReader("no tab here\n"), func(string, string) {}); err == nil {
		t.Fatalf("readTurns() should reject a line without a tab")
	}
}

func TestReadTurnsStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	n, err := readTurns(ctx, strings.NewReader("a\t1\nb\t2\nc\t3\n"), func(user, reply string) {
		got = append(got, user)
		cancel()
	})
	if err != nil {
		t.Fatalf("readTurns() error = %v", err)
	}
	if n != 1 || len(got) != 1 || got[0] != "a" {
		t.Fatalf("readTurns() after cancel = %d, %q; want only the first turn", n, got)
	}
}

func writeProfile(t *testing.T, serverURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "memsync.yaml")
	body := fmt.Sprintf(`server_url: %s/api
data_dir: %s
gateway:
  embedder: mock
  summarizer: mock
`, serverURL, filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	opts, err := parseArgs(args)
	if err != nil {
		t.Fatalf("parseArgs(%q) error = %v", args, err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), opts, strings.NewReader(stdin), &out); err != nil {
		t.Fatalf("run(%q) error = %v", args, err)
	}
	return out.String()
}

func TestCommandsSyncMemoryBetweenProfiles(t *testing.T) {
	for _, key := range []string{"MEMSYNC_SERVER_URL", "MEMSYNC_DATA_DIR", "MEMSYNC_INSECURE_SKIP_VERIFY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		t.Setenv(key, "")
	}
	svc, err := auth.NewService(auth.NewInMemoryStore(), auth.ServiceConfig{Secret: []byte("cli-secret"), BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	metrics := observability.NewMetrics("test_memsync_cli")
	api := httpapi.New(config.Config{MaxUploadBytes: 1 << 20}, svc, repository.NewInMemoryStore(), events.NewHub(4, metrics), metrics, "memory")
	ts := httptest.NewServer(api.Router())
	defer ts.Close()

	laptop := writeProfile(t, ts.URL)
	phone := writeProfile(t, ts.URL)

	if out := runCLI(t, "", "-config", laptop, "register", "alice", "pw"); !strings.Contains(out, "User registered successfully") {
		t.Fatalf("register output = %q", out)
	}
	runCLI(t, "", "-config", laptop, "login", "alice", "pw")
	sessionPath := filepath.Join(filepath.Dir(laptop), "data", sessionFile)
	if info, err := os.Stat(sessionPath); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("session file = %v, %v", info, err)
	}

	turns := "trip\tLisbon sounds good\nwhen\tJune\nbudget\taround 2k\nhotel\tnear Alfama\nextra\tbuffered then flushed\n"
	if out := runCLI(t, turns, "-config", laptop, "ingest"); !strings.Contains(out, "5 turns recorded, 2 memories stored") {
		t.Fatalf("ingest output = %q", out)
	}
	if out := runCLI(t, "", "-config", laptop, "upload"); !strings.Contains(out, "2 chat records uploaded successfully") {
		t.Fatalf("upload output = %q", out)
	}

	runCLI(t, "", "-config", phone, "login", "alice", "pw")
	if out := runCLI(t, "", "-config", phone, "download"); !strings.Contains(out, "2 chat records downloaded") {
		t.Fatalf("download output = %q", out)
	}
	out := runCLI(t, "", "-config", phone, "recall", "User talked about: trip; when; budget; hotel")
	if !strings.Contains(out, "From conversation summary") || !strings.Contains(out, "'User talked about: trip; when; budget; hotel'") {
		t.Fatalf("recall output = %q", out)
	}

	runCLI(t, "", "-config", phone, "logout")
	if _, err := os.Stat(filepath.Join(filepath.Dir(phone), "data", sessionFile)); !os.IsNotExist(err) {
		t.Fatalf("logout should remove the session file, stat err = %v", err)
	}
	opts, _ := parseArgs([]string{"-config", phone, "upload"})
	if err := run(context.Background(), opts, strings.NewReader(""), &bytes.Buffer{}); err == nil || !strings.Contains(describe(err), "Not authenticated") {
		t.Fatalf("upload after logout error = %v", err)
	}
}

func TestRecallReadsQueriesFromStdin(t *testing.T) {
	for _, key := range []string{"MEMSYNC_SERVER_URL", "MEMSYNC_DATA_DIR", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		t.Setenv(key, "")
	}
	profile := writeProfile(t, "http://127.0.0.1:1")
	notes := filepath.Join(filepath.Dir(profile), "notes")
	if err := os.MkdirAll(notes, 0o755); err != nil {
		t.Fatalf("mkdir notes: %v", err)
	}
	for name, body := range map[string]string{"lisbon.md": "lisbon in june", "budget.md": "budget around 2k"} {
		if err := os.WriteFile(filepath.Join(notes, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	f, err := os.OpenFile(profile, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open profile: %v", err)
	}
	if _, err := fmt.Fprintf(f, "files:\n  folder: %s\n", notes); err != nil {
		t.Fatalf("append profile: %v", err)
	}
	f.Close()

	out := runCLI(t, "lisbon in june\n\nbudget around 2k\n", "-config", profile, "recall", "-files", "-")
	first := strings.Index(out, "> lisbon in june\n")
	second := strings.Index(out, "> budget around 2k\n")
	if first < 0 || second < first {
		t.Fatalf("recall output = %q, want one section per query in order", out)
	}
	if !strings.Contains(out[first:second], "Content: 'lisbon in june'") {
		t.Fatalf("first answer = %q", out[first:second])
	}
	if !strings.Contains(out[second:], "Content: 'budget around 2k'") {
		t.Fatalf("second answer = %q", out[second:])
	}
}
