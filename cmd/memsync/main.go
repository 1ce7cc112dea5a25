package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ent0n29/memsync/internal/apperr"
	"github.com/ent0n29/memsync/internal/config"
	"github.com/ent0n29/memsync/internal/filecontext"
	"github.com/ent0n29/memsync/internal/gateway"
	"github.com/ent0n29/memsync/internal/memory"
	"github.com/ent0n29/memsync/internal/protocol"
	"github.com/ent0n29/memsync/internal/syncclient"
)

const sessionFile = "session.json"

type options struct {
	configPath   string
	command      string
	args         []string
	clearOnEmpty bool
	pull         bool
	maxResults   int
	withFiles    bool
}

const usage = `usage: memsync [-config file] <command> [flags] [args]

commands:
  register <username> <password>   create an account
  login <username> <password>      sign in and keep the token for later commands
  logout                           forget the stored token
  upload                           replace the remote memory with the local one
  download [-clear-on-empty]       replace the local memory with the remote one
  ingest [file]                    record "user<TAB>reply" lines (stdin by default) and summarize them
  recall [-n N] [-files] <query>   print memories (and notes) relevant to query;
                                   "-" reads one query per line from stdin
  watch [-pull]                    print remote change events; -pull downloads on each one
`

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "memsync: %v\n\n%s", err, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "memsync: %s\n", describe(err))
		os.Exit(1)
	}
}

func parseArgs(args []string) (options, error) {
	var opts options
	global := flag.NewFlagSet("memsync", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	global.StringVar(&opts.configPath, "config", "memsync.yaml", "client profile (YAML)")
	if err := global.Parse(args); err != nil {
		return options{}, err
	}
	rest := global.Args()
	if len(rest) == 0 {
		return options{}, errors.New("a command is required")
	}
	opts.command = rest[0]

	cmd := flag.NewFlagSet(opts.command, flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	switch opts.command {
	case "download":
		cmd.BoolVar(&opts.clearOnEmpty, "clear-on-empty", false, "clear local memory when the server has none")
	case "watch":
		cmd.BoolVar(&opts.pull, "pull", false, "download after every change event")
	case "recall":
		cmd.IntVar(&opts.maxResults, "n", 0, "maximum memories to return (0 uses the profile)")
		cmd.BoolVar(&opts.withFiles, "files", false, "also search the notes folder")
	case "register", "login", "logout", "upload", "ingest":
	default:
		return options{}, fmt.Errorf("unknown command %q", opts.command)
	}
	if err := cmd.Parse(rest[1:]); err != nil {
		return options{}, err
	}
	opts.args = cmd.Args()

	switch opts.command {
	case "register", "login":
		if len(opts.args) != 2 || strings.TrimSpace(opts.args[0]) == "" || opts.args[1] == "" {
			return options{}, fmt.Errorf("%s needs <username> <password>", opts.command)
		}
	case "recall":
		if len(opts.args) == 0 {
			return options{}, errors.New("recall needs a query")
		}
		if opts.maxResults < 0 {
			return options{}, errors.New("-n must be >= 0")
		}
	case "ingest":
		if len(opts.args) > 1 {
			return options{}, errors.New("ingest takes at most one file")
		}
	default:
		if len(opts.args) != 0 {
			return options{}, fmt.Errorf("%s takes no arguments", opts.command)
		}
	}
	return opts, nil
}

type app struct {
	cfg         config.ClientConfig
	logs        *memory.Logs
	client      *syncclient.Client
	sessionPath string
}

func newApp(cfg config.ClientConfig) (*app, error) {
	logs, err := memory.OpenLogs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	client, err := syncclient.New(syncclient.Options{
		BaseURL:            cfg.ServerURL,
		AuthTimeout:        cfg.AuthTimeout,
		TransferTimeout:    cfg.TransferTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		CAFile:             cfg.CAFile,
	}, logs)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:         cfg,
		logs:        logs,
		client:      client,
		sessionPath: filepath.Join(cfg.DataDir, sessionFile),
	}
	if err := client.Session().Load(a.sessionPath); err != nil {
		return nil, err
	}
	return a, nil
}

func run(ctx context.Context, opts options, stdin io.Reader, out io.Writer) error {
	cfg, err := config.LoadClient(opts.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	switch opts.command {
	case "register":
		res, err := a.client.Register(ctx, opts.args[0], opts.args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (user_id=%d)\n", res.Message, res.UserID)
	case "login":
		res, err := a.client.Login(ctx, opts.args[0], opts.args[1])
		if err != nil {
			return err
		}
		if err := a.client.Session().Save(a.sessionPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (user_id=%d)\n", res.Message, res.UserID)
	case "logout":
		a.client.Logout()
		if err := a.client.Session().Save(a.sessionPath); err != nil {
			return err
		}
		fmt.Fprintln(out, "Logged out")
	case "upload":
		res, err := a.client.Upload(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.Message)
	case "download":
		n, saved, err := a.client.DownloadAndSave(ctx, opts.clearOnEmpty)
		if err != nil {
			return err
		}
		switch {
		case saved && n == 0:
			fmt.Fprintln(out, "No remote records; local memory cleared")
		case saved:
			fmt.Fprintf(out, "%d chat records downloaded\n", n)
		default:
			fmt.Fprintln(out, "No remote records; local memory kept")
		}
	case "ingest":
		return a.ingest(ctx, opts, stdin, out)
	case "recall":
		return a.recall(ctx, opts, stdin, out)
	case "watch":
		return a.watch(ctx, opts, out)
	}
	return nil
}

func (a *app) gateways() (gateway.Embedder, gateway.Summarizer, error) {
	g := a.cfg.Gateway
	return gateway.New(gateway.Config{
		Embedder:        g.Embedder,
		Summarizer:      g.Summarizer,
		OllamaURL:       g.OllamaURL,
		OpenAIBaseURL:   g.OpenAIBaseURL,
		OpenAIAPIKey:    g.OpenAIAPIKey,
		AnthropicAPIKey: g.AnthropicAPIKey,
		EmbedModel:      g.EmbedModel,
		SummaryModel:    g.SummaryModel,
		Temperature:     g.Temperature,
		Timeout:         g.Timeout,
	})
}

func (a *app) memoryStore() (*memory.Store, gateway.Embedder, error) {
	emb, sum, err := a.gateways()
	if err != nil {
		return nil, nil, err
	}
	m := a.cfg.Memory
	store, err := memory.NewStore(a.logs, emb, sum, memory.Config{
		SummaryInterval:        m.SummaryInterval,
		SummaryMaxLength:       m.SummaryMaxLength,
		SimilarityThreshold:    m.SimilarityThreshold,
		MaxResults:             m.MaxResults,
		PersistFailedSummaries: m.PersistFailedSummaries,
		RedactPII:              m.RedactPII,
		BackgroundFlush:        m.BackgroundFlush,
	})
	return store, emb, err
}

func (a *app) ingest(ctx context.Context, opts options, stdin io.Reader, out io.Writer) error {
	store, _, err := a.memoryStore()
	if err != nil {
		return err
	}
	in := stdin
	if len(opts.args) == 1 && opts.args[0] != "-" {
		f, err := os.Open(opts.args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	// Turns already read are summarized even after Ctrl-C.
	flushCtx := context.WithoutCancel(ctx)
	turns, err := readTurns(ctx, in, func(user, reply string) {
		store.RecordTurn(flushCtx, user, reply)
	})
	if err != nil {
		return err
	}
	outcome, err := store.Finalize(flushCtx)
	if err != nil {
		return err
	}
	merged, err := a.logs.Join()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d turns recorded, %d memories stored\n", turns, len(merged))
	if outcome.Degraded() {
		fmt.Fprintln(out, "warning: last summary was stored degraded")
	}
	return nil
}

// readTurns calls record for each "user<TAB>reply" line; blank lines are
// skipped. Reading stops once ctx is cancelled.
func readTurns(ctx context.Context, r io.Reader, record func(user, reply string)) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	n, line := 0, 0
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		user, reply, ok := strings.Cut(text, "\t")
		if !ok {
			return n, fmt.Errorf("line %d: expected user<TAB>reply", line)
		}
		record(user, reply)
		n++
	}
	return n, sc.Err()
}

func (a *app) recall(ctx context.Context, opts options, stdin io.Reader, out io.Writer) error {
	store, emb, err := a.memoryStore()
	if err != nil {
		return err
	}
	var idx *filecontext.Index
	if opts.withFiles && a.cfg.Files.Folder != "" {
		idx, err = filecontext.New(filecontext.Config{
			Folder:     a.cfg.Files.Folder,
			Patterns:   a.cfg.Files.Patterns,
			Threshold:  a.cfg.Files.Threshold,
			MaxResults: a.cfg.Files.MaxResults,
		}, emb)
		if err != nil {
			return err
		}
		defer idx.Close()
	}

	query := strings.Join(opts.args, " ")
	if query != "-" {
		return a.answer(ctx, store, idx, query, opts.maxResults, out)
	}
	// One query per line; the file index and its embedding cache are shared.
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		q := strings.TrimSpace(sc.Text())
		if q == "" {
			continue
		}
		fmt.Fprintf(out, "> %s\n", q)
		if err := a.answer(ctx, store, idx, q, opts.maxResults, out); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (a *app) answer(ctx context.Context, store *memory.Store, idx *filecontext.Index, query string, maxResults int, out io.Writer) error {
	matches, err := store.FindRelevant(ctx, query, maxResults)
	if err != nil {
		return err
	}
	sections := []string{}
	if text := memory.FormatContext(matches); text != "" {
		sections = append(sections, text)
	}
	if idx != nil {
		files, err := idx.FindRelevant(ctx, query)
		if err != nil {
			return err
		}
		if text := filecontext.FormatContext(files); text != "" {
			sections = append(sections, text)
		}
	}

	if len(sections) == 0 {
		fmt.Fprintln(out, "No relevant memories")
		return nil
	}
	fmt.Fprintln(out, strings.Join(sections, "\n"))
	return nil
}

func (a *app) watch(ctx context.Context, opts options, out io.Writer) error {
	fmt.Fprintf(out, "Watching %s for changes (Ctrl-C to stop)\n", a.cfg.ServerURL)
	return a.client.Watch(ctx, func(ev protocol.Event) {
		fmt.Fprintf(out, "%s %s: %d records\n", ev.At.Format("2006-01-02 15:04:05"), ev.Type, ev.Count)
		if !opts.pull {
			return
		}
		n, saved, err := a.client.DownloadAndSave(ctx, true)
		if err != nil {
			fmt.Fprintf(out, "download failed: %s\n", describe(err))
			return
		}
		if saved {
			fmt.Fprintf(out, "%d chat records downloaded\n", n)
		}
	})
}

// describe renders an error with its details, the way the server reports
// them.
func describe(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Details != "" && !strings.Contains(e.Error(), e.Details) {
		return fmt.Sprintf("%s (%s)", e.Error(), e.Details)
	}
	return err.Error()
}
