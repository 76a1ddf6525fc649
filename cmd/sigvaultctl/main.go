package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/sigvault/internal/app"
	"github.com/matheus3301/sigvault/internal/appdir"
	"github.com/matheus3301/sigvault/internal/bus"
	"github.com/matheus3301/sigvault/internal/config"
	"github.com/matheus3301/sigvault/internal/desktop"
	"github.com/matheus3301/sigvault/internal/keyvault"
	"github.com/matheus3301/sigvault/internal/lock"
	"github.com/matheus3301/sigvault/internal/logging"
	"github.com/matheus3301/sigvault/internal/store"
	"go.uber.org/zap"
)

type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	lock   *lock.Lock
	json   bool
}

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.config/sigvault/config.toml)")
	dbFlag := flag.String("db", "", "message database path (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := app.ProvideConfig(app.Params{ConfigPath: *configFlag, DBPath: *dbFlag})
	if err != nil {
		fatal(err)
	}
	logger, err := logging.New(appdir.LogPath(), cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// desktop-stats only reads Signal Desktop and never touches our db.
	if args[0] == "desktop-stats" {
		cmdDesktopStats(ctx, cfg, logger, *jsonFlag)
		return
	}

	lk, err := lock.Acquire(cfg.MessagesDBPath)
	if err != nil {
		fatal(err)
	}
	e := &env{
		cfg:    cfg,
		logger: logger,
		store:  app.ProvideStore(cfg, app.ProvideOwnVault(cfg), logger),
		lock:   lk,
		json:   *jsonFlag,
	}
	code := run(ctx, e, args)
	_ = e.store.Close()
	_ = e.lock.Release()
	os.Exit(code)
}

func run(ctx context.Context, e *env, args []string) int {
	var err error
	switch args[0] {
	case "import":
		err = cmdImport(ctx, e)
	case "stats":
		err = cmdStats(e)
	case "conversations":
		err = cmdConversations(e)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: sigvaultctl messages <conversation-id> [limit]")
			return 1
		}
		limit := 0
		if len(args) >= 3 {
			if _, scanErr := fmt.Sscanf(args[2], "%d", &limit); scanErr != nil {
				fmt.Fprintf(os.Stderr, "invalid limit %q\n", args[2])
				return 1
			}
		}
		err = cmdMessages(e, args[1], limit)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: sigvaultctl search <query>")
			return 1
		}
		err = cmdSearch(e, strings.Join(args[1:], " "))
	case "mark-read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: sigvaultctl mark-read <conversation-id>")
			return 1
		}
		err = e.store.MarkRead(args[1])
	case "key":
		err = cmdKey(ctx, e)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: sigvaultctl [--config <path>] [--db <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  import              Import history from Signal Desktop")
	fmt.Fprintln(os.Stderr, "  stats               Show message database counts")
	fmt.Fprintln(os.Stderr, "  conversations       List conversations, most recent first")
	fmt.Fprintln(os.Stderr, "  messages <id> [n]   Show the last n messages of a conversation")
	fmt.Fprintln(os.Stderr, "  search <query>      Search message bodies")
	fmt.Fprintln(os.Stderr, "  mark-read <id>      Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  key                 Show whether the database key is in the keychain")
	fmt.Fprintln(os.Stderr, "  desktop-stats       Show Signal Desktop database counts")
}

func cmdImport(ctx context.Context, e *env) error {
	b := bus.New()
	events, unsub := b.Subscribe("import.", 64)
	defer unsub()

	im := app.ProvideImporter(e.cfg, e.store, app.ProvideDesktopVault(e.cfg), b, e.logger)
	defer func() { _ = im.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			switch p := evt.Payload.(type) {
			case desktop.Progress:
				if !e.json {
					fmt.Printf("[%d/%d] %s\n", p.Index, p.Total, p.Name)
				}
			case desktop.Result:
				return
			}
		}
	}()

	res, err := im.Import(ctx)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	if err := e.store.SetCacheValue(app.ImportDoneKey, "1"); err != nil {
		return err
	}
	if e.json {
		outputJSON(res)
		return nil
	}
	fmt.Printf("Imported %d messages from %d conversations.\n", res.Messages, res.Conversations)
	return nil
}

type statsView struct {
	Path          string `json:"path"`
	SchemaVersion uint   `json:"schema_version"`
	Conversations int64  `json:"conversations"`
	Messages      int64  `json:"messages"`
	ContactsAt    string `json:"contacts_updated_at,omitempty"`
	GroupsAt      string `json:"groups_updated_at,omitempty"`
}

func cmdStats(e *env) error {
	v := statsView{Path: e.store.Path()}
	var err error
	if v.SchemaVersion, err = e.store.SchemaVersion(); err != nil {
		return err
	}
	if v.Conversations, err = e.store.ConversationCount(); err != nil {
		return err
	}
	if v.Messages, err = e.store.MessageCount(); err != nil {
		return err
	}
	if v.ContactsAt, _, err = e.store.CacheValue(store.ContactsUpdatedKey); err != nil {
		return err
	}
	if v.GroupsAt, _, err = e.store.CacheValue(store.GroupsUpdatedKey); err != nil {
		return err
	}
	if e.json {
		outputJSON(v)
		return nil
	}
	fmt.Printf("Database:      %s\n", v.Path)
	fmt.Printf("Schema:        v%d\n", v.SchemaVersion)
	fmt.Printf("Conversations: %d\n", v.Conversations)
	fmt.Printf("Messages:      %d\n", v.Messages)
	if v.ContactsAt != "" {
		fmt.Printf("Contacts at:   %s\n", v.ContactsAt)
	}
	if v.GroupsAt != "" {
		fmt.Printf("Groups at:     %s\n", v.GroupsAt)
	}
	return nil
}

func cmdConversations(e *env) error {
	convs, err := e.store.ListConversations()
	if err != nil {
		return err
	}
	if e.json {
		outputJSON(convs)
		return nil
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, c := range convs {
		at := "-"
		if c.LastMessageAt != nil {
			at = formatMillis(*c.LastMessageAt)
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Printf("%-16s %-24s %s%s\n  %s\n", c.ID, c.Name, at, unread, c.LastMessage)
	}
	return nil
}

func cmdMessages(e *env, id string, limit int) error {
	msgs, err := e.store.GetMessages(id, limit, 0)
	if err != nil {
		return err
	}
	if e.json {
		outputJSON(msgs)
		return nil
	}
	for _, m := range msgs {
		who := m.Sender
		if m.Outgoing {
			who = "me"
		}
		body := m.Body
		if body == "" && len(m.Attachments) > 0 {
			body = store.AttachmentPlaceholder
		}
		fmt.Printf("%s  %-16s %s\n", formatMillis(m.Timestamp), who, body)
	}
	return nil
}

func cmdSearch(e *env, query string) error {
	results, err := e.store.Search(query, 0)
	if err != nil {
		return err
	}
	if e.json {
		outputJSON(results)
		return nil
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%s  %-16s %s\n", formatMillis(r.Message.Timestamp), r.ConversationID, r.Message.Body)
	}
	return nil
}

func cmdKey(ctx context.Context, e *env) error {
	_, err := app.ProvideOwnVault(e.cfg).Key(ctx)
	present := err == nil
	if err != nil && !errors.Is(err, keyvault.ErrNotFound) {
		return err
	}
	if e.json {
		outputJSON(map[string]bool{"present": present})
		return nil
	}
	if present {
		fmt.Println("Database key present in keychain.")
	} else {
		fmt.Println("No database key in keychain; one is created on first open.")
	}
	return nil
}

func cmdDesktopStats(ctx context.Context, cfg *config.Config, logger *zap.Logger, jsonOut bool) {
	im := desktop.NewImporter(nil, desktop.Locate(cfg.DesktopDir), app.ProvideDesktopVault(cfg), cfg.PhoneNumber, nil, logger)
	defer func() { _ = im.Close() }()

	st, err := im.Stats(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Conversations: %d\n", st.Conversations)
	fmt.Printf("Messages:      %d\n", st.Messages)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
