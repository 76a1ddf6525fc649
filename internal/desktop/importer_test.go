package desktop

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/sigvault/internal/bus"
	"github.com/matheus3301/sigvault/internal/keyvault"
	"github.com/matheus3301/sigvault/internal/safestorage"
	"github.com/matheus3301/sigvault/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

const (
	desktopKey = "6a354a76f7f51505ba3a36c64faec8126a354a76f7f51505ba3a36c64faec812"
	localKey   = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	ownNumber  = "+15559999"
)

type fixedKey string

func (k fixedKey) Key(context.Context) (string, error)            { return string(k), nil }
func (k fixedKey) GetOrCreateKey(context.Context) (string, error) { return string(k), nil }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(filepath.Join(t.TempDir(), "messages.db"), fixedKey(localKey), nil)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func desktopVault() *keyvault.Vault {
	return keyvault.New(keyvault.KeyringBackend{}, keyvault.DesktopService, keyvault.DesktopAccount, 0)
}

// fakeDesktop builds a Signal Desktop data dir with an encrypted database
// holding a small fixed history.
func fakeDesktop(t *testing.T, key string) Installation {
	t.Helper()
	inst := Locate(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Dir(inst.DBPath), 0700))

	db, err := store.OpenEncrypted(inst.DBPath, key, false)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	stmts := []string{
		`CREATE TABLE conversations (id TEXT PRIMARY KEY, e164 TEXT, groupId TEXT, type TEXT, name TEXT, profileName TEXT, profileFamilyName TEXT)`,
		`CREATE TABLE messages (id TEXT PRIMARY KEY, conversationId TEXT, source TEXT, type TEXT, body TEXT, sent_at INTEGER, received_at INTEGER, hasAttachments INTEGER, json TEXT)`,
		`INSERT INTO conversations VALUES ('c1', '+15550001', NULL, 'private', NULL, 'Alice', 'Smith')`,
		`INSERT INTO conversations VALUES ('c2', NULL, 'group-abc', 'group', 'Book Club', NULL, NULL)`,
		`INSERT INTO conversations VALUES ('c3', NULL, NULL, 'private', 'Nobody', NULL, NULL)`,
		`INSERT INTO conversations VALUES ('c4', '+15550004', NULL, 'private', NULL, NULL, NULL)`,
		`INSERT INTO messages VALUES ('m1', 'c1', '+15550001', 'incoming', 'hi', 1000, 1100, 0, NULL)`,
		`INSERT INTO messages VALUES ('m2', 'c1', NULL, 'outgoing', 'hello back', 2000, 2000, 0, NULL)`,
		`INSERT INTO messages VALUES ('m3', 'c1', '+15550001', 'incoming', '', 3000, 3100, 1,
			'{"attachments":[{"contentType":"image/png","fileName":"cat.png","size":2048,"extra":true}],"other":1}')`,
		`INSERT INTO messages VALUES ('m4', 'c2', '+15550001', 'incoming', 'group msg', NULL, 5000, 0, NULL)`,
		`INSERT INTO messages VALUES ('m5', 'c2', '+15550004', 'incoming', 'pic', 6000, 6000, 1, '{broken')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return inst
}

func writeConfig(t *testing.T, inst Installation, cfg map[string]string) {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(inst.ConfigPath, b, 0600))
}

func TestImport(t *testing.T) {
	keyring.MockInit()
	inst := fakeDesktop(t, desktopKey)
	writeConfig(t, inst, map[string]string{"key": desktopKey})
	st := testStore(t)

	b := bus.New()
	events, unsub := b.Subscribe("import.", 16)
	defer unsub()

	im := NewImporter(st, inst, desktopVault(), ownNumber, b, nil)
	defer func() { _ = im.Close() }()

	res, err := im.Import(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Conversations: 3, Messages: 5}, res)

	// Progress after each conversation, in order, then finished.
	var got []Progress
	for i := 0; i < 3; i++ {
		select {
		case evt := <-events:
			require.Equal(t, EventProgress, evt.Kind)
			got = append(got, evt.Payload.(Progress))
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for progress")
		}
	}
	require.Equal(t, []Progress{
		{Name: "Alice Smith", Index: 1, Total: 3},
		{Name: "Book Club", Index: 2, Total: 3},
		{Name: "+15550004", Index: 3, Total: 3},
	}, got)
	select {
	case evt := <-events:
		require.Equal(t, EventFinished, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for finished")
	}

	conv, err := st.GetConversation("+15550001")
	require.NoError(t, err)
	require.NotNil(t, conv)
	require.Equal(t, "Alice Smith", conv.Name)
	require.Equal(t, store.AttachmentPlaceholder, conv.LastMessage)
	require.EqualValues(t, 3000, *conv.LastMessageAt)
	require.Zero(t, conv.UnreadCount)

	msgs, err := st.GetMessages("+15550001", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, ownNumber, msgs[1].Sender)
	require.True(t, msgs[1].Outgoing)
	require.Equal(t, []store.Attachment{{ContentType: "image/png", Filename: "cat.png", Size: 2048}}, msgs[2].Attachments)
	for _, m := range msgs {
		require.True(t, m.Read)
	}

	group, err := st.GetConversation("group-abc")
	require.NoError(t, err)
	require.Equal(t, store.KindGroup, group.Kind)
	require.Equal(t, "pic", group.LastMessage)

	gmsgs, err := st.GetMessages("group-abc", 10, 0)
	require.NoError(t, err)
	require.Len(t, gmsgs, 2)
	require.EqualValues(t, 5000, gmsgs[0].Timestamp, "falls back to received_at")
	require.Empty(t, gmsgs[1].Attachments, "malformed json means no attachments")

	// Conversations without messages are counted but not created.
	missing, err := st.GetConversation("+15550004")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestImportTwiceIsIdempotent(t *testing.T) {
	keyring.MockInit()
	inst := fakeDesktop(t, desktopKey)
	writeConfig(t, inst, map[string]string{"key": desktopKey})
	st := testStore(t)

	im := NewImporter(st, inst, desktopVault(), ownNumber, nil, nil)
	defer func() { _ = im.Close() }()

	_, err := im.Import(context.Background())
	require.NoError(t, err)
	msgCount, _ := st.MessageCount()
	convCount, _ := st.ConversationCount()

	res, err := im.Import(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Messages)

	msgCount2, _ := st.MessageCount()
	convCount2, _ := st.ConversationCount()
	require.Equal(t, msgCount, msgCount2)
	require.Equal(t, convCount, convCount2)
}

func TestImportKeepsLiveConversation(t *testing.T) {
	keyring.MockInit()
	inst := fakeDesktop(t, desktopKey)
	writeConfig(t, inst, map[string]string{"key": desktopKey})
	st := testStore(t)

	_, err := st.SaveMessage("+15550001", &store.Message{Sender: "+15550001", SenderName: "Ally", Body: "live newest", Timestamp: 9000})
	require.NoError(t, err)

	im := NewImporter(st, inst, desktopVault(), ownNumber, nil, nil)
	defer func() { _ = im.Close() }()
	_, err = im.Import(context.Background())
	require.NoError(t, err)

	conv, err := st.GetConversation("+15550001")
	require.NoError(t, err)
	require.Equal(t, "Ally", conv.Name)
	require.Equal(t, "live newest", conv.LastMessage)
	require.EqualValues(t, 9000, *conv.LastMessageAt)
	require.Equal(t, 1, conv.UnreadCount)
}

func TestImportCancelledBeforeStart(t *testing.T) {
	keyring.MockInit()
	inst := fakeDesktop(t, desktopKey)
	writeConfig(t, inst, map[string]string{"key": desktopKey})
	st := testStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	im := NewImporter(st, inst, desktopVault(), ownNumber, nil, nil)
	_, err := im.Import(ctx)
	require.ErrorIs(t, err, context.Canceled)

	n, _ := st.MessageCount()
	require.Zero(t, n)
}

func TestStats(t *testing.T) {
	keyring.MockInit()
	inst := fakeDesktop(t, desktopKey)
	writeConfig(t, inst, map[string]string{"key": desktopKey})

	im := NewImporter(testStore(t), inst, desktopVault(), ownNumber, nil, nil)
	defer func() { _ = im.Close() }()

	stats, err := im.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{Conversations: 3, Messages: 5}, stats)
}

func TestNotInstalled(t *testing.T) {
	keyring.MockInit()
	im := NewImporter(testStore(t), Locate(t.TempDir()), desktopVault(), ownNumber, nil, nil)
	require.False(t, im.Installed())

	_, err := im.Import(context.Background())
	var ierr *ImportError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, NotInstalled, ierr.Kind)
	require.ErrorIs(t, err, ErrNotInstalled)
}

func TestWrongKey(t *testing.T) {
	keyring.MockInit()
	inst := fakeDesktop(t, desktopKey)
	writeConfig(t, inst, map[string]string{"key": strings.Repeat("ab", 32)})

	im := NewImporter(testStore(t), inst, desktopVault(), ownNumber, nil, nil)
	err := im.Connect(context.Background())
	var ierr *ImportError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, WrongKey, ierr.Kind)
}

func TestResolveKey(t *testing.T) {
	password := "keychain-password"
	wrapped := func(version string) string {
		enc, err := safestorage.Encrypt([]byte(desktopKey), []byte(password), version)
		require.NoError(t, err)
		return hex.EncodeToString(enc)
	}
	rawKey, _ := hex.DecodeString(desktopKey)

	tests := []struct {
		name     string
		config   map[string]string // nil means no config.json
		keychain string            // empty means no entry
		wantErr  bool
	}{
		{name: "plain key in config", config: map[string]string{"key": desktopKey}},
		{name: "plain key wins over encrypted", config: map[string]string{"key": desktopKey, "encryptedKey": "zz"}},
		{name: "encrypted v10", config: map[string]string{"encryptedKey": wrapped(safestorage.V10)}, keychain: password},
		{name: "encrypted v11", config: map[string]string{"encryptedKey": wrapped(safestorage.V11)}, keychain: password},
		{name: "keychain base64 key", keychain: base64.StdEncoding.EncodeToString(rawKey)},
		{name: "non-hex config key falls through", config: map[string]string{"key": "not-hex"}, keychain: base64.StdEncoding.EncodeToString(rawKey)},
		{name: "nothing available", wantErr: true},
		{name: "encrypted without password", config: map[string]string{"encryptedKey": wrapped(safestorage.V10)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyring.MockInit()
			inst := Locate(t.TempDir())
			if tt.config != nil {
				writeConfig(t, inst, tt.config)
			}
			if tt.keychain != "" {
				require.NoError(t, keyring.Set(keyvault.DesktopService, keyvault.DesktopAccount, tt.keychain))
			}

			key, err := ResolveKey(context.Background(), inst, desktopVault())
			if tt.wantErr {
				var ierr *ImportError
				require.ErrorAs(t, err, &ierr)
				require.Equal(t, KeyUnavailable, ierr.Kind)
				return
			}
			require.NoError(t, err)
			require.Equal(t, desktopKey, key)
		})
	}
}

func TestResolveKeyMalformedConfig(t *testing.T) {
	keyring.MockInit()
	inst := Locate(t.TempDir())
	require.NoError(t, os.WriteFile(inst.ConfigPath, []byte("{not json"), 0600))

	_, err := ResolveKey(context.Background(), inst, desktopVault())
	var ierr *ImportError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, KeyUnavailable, ierr.Kind)
	require.True(t, strings.Contains(err.Error(), "config.json"))
	require.False(t, errors.Is(err, ErrNotInstalled))
}

func TestDisplayName(t *testing.T) {
	require.Equal(t, "Bob", displayName("+1", "Bob", "Robert", "Jones"))
	require.Equal(t, "Robert Jones", displayName("+1", "", "Robert", "Jones"))
	require.Equal(t, "Robert", displayName("+1", "", "Robert", ""))
	require.Equal(t, "+1", displayName("+1", "", "", "Jones"))
}

func TestImportSlowSubscriberDoesNotBlock(t *testing.T) {
	keyring.MockInit()
	inst := fakeDesktop(t, desktopKey)
	writeConfig(t, inst, map[string]string{"key": desktopKey})
	st := testStore(t)

	b := bus.New()
	events, unsub := b.Subscribe("import.", 1)
	defer unsub()

	im := NewImporter(st, inst, desktopVault(), ownNumber, b, nil)
	defer func() { _ = im.Close() }()

	res, err := im.Import(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Conversations)

	// Only the first event fits; the rest were dropped, not queued.
	evt := <-events
	require.Equal(t, Progress{Name: "Alice Smith", Index: 1, Total: 3}, evt.Payload)
	select {
	case extra := <-events:
		t.Fatalf("unexpected buffered event %v", extra)
	default:
	}
}
