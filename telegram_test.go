package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// TELEGRAM TESTS
// =============================================================================

// fakeTelegramAPI serves one scripted batch of updates, then blocks until
// the context is cancelled. Sent replies are recorded.
type fakeTelegramAPI struct {
	mu      sync.Mutex
	updates []TelegramUpdate
	served  bool
	sent    []string
	offsets []int64
}

func (f *fakeTelegramAPI) GetUpdates(ctx context.Context, offset int64) ([]TelegramUpdate, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	if !f.served {
		f.served = true
		updates := f.updates
		f.mu.Unlock()
		return updates, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTelegramAPI) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTelegramAPI) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func setupTestPoller(t *testing.T, api TelegramAPI) (*TelegramPoller, *Database, *fakeFetcher) {
	t.Helper()
	db := setupTestDatabase(t)
	t.Cleanup(func() { db.close() })

	cfg := defaultConfig()
	cfg.Telegram.BotToken = "test-token"

	fetcher := newFakeFetcher()
	service := newLinkService(cfg, db, fetcher)
	poller := newTelegramPoller(cfg, db, service, api)
	return poller, db, fetcher
}

// =============================================================================
// URL EXTRACTION
// =============================================================================

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"single url", "check this https://example.com/post out", 1},
		{"two urls", "https://a.example.com and http://b.example.com/x", 2},
		{"no urls", "just some text about nothing", 0},
		{"url with query and fragment", "https://example.com/p?a=1&b=2#frag", 1},
		{"bare domain without scheme ignored", "example.com looks like a url", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractURLs(tt.text)
			if len(got) != tt.expected {
				t.Errorf("Expected %d URLs in %q, got %v", tt.expected, tt.text, got)
			}
		})
	}
}

func TestSanitizeChatText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text", "hello world", "hello world"},
		{"html stripped", "<b>bold</b> move", "bold move"},
		{"script stripped", `<script>alert(1)</script>note`, "note"},
		{"control chars removed", "line\x01one\x07!", "lineone!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeChatText(tt.input); got != tt.expected {
				t.Errorf("sanitizeChatText(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestValidateChatURL(t *testing.T) {
	longURL := "https://example.com/" + strings.Repeat("x", maxChatURLLength)

	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"public url", "https://example.com/page", false},
		{"too long", longURL, true},
		{"private address", "http://192.168.1.1/router", true},
		{"localhost", "http://localhost/admin", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateChatURL(tt.url)
			if tt.blocked && err == nil {
				t.Errorf("Expected %q to be rejected", tt.url)
			}
			if !tt.blocked && err != nil {
				t.Errorf("Expected %q to be accepted, got %v", tt.url, err)
			}
		})
	}
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

func TestProcessMessage_SavesLink(t *testing.T) {
	poller, db, fetcher := setupTestPoller(t, &fakeTelegramAPI{})

	fetcher.set("https://example.com/article", Metadata{
		Title: "Fetched", StatusCode: 200, IsAccessible: true,
	})

	reply := poller.processMessage(context.Background(), 1, "https://example.com/article")
	if !strings.Contains(reply, "Saved 1 link") {
		t.Errorf("Expected save confirmation, got %q", reply)
	}

	links, total, err := db.listLinks(ListLinksOptions{})
	if err != nil {
		t.Fatalf("Failed to list links: %v", err)
	}
	if total != 1 {
		t.Fatalf("Expected 1 link, got %d", total)
	}
	if links[0].URL != "https://example.com/article" {
		t.Errorf("Expected saved URL, got %q", links[0].URL)
	}
}

func TestProcessMessage_SurroundingTextBecomesTitle(t *testing.T) {
	poller, db, _ := setupTestPoller(t, &fakeTelegramAPI{})

	poller.processMessage(context.Background(), 1, "great read on goroutines https://unfetched.example.com/go")

	links, _, err := db.listLinks(ListLinksOptions{})
	if err != nil {
		t.Fatalf("Failed to list links: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(links))
	}
	if links[0].Title != "great read on goroutines" {
		t.Errorf("Expected surrounding text as title, got %q", links[0].Title)
	}
}

func TestProcessMessage_NoURLsBecomesNote(t *testing.T) {
	poller, db, _ := setupTestPoller(t, &fakeTelegramAPI{})

	reply := poller.processMessage(context.Background(), 1, "buy oat milk tomorrow")
	if !strings.Contains(reply, "Note saved") {
		t.Errorf("Expected note confirmation, got %q", reply)
	}

	notes, err := db.listNotes()
	if err != nil {
		t.Fatalf("Failed to list notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("Expected 1 note, got %d", len(notes))
	}
	if notes[0].Title != chatNoteTitle {
		t.Errorf("Expected placeholder note title, got %q", notes[0].Title)
	}
	if notes[0].Content != "buy oat milk tomorrow" {
		t.Errorf("Expected note content, got %q", notes[0].Content)
	}
}

func TestProcessMessage_NoteContentSanitized(t *testing.T) {
	poller, db, _ := setupTestPoller(t, &fakeTelegramAPI{})

	poller.processMessage(context.Background(), 1, "<b>remember</b> this")

	notes, err := db.listNotes()
	if err != nil {
		t.Fatalf("Failed to list notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("Expected 1 note, got %d", len(notes))
	}
	if strings.Contains(notes[0].Content, "<b>") {
		t.Errorf("Expected markup stripped from note, got %q", notes[0].Content)
	}
}

func TestProcessMessage_DuplicateReported(t *testing.T) {
	poller, _, fetcher := setupTestPoller(t, &fakeTelegramAPI{})

	fetcher.set("https://example.com/dup", Metadata{
		Title: "Duped", StatusCode: 200, IsAccessible: true,
	})

	poller.processMessage(context.Background(), 1, "https://example.com/dup")
	reply := poller.processMessage(context.Background(), 1, "https://example.com/dup?utm_source=tg")

	if !strings.Contains(reply, "Already saved") {
		t.Errorf("Expected duplicate reply, got %q", reply)
	}
	if !strings.Contains(reply, "Duped") {
		t.Errorf("Expected existing title in duplicate reply, got %q", reply)
	}
}

func TestProcessMessage_MixedNewAndDuplicate(t *testing.T) {
	poller, db, _ := setupTestPoller(t, &fakeTelegramAPI{})

	poller.processMessage(context.Background(), 1, "https://a.example.com/one")
	reply := poller.processMessage(context.Background(), 1, "https://a.example.com/one https://b.example.com/two")

	if !strings.Contains(reply, "Saved 1 link") || !strings.Contains(reply, "Already saved") {
		t.Errorf("Expected mixed reply, got %q", reply)
	}

	_, total, err := db.listLinks(ListLinksOptions{})
	if err != nil {
		t.Fatalf("Failed to list links: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected 2 links, got %d", total)
	}
}

func TestProcessMessage_Limits(t *testing.T) {
	poller, _, _ := setupTestPoller(t, &fakeTelegramAPI{})

	t.Run("message too long", func(t *testing.T) {
		reply := poller.processMessage(context.Background(), 1, strings.Repeat("a", maxChatMessageLength+1))
		if !strings.Contains(reply, "too long") {
			t.Errorf("Expected length rejection, got %q", reply)
		}
	})

	t.Run("too many urls", func(t *testing.T) {
		var parts []string
		for i := 0; i < maxChatURLs+1; i++ {
			parts = append(parts, "https://example.com/p"+string(rune('a'+i)))
		}
		reply := poller.processMessage(context.Background(), 1, strings.Join(parts, " "))
		if !strings.Contains(reply, "Too many links") {
			t.Errorf("Expected URL count rejection, got %q", reply)
		}
	})

	t.Run("only invalid urls", func(t *testing.T) {
		reply := poller.processMessage(context.Background(), 1, "http://192.168.0.1/admin")
		if !strings.Contains(reply, "No valid URLs") {
			t.Errorf("Expected invalid URL reply, got %q", reply)
		}
	})
}

func TestProcessMessage_StartCommand(t *testing.T) {
	poller, db, _ := setupTestPoller(t, &fakeTelegramAPI{})

	reply := poller.processMessage(context.Background(), 1, "/start")
	if !strings.Contains(reply, "Send me a link") {
		t.Errorf("Expected welcome reply, got %q", reply)
	}

	notes, err := db.listNotes()
	if err != nil {
		t.Fatalf("Failed to list notes: %v", err)
	}
	if len(notes) != 0 {
		t.Error("Expected /start not to produce a note")
	}
}

func TestProcessMessage_TitlesEscapedInReply(t *testing.T) {
	poller, _, fetcher := setupTestPoller(t, &fakeTelegramAPI{})

	fetcher.set("https://example.com/xss", Metadata{
		Title: `<script>alert("x")</script>`, StatusCode: 200, IsAccessible: true,
	})

	reply := poller.processMessage(context.Background(), 1, "https://example.com/xss")
	if strings.Contains(reply, "<script>") {
		t.Errorf("Expected HTML-escaped title in reply, got %q", reply)
	}
}

// =============================================================================
// POLLER LOOP
// =============================================================================

func TestPoller_ProcessesUpdatesAndPersistsCursor(t *testing.T) {
	api := &fakeTelegramAPI{
		updates: []TelegramUpdate{
			{
				UpdateID: 100,
				Message: &TelegramMessage{
					Chat: TelegramChat{ID: 42},
					Text: "https://polled.example.com/a",
				},
			},
			{
				UpdateID: 101,
				Message: &TelegramMessage{
					Chat: TelegramChat{ID: 42},
					Text: "remember this thought",
				},
			},
		},
	}
	poller, db, _ := setupTestPoller(t, api)

	poller.start()

	deadline := time.After(5 * time.Second)
	for {
		state, err := db.getPollerState()
		if err != nil {
			t.Fatalf("Failed to read poller state: %v", err)
		}
		if state.LastUpdateID == 101 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Poller never advanced, state at %d", state.LastUpdateID)
		case <-time.After(20 * time.Millisecond):
		}
	}
	poller.stop()

	_, total, err := db.listLinks(ListLinksOptions{})
	if err != nil {
		t.Fatalf("Failed to list links: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 link from the update batch, got %d", total)
	}

	notes, err := db.listNotes()
	if err != nil {
		t.Fatalf("Failed to list notes: %v", err)
	}
	if len(notes) != 1 {
		t.Errorf("Expected 1 note from the update batch, got %d", len(notes))
	}

	if len(api.sentMessages()) != 2 {
		t.Errorf("Expected 2 replies, got %d", len(api.sentMessages()))
	}

	state, err := db.getPollerState()
	if err != nil {
		t.Fatalf("Failed to read poller state: %v", err)
	}
	if state.LastPollTime == nil {
		t.Error("Expected last poll time to be recorded")
	}
}

func TestPoller_ResumesFromPersistedCursor(t *testing.T) {
	api := &fakeTelegramAPI{served: true} // always blocks
	poller, db, _ := setupTestPoller(t, api)

	now := time.Now().UTC()
	if err := db.updatePollerState(500, &now); err != nil {
		t.Fatalf("Failed to seed poller state: %v", err)
	}

	poller.start()
	time.Sleep(50 * time.Millisecond)
	poller.stop()

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.offsets) == 0 {
		t.Fatal("Expected at least one poll")
	}
	if api.offsets[0] != 501 {
		t.Errorf("Expected first poll at offset 501, got %d", api.offsets[0])
	}
}

func TestPoller_DisabledWithoutToken(t *testing.T) {
	db := setupTestDatabase(t)
	defer db.close()

	cfg := defaultConfig() // no bot token
	service := newLinkService(cfg, db, newFakeFetcher())
	poller := newTelegramPoller(cfg, db, service, nil)

	poller.start() // must not panic or spin
	poller.stop()
}
