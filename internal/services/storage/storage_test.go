package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	m, err := NewManagerWithDB(db, "zh", log)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func TestGetOrCreateUserIsIdempotent(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	first, err := m.GetOrCreateUser(ctx, "42", Profile{Username: "alice", LanguageCode: "en"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	second, err := m.GetOrCreateUser(ctx, "42", Profile{Username: "alice", LanguageCode: "en"})
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same user record, got IDs %d and %d", first.ID, second.ID)
	}
	if second.LanguageCode != "en" {
		t.Errorf("expected profile language to seed preference, got %q", second.LanguageCode)
	}
}

func TestGetOrCreateUserRefreshesProfile(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	if _, err := m.GetOrCreateUser(ctx, "42", Profile{Username: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	user, err := m.GetOrCreateUser(ctx, "42", Profile{Username: "alice2", FirstName: "Alice"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if user.Username != "alice2" || user.FirstName != "Alice" {
		t.Errorf("profile not refreshed: %+v", user)
	}
}

func TestCreateUserSeedsDefaultParams(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	if _, err := m.GetOrCreateUser(ctx, "42", Profile{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	params, err := m.GetParams(ctx, "42")
	if err != nil {
		t.Fatalf("get params: %v", err)
	}
	if params == nil {
		t.Fatal("expected params for known user")
	}
	if params.Model != "gpt-3.5-turbo" || params.Temperature != 0.7 || params.MaxTokens != 1000 {
		t.Errorf("unexpected defaults: %+v", params)
	}
}

func TestSetParam(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	if _, err := m.GetOrCreateUser(ctx, "42", Profile{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.SetParam(ctx, "42", "temperature", "0.5"); err != nil {
		t.Fatalf("set temperature: %v", err)
	}

	params, err := m.GetParams(ctx, "42")
	if err != nil {
		t.Fatalf("get params: %v", err)
	}
	if params.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", params.Temperature)
	}

	// A bad value must not mutate stored state.
	if err := m.SetParam(ctx, "42", "temperature", "not-a-number"); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("bad value: got %v, want ErrInvalidParam", err)
	}
	if err := m.SetParam(ctx, "42", "bogus", "1"); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("bad name: got %v, want ErrInvalidParam", err)
	}

	params, err = m.GetParams(ctx, "42")
	if err != nil {
		t.Fatalf("get params after failures: %v", err)
	}
	if params.Temperature != 0.5 {
		t.Errorf("failed writes mutated state: temperature = %v", params.Temperature)
	}
}

func TestSetParamUnknownUser(t *testing.T) {
	m := openTestManager(t)

	if err := m.SetParam(context.Background(), "404", "temperature", "0.5"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("got %v, want ErrUserNotFound", err)
	}
}

func TestGetParamsUnknownUser(t *testing.T) {
	m := openTestManager(t)

	params, err := m.GetParams(context.Background(), "404")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params != nil {
		t.Errorf("expected nil params for unknown user, got %+v", params)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	if _, err := m.GetOrCreateUser(ctx, "42", Profile{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	key, err := m.GetAPIKey(ctx, "42")
	if err != nil {
		t.Fatalf("get before set: %v", err)
	}
	if key != "" {
		t.Errorf("expected empty key before set, got %q", key)
	}

	if err := m.SetAPIKey(ctx, "42", "sk-test"); err != nil {
		t.Fatalf("set: %v", err)
	}

	key, err = m.GetAPIKey(ctx, "42")
	if err != nil {
		t.Fatalf("get after set: %v", err)
	}
	if key != "sk-test" {
		t.Errorf("key = %q, want sk-test", key)
	}

	if err := m.SetAPIKey(ctx, "404", "sk-test"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user: got %v, want ErrUserNotFound", err)
	}
}

func TestGetLanguageFallsBackToDefault(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	if lang := m.GetLanguage(ctx, "404"); lang != "zh" {
		t.Errorf("unknown user language = %q, want zh", lang)
	}

	if _, err := m.GetOrCreateUser(ctx, "42", Profile{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.SetLanguage(ctx, "42", "fr"); err != nil {
		t.Fatalf("set language: %v", err)
	}
	if lang := m.GetLanguage(ctx, "42"); lang != "fr" {
		t.Errorf("language = %q, want fr", lang)
	}
}

func TestConversationMessageOrder(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	if _, err := m.GetOrCreateUser(ctx, "42", Profile{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	convID, err := m.CreateConversation(ctx, "42")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	turns := []struct{ role, content string }{
		{"user", "hello"},
		{"assistant", "hi there"},
		{"user", "how are you?"},
		{"assistant", "fine"},
	}
	for _, turn := range turns {
		if err := m.AppendMessage(ctx, convID, turn.role, turn.content); err != nil {
			t.Fatalf("append %q: %v", turn.content, err)
		}
	}

	msgs, err := m.ConversationMessages(ctx, convID)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != len(turns) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(turns))
	}
	for i, turn := range turns {
		if msgs[i].Role != turn.role || msgs[i].Content != turn.content {
			t.Errorf("turn %d = %+v, want %s/%s", i, msgs[i], turn.role, turn.content)
		}
	}
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	m := openTestManager(t)

	err := m.AppendMessage(context.Background(), 9999, "user", "hello")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("got %v, want ErrConversationNotFound", err)
	}
}

func TestCreateConversationUnknownUser(t *testing.T) {
	m := openTestManager(t)

	if _, err := m.CreateConversation(context.Background(), "404"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("got %v, want ErrUserNotFound", err)
	}
}
