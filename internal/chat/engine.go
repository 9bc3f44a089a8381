package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gpt-tgbot-go/internal/config"
	"github.com/gpt-tgbot-go/internal/i18n"
	"github.com/gpt-tgbot-go/internal/middleware"
	"github.com/gpt-tgbot-go/internal/models"
	"github.com/gpt-tgbot-go/internal/services/ai"
	"github.com/gpt-tgbot-go/internal/services/cache"
	"github.com/gpt-tgbot-go/internal/services/storage"
	"github.com/gpt-tgbot-go/internal/session"
	"github.com/sirupsen/logrus"
)

// Store is the persistence surface the engine needs: credential and settings
// access plus the append-only conversation log.
type Store interface {
	GetOrCreateUser(ctx context.Context, telegramID string, p storage.Profile) (*storage.User, error)
	SetAPIKey(ctx context.Context, telegramID, key string) error
	GetAPIKey(ctx context.Context, telegramID string) (string, error)
	SetLanguage(ctx context.Context, telegramID, code string) error
	GetLanguage(ctx context.Context, telegramID string) string
	SetParam(ctx context.Context, telegramID, name, raw string) error
	GetParams(ctx context.Context, telegramID string) (*models.ModelParams, error)
	CreateConversation(ctx context.Context, telegramID string) (uint, error)
	AppendMessage(ctx context.Context, conversationID uint, role, content string) error
	ConversationMessages(ctx context.Context, conversationID uint) ([]models.Message, error)
}

// Gateway hands out credential-bound completion clients and validates
// candidate credentials.
type Gateway interface {
	ClientFor(apiKey string) ai.Completer
	Validate(ctx context.Context, apiKey string) bool
}

// Reply is one message to render: either a localized template (Key + Data) or
// literal text (assistant output, shown verbatim).
type Reply struct {
	Key  string
	Data map[string]interface{}
	Text string
}

// Outcome is what the dispatch layer renders back to the user after an event
// has been applied to the state machine.
type Outcome struct {
	Lang            string
	Replies         []Reply
	LanguageChoices []string
}

// Empty reports whether the event produced nothing to render (ignored event).
func (o Outcome) Empty() bool {
	return len(o.Replies) == 0 && o.LanguageChoices == nil
}

const pendingParamKey = "param"

// Engine is the per-user finite-state machine coordinating the stores, the
// completion gateway and the in-memory session state. Callers must serialize
// events per user (session.Manager.Dispatch does this).
type Engine struct {
	store     Store
	gateway   Gateway
	sessions  *session.Manager
	respCache cache.Service
	metrics   *middleware.Metrics
	languages []string
	logger    *logrus.Logger
}

// NewEngine wires the state machine to its collaborators.
func NewEngine(
	store Store,
	gateway Gateway,
	sessions *session.Manager,
	respCache cache.Service,
	metrics *middleware.Metrics,
	i18nCfg *config.I18nConfig,
	logger *logrus.Logger,
) *Engine {
	return &Engine{
		store:     store,
		gateway:   gateway,
		sessions:  sessions,
		respCache: respCache,
		metrics:   metrics,
		languages: i18nCfg.Languages,
		logger:    logger,
	}
}

// StateOf exposes the current session state to the dispatch layer.
func (e *Engine) StateOf(telegramID string) session.State {
	return e.sessions.Session(telegramID).State()
}

// LanguageOf resolves the language replies should be rendered in.
func (e *Engine) LanguageOf(ctx context.Context, telegramID string) string {
	return e.store.GetLanguage(ctx, telegramID)
}

// Start handles the start command: upsert the user, then either prompt for a
// credential or open a fresh conversation.
func (e *Engine) Start(ctx context.Context, telegramID string, p storage.Profile) Outcome {
	user, err := e.store.GetOrCreateUser(ctx, telegramID, p)
	if err != nil {
		e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to upsert user")
		return e.errorOutcome(e.store.GetLanguage(ctx, telegramID), "could not initialize your account")
	}

	lang := user.LanguageCode
	sess := e.sessions.Session(telegramID)

	key, err := e.store.GetAPIKey(ctx, telegramID)
	if err != nil {
		e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to load API key")
		return e.errorOutcome(lang, "could not load your settings")
	}

	if key == "" {
		sess.SetState(session.StateWaitingAPIKey)
		return Outcome{Lang: lang, Replies: []Reply{
			{Key: i18n.MsgWelcome},
			{Key: i18n.MsgAPIKeyRequest},
		}}
	}

	convID, err := e.store.CreateConversation(ctx, telegramID)
	if err != nil {
		e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to create conversation")
		return e.errorOutcome(lang, "could not create a conversation")
	}
	sess.BindConversation(convID)
	sess.SetState(session.StateChatting)

	return Outcome{Lang: lang, Replies: []Reply{
		{Key: i18n.MsgWelcome},
		{Key: i18n.MsgChatStart},
	}}
}

// Help renders the command list. No transition.
func (e *Engine) Help(ctx context.Context, telegramID string) Outcome {
	return Outcome{
		Lang:    e.store.GetLanguage(ctx, telegramID),
		Replies: []Reply{{Key: i18n.MsgHelp}},
	}
}

// RequestAPIKey handles the setapi command from any state.
func (e *Engine) RequestAPIKey(ctx context.Context, telegramID string) Outcome {
	e.sessions.Session(telegramID).SetState(session.StateWaitingAPIKey)
	return Outcome{
		Lang:    e.store.GetLanguage(ctx, telegramID),
		Replies: []Reply{{Key: i18n.MsgAPIKeyRequest}},
	}
}

// Reset handles the reset command from any state: a fresh conversation is
// created and bound; the previous history is kept but no longer active.
func (e *Engine) Reset(ctx context.Context, telegramID string) Outcome {
	lang := e.store.GetLanguage(ctx, telegramID)

	convID, err := e.store.CreateConversation(ctx, telegramID)
	if err != nil {
		e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to create conversation")
		return e.errorOutcome(lang, "could not create a conversation")
	}

	sess := e.sessions.Session(telegramID)
	sess.BindConversation(convID)
	sess.SetState(session.StateChatting)

	return Outcome{Lang: lang, Replies: []Reply{{Key: i18n.MsgChatReset}}}
}

// Params handles the params command in its three forms: no argument shows the
// current values plus usage, a single argument starts the two-step edit
// sub-flow, and name+value applies immediately without changing state.
func (e *Engine) Params(ctx context.Context, telegramID string, args []string) Outcome {
	lang := e.store.GetLanguage(ctx, telegramID)

	switch {
	case len(args) == 0:
		params, err := e.store.GetParams(ctx, telegramID)
		if err != nil {
			e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to load parameters")
			return e.errorOutcome(lang, "could not load your settings")
		}
		if params == nil {
			return Outcome{Lang: lang, Replies: []Reply{{Key: i18n.MsgParamsUsage}}}
		}
		blob, err := json.MarshalIndent(params, "", "  ")
		if err != nil {
			return e.errorOutcome(lang, "could not load your settings")
		}
		return Outcome{Lang: lang, Replies: []Reply{
			{Key: i18n.MsgParamsCurrent, Data: map[string]interface{}{"Params": string(blob)}},
			{Key: i18n.MsgParamsUsage},
		}}

	case len(args) == 1:
		name := args[0]
		if !models.ValidParamName(name) {
			return Outcome{Lang: lang, Replies: []Reply{
				{Key: i18n.MsgParamsInvalid},
				{Key: i18n.MsgParamsUsage},
			}}
		}
		sess := e.sessions.Session(telegramID)
		sess.SetPending(pendingParamKey, name)
		sess.SetState(session.StateWaitingParamValue)
		return Outcome{Lang: lang, Replies: []Reply{
			{Key: i18n.MsgParamValueRequest, Data: map[string]interface{}{"Param": name}},
		}}

	default:
		return e.applyParam(ctx, telegramID, lang, args[0], args[1])
	}
}

func (e *Engine) applyParam(ctx context.Context, telegramID, lang, name, value string) Outcome {
	if err := e.store.SetParam(ctx, telegramID, name, value); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": telegramID,
			"param":   name,
		}).Warn("Parameter update rejected")
		return Outcome{Lang: lang, Replies: []Reply{{Key: i18n.MsgParamsInvalid}}}
	}
	return Outcome{Lang: lang, Replies: []Reply{
		{Key: i18n.MsgParamSet, Data: map[string]interface{}{"Param": name, "Value": value}},
	}}
}

// SelectLanguage handles the setlang command: present the configured language
// choices and wait for the callback.
func (e *Engine) SelectLanguage(ctx context.Context, telegramID string) Outcome {
	e.sessions.Session(telegramID).SetState(session.StateSelectingLanguage)
	return Outcome{
		Lang:            e.store.GetLanguage(ctx, telegramID),
		Replies:         []Reply{{Key: i18n.MsgLanguagePrompt}},
		LanguageChoices: e.languages,
	}
}

// ApplyLanguage handles the language-choice callback. Outside of
// SELECTING_LANGUAGE the callback is ignored.
func (e *Engine) ApplyLanguage(ctx context.Context, telegramID, code string) Outcome {
	sess := e.sessions.Session(telegramID)
	if sess.State() != session.StateSelectingLanguage {
		e.logger.WithFields(logrus.Fields{
			"user_id": telegramID,
			"state":   sess.State().String(),
		}).Debug("Ignoring language callback outside selection state")
		return Outcome{}
	}

	if !e.supportedLanguage(code) {
		e.logger.WithField("language", code).Warn("Rejected unsupported language code")
		return Outcome{}
	}

	if err := e.store.SetLanguage(ctx, telegramID, code); err != nil {
		e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to persist language")
		return e.errorOutcome(e.store.GetLanguage(ctx, telegramID), "could not save your language")
	}

	sess.SetState(session.StateIdle)

	// Confirm in the newly selected language.
	return Outcome{Lang: code, Replies: []Reply{{Key: i18n.MsgLanguageSet}}}
}

// HandleText applies a free-text message to the state machine. What the text
// means depends entirely on the current state.
func (e *Engine) HandleText(ctx context.Context, telegramID, text string) Outcome {
	sess := e.sessions.Session(telegramID)
	lang := e.store.GetLanguage(ctx, telegramID)

	switch sess.State() {
	case session.StateWaitingAPIKey:
		return e.handleAPIKeyInput(ctx, telegramID, sess, lang, strings.TrimSpace(text))

	case session.StateWaitingParamValue:
		name := sess.Pending(pendingParamKey)
		sess.ClearPending()
		sess.SetState(session.StateIdle)
		return e.applyParam(ctx, telegramID, lang, name, strings.TrimSpace(text))

	case session.StateChatting, session.StateIdle:
		return e.chatTurn(ctx, telegramID, sess, lang, text)

	default:
		// No transition for this (state, event) pair.
		e.logger.WithFields(logrus.Fields{
			"user_id": telegramID,
			"state":   sess.State().String(),
		}).Debug("Ignoring text message in current state")
		return Outcome{}
	}
}

func (e *Engine) handleAPIKeyInput(ctx context.Context, telegramID string, sess *session.UserSession, lang, candidate string) Outcome {
	if !e.gateway.Validate(ctx, candidate) {
		// Stay in WAITING_API_KEY so the user can retry.
		return Outcome{Lang: lang, Replies: []Reply{{Key: i18n.MsgAPIKeyInvalid}}}
	}

	if err := e.store.SetAPIKey(ctx, telegramID, candidate); err != nil {
		e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to persist API key")
		return e.errorOutcome(lang, "could not save your API key")
	}

	// Replace any cached client so the new credential takes effect immediately.
	e.sessions.SetClient(telegramID, e.gateway.ClientFor(candidate))

	convID, err := e.store.CreateConversation(ctx, telegramID)
	if err != nil {
		e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to create conversation")
		return e.errorOutcome(lang, "could not create a conversation")
	}
	sess.BindConversation(convID)
	sess.SetState(session.StateChatting)

	return Outcome{Lang: lang, Replies: []Reply{{Key: i18n.MsgAPIKeySet}}}
}

// chatTurn is the primary operation: persist the user turn, call the gateway
// with the full uncapped history, persist and return the reply. The history
// grows without bound by design; capping or summarizing it would change the
// observable behavior.
func (e *Engine) chatTurn(ctx context.Context, telegramID string, sess *session.UserSession, lang, text string) Outcome {
	convID, ok := sess.ConversationID()
	if !ok {
		id, err := e.store.CreateConversation(ctx, telegramID)
		if err != nil {
			e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to create conversation")
			return e.errorOutcome(lang, "could not create a conversation")
		}
		sess.BindConversation(id)
		convID = id
	}
	if sess.State() == session.StateIdle {
		sess.SetState(session.StateChatting)
	}

	if err := e.store.AppendMessage(ctx, convID, models.RoleUser, text); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":         telegramID,
			"conversation_id": convID,
		}).Error("Failed to store user message")
		return e.errorOutcome(lang, "could not store your message")
	}

	history, err := e.store.ConversationMessages(ctx, convID)
	if err != nil {
		e.logger.WithError(err).WithField("conversation_id", convID).Error("Failed to load history")
		return e.errorOutcome(lang, "could not load the conversation")
	}

	params, err := e.store.GetParams(ctx, telegramID)
	if err != nil {
		// Defaults still produce a usable completion.
		e.logger.WithError(err).WithField("user_id", telegramID).Warn("Failed to load parameters, using defaults")
		params = nil
	}

	reply := e.completeTurn(ctx, telegramID, history, params, text)

	if err := e.store.AppendMessage(ctx, convID, models.RoleAssistant, reply); err != nil {
		// The reply is still rendered; the user just retries the dangling turn
		// for free on the next message.
		e.logger.WithError(err).WithField("conversation_id", convID).Error("Failed to store assistant message")
	}

	return Outcome{Lang: lang, Replies: []Reply{{Text: reply}}}
}

func (e *Engine) completeTurn(ctx context.Context, telegramID string, history []models.Message, params *models.ModelParams, text string) string {
	model := models.DefaultParams().Model
	if params != nil {
		model = params.Model
	}

	client, haveKey := e.sessions.Client(telegramID)
	if !haveKey {
		key, err := e.store.GetAPIKey(ctx, telegramID)
		if err != nil {
			e.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to load API key")
		}
		client = e.gateway.ClientFor(key)
		if key != "" {
			e.sessions.SetClient(telegramID, client)
			haveKey = true
		}
	}

	// Only opening turns are cacheable: any later turn depends on the
	// conversation history, and a user without a credential must always get
	// the missing-key reply instead of text generated under someone else's.
	cacheable := haveKey && len(history) == 1
	if cacheable {
		if cached, found := e.respCache.Get(ctx, text, model); found {
			e.metrics.RecordCacheHit()
			return cached
		}
		e.metrics.RecordCacheMiss()
	}

	reply, ok := client.ChatCompletion(ctx, history, params)

	// Failure text is stored as the assistant turn but never cached.
	if ok && cacheable {
		if err := e.respCache.Set(ctx, text, model, reply); err != nil {
			e.logger.WithError(err).Warn("Failed to cache response")
		}
	}

	return reply
}

func (e *Engine) supportedLanguage(code string) bool {
	for _, l := range e.languages {
		if l == code {
			return true
		}
	}
	return false
}

func (e *Engine) errorOutcome(lang, cause string) Outcome {
	return Outcome{Lang: lang, Replies: []Reply{
		{Key: i18n.MsgError, Data: map[string]interface{}{"Error": cause}},
	}}
}
