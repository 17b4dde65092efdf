package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"book-search-agent/internal/domain"
	"book-search-agent/internal/integrations/openai"
	"book-search-agent/internal/integrations/openlibrary"
	"book-search-agent/internal/safety"
)

const (
	defaultHistoryTurns = 10
	defaultMaxQueryLen  = 300
)

// User-facing texts for the non-book reply variants.
const (
	msgProfanity = "Please note that this Book Search service is moderated " +
		"and does not tolerate the use of profanity."
	msgNoIntent = "I'm here to help you find books. Tell me a topic, a theme, " +
		"or an author you're interested in."
	msgNoCatalogHits = "I couldn't find any books in the catalog matching your " +
		"request. Try a different topic or author."
	msgAllExcluded = "Every book matching your request was ruled out by the " +
		"terms you asked me to avoid. Try relaxing them."
	msgUpstream = "The book search service is temporarily unavailable. " +
		"Please try again in a moment."
	msgFallbackFurtherChat = "Would you like me to look for more books like these?"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, schema *openai.JSONSchema) (string, error)
}

type CatalogClient interface {
	Search(ctx context.Context, q openlibrary.Query) ([]openlibrary.Doc, error)
}

type SafetyFilter interface {
	Screen(text string) safety.Verdict
}

type SessionStore interface {
	GetRecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)
	GetLastCriteria(ctx context.Context, sessionID string) (*domain.SearchCriteria, error)
	SaveExchange(ctx context.Context, sessionID string, userTurn, assistantTurn domain.Turn, criteria *domain.SearchCriteria) error
}

// SearchService runs the per-turn pipeline: safety screen, intent
// extraction, catalog resolution, response composition, with the session
// store read before and written after each turn.
type SearchService struct {
	safety   SafetyFilter
	params   ParamGetter
	llm      LLMClient
	catalog  CatalogClient
	sessions SessionStore
	logger   *slog.Logger

	paramPrefix  string
	historyTurns int
	maxQueryLen  int

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	pinnedPrompt string
	openaiModel  string
}

type SearchInput struct {
	SessionID string
	Query     string
}

func NewSearchService(filter SafetyFilter, p ParamGetter, llm LLMClient, catalog CatalogClient, sessions SessionStore, paramPrefix string, historyTurns, maxQueryLen int) (*SearchService, error) {
	if filter == nil {
		return nil, errors.New("usecase: safety filter must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("usecase: catalog client must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	if maxQueryLen <= 0 {
		maxQueryLen = defaultMaxQueryLen
	}
	return &SearchService{
		safety:       filter,
		params:       p,
		llm:          llm,
		catalog:      catalog,
		sessions:     sessions,
		logger:       slog.Default(),
		paramPrefix:  paramPrefix,
		historyTurns: historyTurns,
		maxQueryLen:  maxQueryLen,
	}, nil
}

// Search handles one inbound chat turn and returns exactly one reply variant.
func (s *SearchService) Search(ctx context.Context, in SearchInput) (domain.Reply, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return domain.Reply{}, newError(ErrorInvalidInput, "empty_query", nil)
	}
	if len(query) > s.maxQueryLen {
		return domain.Reply{}, newError(ErrorInvalidInput, "query_too_long", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newSessionID()
	}
	if err := s.ensureConfig(ctx); err != nil {
		return domain.Reply{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	// The safety screen short-circuits before any external call; the
	// rejection leaves session state untouched.
	if verdict := s.safety.Screen(query); verdict.Flagged {
		outcome := domain.Outcome{Kind: domain.OutcomeProfanityRejected, Reason: verdict.Term}
		return s.compose(ctx, sessionID, query, outcome, nil), nil
	}

	prior, history := s.readSessionContext(ctx, sessionID)

	outcome, criteria := s.runPipeline(ctx, query, prior, history)
	var persistCriteria *domain.SearchCriteria
	if outcome.Kind == domain.OutcomeBooks {
		persistCriteria = &criteria
	}
	return s.compose(ctx, sessionID, query, outcome, persistCriteria), nil
}

// runPipeline performs extraction and resolution, returning the outcome and
// the criteria it resolved with (meaningful only for OutcomeBooks).
func (s *SearchService) runPipeline(ctx context.Context, query string, prior *domain.SearchCriteria, history []domain.Turn) (domain.Outcome, domain.SearchCriteria) {
	intent, err := s.extractIntent(ctx, history, query)
	if err != nil {
		s.logger.Warn("intent extraction failed", "err", err)
		return domain.Outcome{Kind: domain.OutcomeUpstreamIssue, Reason: "intent extraction unavailable"}, domain.SearchCriteria{}
	}
	if !intent.HasIntent {
		return domain.Outcome{Kind: domain.OutcomeNoIntent, Reason: "no_intent"}, domain.SearchCriteria{}
	}

	criteria := criteriaFromIntent(intent).MergeOver(prior)
	if strings.TrimSpace(criteria.Topic) == "" {
		// Intent without a topic and nothing inherited: nothing searchable.
		return domain.Outcome{Kind: domain.OutcomeNoIntent, Reason: "no_topic"}, domain.SearchCriteria{}
	}

	books, reason, err := s.resolveBooks(ctx, criteria)
	if err != nil {
		s.logger.Warn("catalog resolution failed", "err", err)
		return domain.Outcome{Kind: domain.OutcomeUpstreamIssue, Reason: "book catalog unavailable"}, domain.SearchCriteria{}
	}
	if reason != "" {
		return domain.Outcome{Kind: domain.OutcomeNoMatches, Reason: reason}, domain.SearchCriteria{}
	}

	books, furtherChat := s.enrichBooks(ctx, criteria, books)
	return domain.Outcome{Kind: domain.OutcomeBooks, Books: books, FurtherChat: furtherChat}, criteria
}

// extractIntent asks the model for structured search intent, retrying once
// on a transient upstream failure.
func (s *SearchService) extractIntent(ctx context.Context, history []domain.Turn, query string) (intentResponse, error) {
	messages := buildIntentMessages(s.pinned(), history, query)

	var raw string
	err := retryTransient(ctx, func() error {
		var chatErr error
		raw, chatErr = s.llm.Chat(ctx, s.model(), messages, intentSchema())
		return chatErr
	})
	if err != nil {
		return intentResponse{}, fmt.Errorf("usecase: intent chat: %w", err)
	}
	return parseIntent(raw)
}

func criteriaFromIntent(intent intentResponse) domain.SearchCriteria {
	count := intent.Count
	if count < 0 {
		count = 0
	}
	if count > domain.MaxResultCount {
		count = domain.MaxResultCount
	}
	exclude := make([]string, 0, len(intent.Exclude))
	for _, term := range intent.Exclude {
		if t := strings.TrimSpace(term); t != "" {
			exclude = append(exclude, t)
		}
	}
	return domain.SearchCriteria{
		Topic:   strings.TrimSpace(intent.Topic),
		Author:  strings.TrimSpace(intent.Author),
		Count:   count,
		Exclude: exclude,
	}
}

// enrichBooks makes one description call for the whole batch. On failure the
// books are still returned, with empty briefs and a stock closing remark.
func (s *SearchService) enrichBooks(ctx context.Context, criteria domain.SearchCriteria, books []domain.BookRecord) ([]domain.BookRecord, string) {
	messages := buildDescriptionMessages(s.pinned(), criteria, books)

	var raw string
	err := retryTransient(ctx, func() error {
		var chatErr error
		raw, chatErr = s.llm.Chat(ctx, s.model(), messages, descriptionSchema())
		return chatErr
	})
	if err != nil {
		s.logger.Warn("description batch failed, returning books without briefs", "err", err)
		return books, msgFallbackFurtherChat
	}
	parsed, err := parseDescriptions(raw)
	if err != nil {
		s.logger.Warn("description batch unparseable, returning books without briefs", "err", err)
		return books, msgFallbackFurtherChat
	}

	briefs := make(map[string]string, len(parsed.Books))
	for _, b := range parsed.Books {
		briefs[normalizedKey(b.Title, b.AuthorName)] = strings.TrimSpace(b.BriefDescription)
	}
	for i := range books {
		books[i].BriefDescription = briefs[normalizedKey(books[i].Title, books[i].AuthorName)]
	}

	furtherChat := strings.TrimSpace(parsed.FurtherChat)
	if furtherChat == "" {
		furtherChat = msgFallbackFurtherChat
	}
	return books, furtherChat
}

// compose renders the outcome as the final reply variant and updates the
// session store. Criteria are written only on the books path; a rejected or
// failed turn never overwrites prior valid search context.
func (s *SearchService) compose(ctx context.Context, sessionID, query string, outcome domain.Outcome, criteria *domain.SearchCriteria) domain.Reply {
	var reply domain.Reply
	var assistantContent string

	switch outcome.Kind {
	case domain.OutcomeBooks:
		reply = domain.Reply{Books: outcome.Books, FurtherChat: outcome.FurtherChat}
		assistantContent = recommendedSummary(outcome.Books)
	case domain.OutcomeNoMatches:
		text := msgNoCatalogHits
		if outcome.Reason == domain.ReasonAllHitsExcluded {
			text = msgAllExcluded
		}
		reply = domain.Reply{NoMatchesFound: text}
		assistantContent = text
	case domain.OutcomeNoIntent:
		reply = domain.Reply{Message: msgNoIntent}
		assistantContent = msgNoIntent
	case domain.OutcomeProfanityRejected:
		// Short-circuited turn: nothing is persisted.
		return domain.Reply{ProfanityFound: msgProfanity}
	case domain.OutcomeUpstreamIssue:
		reply = domain.Reply{IssueReason: msgUpstream}
		assistantContent = msgUpstream
	default:
		reply = domain.Reply{IssueReason: msgUpstream}
		assistantContent = msgUpstream
	}

	s.persistExchange(ctx, sessionID, query, assistantContent, criteria)
	return reply
}

// persistExchange appends the request/response pair (and, on the books path,
// the new criteria) to the session. A turn the client never received is not
// persisted; a write failure is logged but does not fail the composed reply.
func (s *SearchService) persistExchange(ctx context.Context, sessionID, query, assistantContent string, criteria *domain.SearchCriteria) {
	if ctx.Err() != nil {
		s.logger.Warn("client gone before completion, discarding session write", "session_id", sessionID)
		return
	}
	now := time.Now().UTC()
	userTurn := domain.Turn{Role: domain.RoleUser, Content: query, Timestamp: now}
	assistantTurn := domain.Turn{Role: domain.RoleAssistant, Content: assistantContent, Timestamp: now.Add(time.Nanosecond)}

	if err := s.sessions.SaveExchange(ctx, sessionID, userTurn, assistantTurn, criteria); err != nil {
		s.logger.Warn("session write failed", "session_id", sessionID, "err", err)
	}
}

// readSessionContext loads prior criteria and recent turns. Storage
// unavailability degrades to a fresh session rather than failing the turn.
func (s *SearchService) readSessionContext(ctx context.Context, sessionID string) (*domain.SearchCriteria, []domain.Turn) {
	prior, err := s.sessions.GetLastCriteria(ctx, sessionID)
	if err != nil {
		s.logger.Warn("session criteria read failed, treating session as fresh", "session_id", sessionID, "err", err)
		prior = nil
	}
	history, err := s.sessions.GetRecentTurns(ctx, sessionID, s.historyTurns)
	if err != nil {
		s.logger.Warn("session history read failed, continuing without context", "session_id", sessionID, "err", err)
		history = nil
	}
	return prior, history
}

func recommendedSummary(books []domain.BookRecord) string {
	parts := make([]string, 0, len(books))
	for _, b := range books {
		parts = append(parts, fmt.Sprintf("%s by %s", b.Title, b.AuthorName))
	}
	return "Recommended: " + strings.Join(parts, "; ")
}

func (s *SearchService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	pinnedPrompt, err := s.params.GetParameter(ctx, s.paramPrefix+"/pinned_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load pinned prompt: %w", err)
	}
	openaiModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}

	s.pinnedPrompt = pinnedPrompt
	s.openaiModel = openaiModel
	s.cacheLoaded = true
	return nil
}

func (s *SearchService) pinned() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.pinnedPrompt
}

func (s *SearchService) model() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.openaiModel
}

var newSessionID = func() string {
	return uuid.NewString()
}
