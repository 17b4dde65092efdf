package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"book-search-agent/internal/domain"
	"book-search-agent/internal/integrations/openai"
	"book-search-agent/internal/integrations/openlibrary"
	"book-search-agent/internal/safety"
)

type mockParams struct {
	vals map[string]string
	err  error
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

func defaultParams() *mockParams {
	return &mockParams{
		vals: map[string]string{
			"/prefix/pinned_prompt":       "You are a helpful librarian.",
			"/prefix/config/openai_model": "gpt-4o-mini",
		},
	}
}

type chatResult struct {
	answer string
	err    error
}

// mockLLM routes calls by schema name so intent and description behavior can
// be scripted independently.
type mockLLM struct {
	intent    []chatResult
	desc      []chatResult
	intentN   int
	descN     int
	callCount int
}

func (m *mockLLM) Chat(_ context.Context, _ string, _ []domain.ChatMessage, schema *openai.JSONSchema) (string, error) {
	m.callCount++
	var queue []chatResult
	var idx *int
	switch {
	case schema != nil && schema.Name == "book_descriptions":
		queue, idx = m.desc, &m.descN
	default:
		queue, idx = m.intent, &m.intentN
	}
	if len(queue) == 0 {
		return "", errors.New("no llm response configured")
	}
	i := *idx
	if i >= len(queue) {
		i = len(queue) - 1
	}
	*idx++
	return queue[i].answer, queue[i].err
}

// mockCatalog is hit concurrently by the resolver fan-out, hence the mutex.
type mockCatalog struct {
	mu          sync.Mutex
	qDocs       []openlibrary.Doc
	subjectDocs []openlibrary.Doc
	err         error
	callCount   int
}

func (m *mockCatalog) Search(_ context.Context, q openlibrary.Query) ([]openlibrary.Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}
	if q.Subject != "" {
		return m.subjectDocs, nil
	}
	return m.qDocs, nil
}

type mockSessions struct {
	criteria    *domain.SearchCriteria
	history     []domain.Turn
	criteriaErr error
	historyErr  error
	saveErr     error

	saveInvoked   bool
	savedUser     domain.Turn
	savedCriteria *domain.SearchCriteria
}

func (m *mockSessions) GetRecentTurns(_ context.Context, _ string, _ int) ([]domain.Turn, error) {
	return m.history, m.historyErr
}

func (m *mockSessions) GetLastCriteria(_ context.Context, _ string) (*domain.SearchCriteria, error) {
	return m.criteria, m.criteriaErr
}

func (m *mockSessions) SaveExchange(_ context.Context, _ string, userTurn, _ domain.Turn, criteria *domain.SearchCriteria) error {
	m.saveInvoked = true
	m.savedUser = userTurn
	m.savedCriteria = criteria
	return m.saveErr
}

type staticFilter struct {
	verdict safety.Verdict
}

func (f *staticFilter) Screen(_ string) safety.Verdict { return f.verdict }

func pass() *staticFilter { return &staticFilter{} }
func flag() *staticFilter {
	return &staticFilter{verdict: safety.Verdict{Flagged: true, Term: "bad"}}
}

func intentJSON(topic, author string, count int, exclude ...string) string {
	quoted := make([]string, 0, len(exclude))
	for _, e := range exclude {
		quoted = append(quoted, fmt.Sprintf("%q", e))
	}
	return fmt.Sprintf(`{"has_intent":true,"topic":%q,"author":%q,"count":%d,"exclude":[%s]}`,
		topic, author, count, strings.Join(quoted, ","))
}

func noIntentJSON() string {
	return `{"has_intent":false,"topic":"","author":"","count":0,"exclude":[]}`
}

func descJSON(books []openlibrary.Doc, furtherChat string) string {
	var parts []string
	for _, b := range books {
		author := ""
		if len(b.AuthorName) > 0 {
			author = b.AuthorName[0]
		}
		parts = append(parts, fmt.Sprintf(`{"title":%q,"author_name":%q,"brief_description":"A fine read."}`, b.Title, author))
	}
	return fmt.Sprintf(`{"books":[%s],"further_chat":%q}`, strings.Join(parts, ","), furtherChat)
}

func catalogDocs(n int) []openlibrary.Doc {
	docs := make([]openlibrary.Doc, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, openlibrary.Doc{
			Title:      fmt.Sprintf("Book %d", i+1),
			AuthorName: []string{fmt.Sprintf("Author %d", i+1)},
		})
	}
	return docs
}

func newTestService(t *testing.T, filter SafetyFilter, llm LLMClient, catalog CatalogClient, sessions SessionStore) *SearchService {
	t.Helper()
	svc, err := NewSearchService(filter, defaultParams(), llm, catalog, sessions, "/prefix", 10, 300)
	require.NoError(t, err)
	return svc
}

func expectSearchError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	require.Equal(t, reason, ucErr.Reason)
}

func TestNewSearchService_ValidatesDependencies(t *testing.T) {
	llm := &mockLLM{}
	catalog := &mockCatalog{}
	sessions := &mockSessions{}

	_, err := NewSearchService(nil, defaultParams(), llm, catalog, sessions, "/prefix", 10, 300)
	require.Error(t, err)

	_, err = NewSearchService(pass(), nil, llm, catalog, sessions, "/prefix", 10, 300)
	require.Error(t, err)

	_, err = NewSearchService(pass(), defaultParams(), nil, catalog, sessions, "/prefix", 10, 300)
	require.Error(t, err)

	_, err = NewSearchService(pass(), defaultParams(), llm, nil, sessions, "/prefix", 10, 300)
	require.Error(t, err)

	_, err = NewSearchService(pass(), defaultParams(), llm, catalog, nil, "/prefix", 10, 300)
	require.Error(t, err)

	_, err = NewSearchService(pass(), defaultParams(), llm, catalog, sessions, " ", 10, 300)
	require.Error(t, err)
}

func TestSearch_HappyPath_ThreeBooks(t *testing.T) {
	docs := catalogDocs(5)
	catalog := &mockCatalog{qDocs: docs}
	llm := &mockLLM{
		intent: []chatResult{{answer: intentJSON("adventures and nature", "", 3)}},
		desc:   []chatResult{{answer: descJSON(docs[:3], "Want more adventures?")}},
	}
	sessions := &mockSessions{}
	svc := newTestService(t, pass(), llm, catalog, sessions)

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "3 books about adventures and nature"})
	require.NoError(t, err)
	require.Len(t, reply.Books, 3)
	for _, b := range reply.Books {
		require.NotEmpty(t, b.Title)
		require.NotEmpty(t, b.AuthorName)
		require.NotEmpty(t, b.BriefDescription)
	}
	require.Equal(t, "Want more adventures?", reply.FurtherChat)

	require.True(t, sessions.saveInvoked)
	require.NotNil(t, sessions.savedCriteria)
	require.Equal(t, "adventures and nature", sessions.savedCriteria.Topic)
	require.Equal(t, 3, sessions.savedCriteria.Count)
	require.Equal(t, "3 books about adventures and nature", sessions.savedUser.Content)
}

func TestSearch_Profanity_ShortCircuits(t *testing.T) {
	llm := &mockLLM{}
	catalog := &mockCatalog{}
	sessions := &mockSessions{}
	svc := newTestService(t, flag(), llm, catalog, sessions)

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "something rude"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.ProfanityFound)
	require.Empty(t, reply.Books)

	// The rejected turn must not reach the extractor, the catalog, or the store.
	require.Zero(t, llm.callCount)
	require.Zero(t, catalog.callCount)
	require.False(t, sessions.saveInvoked)
}

func TestSearch_FollowUp_InheritsPriorCriteria(t *testing.T) {
	docs := catalogDocs(5)
	catalog := &mockCatalog{qDocs: docs}
	llm := &mockLLM{
		// Follow-up turn mentions only a new count.
		intent: []chatResult{{answer: intentJSON("", "", 3)}},
		desc:   []chatResult{{answer: descJSON(docs[:3], "More like these?")}},
	}
	sessions := &mockSessions{
		criteria: &domain.SearchCriteria{Topic: "sea voyages", Author: "Patrick O'Brian", Count: 5, Exclude: []string{"whaling"}},
	}
	svc := newTestService(t, pass(), llm, catalog, sessions)

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "3 more like that"})
	require.NoError(t, err)
	require.Len(t, reply.Books, 3)

	require.NotNil(t, sessions.savedCriteria)
	require.Equal(t, "sea voyages", sessions.savedCriteria.Topic)
	require.Equal(t, "Patrick O'Brian", sessions.savedCriteria.Author)
	require.Equal(t, []string{"whaling"}, sessions.savedCriteria.Exclude)
	require.Equal(t, 3, sessions.savedCriteria.Count)
}

func TestSearch_DeduplicatesAcrossQueries(t *testing.T) {
	shared := openlibrary.Doc{Title: "The Voyage", AuthorName: []string{"A. Sailor"}}
	catalog := &mockCatalog{
		qDocs:       []openlibrary.Doc{shared, {Title: "Other Book", AuthorName: []string{"B. Writer"}}},
		subjectDocs: []openlibrary.Doc{{Title: "the  voyage", AuthorName: []string{"a. sailor"}}},
	}
	llm := &mockLLM{
		intent: []chatResult{{answer: intentJSON("voyages", "", 10)}},
		desc:   []chatResult{{answer: `{"books":[],"further_chat":"More?"}`}},
	}
	svc := newTestService(t, pass(), llm, catalog, &mockSessions{})

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "books about voyages"})
	require.NoError(t, err)
	require.Len(t, reply.Books, 2)

	titles := map[string]int{}
	for _, b := range reply.Books {
		titles[strings.ToLower(b.Title)]++
	}
	require.Equal(t, 1, titles["the voyage"])
}

func TestSearch_NoCatalogHits_LeavesCriteriaAlone(t *testing.T) {
	prior := &domain.SearchCriteria{Topic: "old topic"}
	sessions := &mockSessions{criteria: prior}
	llm := &mockLLM{intent: []chatResult{{answer: intentJSON("obscure topic", "", 0)}}}
	svc := newTestService(t, pass(), llm, &mockCatalog{}, sessions)

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "books about an obscure topic"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.NoMatchesFound)
	require.Empty(t, reply.Books)

	// The turn is recorded but the criteria item is untouched.
	require.True(t, sessions.saveInvoked)
	require.Nil(t, sessions.savedCriteria)
}

func TestSearch_AllHitsExcluded_DistinctReason(t *testing.T) {
	catalog := &mockCatalog{qDocs: []openlibrary.Doc{
		{Title: "Whaling Tales", AuthorName: []string{"C. Mariner"}},
	}}
	llm := &mockLLM{intent: []chatResult{{answer: intentJSON("sea stories", "", 0, "whaling")}}}
	svc := newTestService(t, pass(), llm, catalog, &mockSessions{})

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "sea stories but no whaling"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.NoMatchesFound)
	require.NotEqual(t, msgNoCatalogHits, reply.NoMatchesFound)
	require.Equal(t, msgAllExcluded, reply.NoMatchesFound)
}

func TestSearch_CatalogFailure_IssueReason(t *testing.T) {
	catalog := &mockCatalog{err: &openlibrary.HTTPStatusError{StatusCode: 503}}
	llm := &mockLLM{intent: []chatResult{{answer: intentJSON("anything", "", 0)}}}
	sessions := &mockSessions{criteria: &domain.SearchCriteria{Topic: "old topic"}}
	svc := newTestService(t, pass(), llm, catalog, sessions)

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "books about anything"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.IssueReason)
	require.Nil(t, sessions.savedCriteria)
}

func TestSearch_IntentTransientFailure_RetriedOnce(t *testing.T) {
	docs := catalogDocs(2)
	llm := &mockLLM{
		intent: []chatResult{
			{err: &openai.HTTPStatusError{StatusCode: 429}},
			{answer: intentJSON("gardening", "", 0)},
		},
		desc: []chatResult{{answer: descJSON(docs, "More?")}},
	}
	svc := newTestService(t, pass(), llm, &mockCatalog{qDocs: docs}, &mockSessions{})

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "books about gardening"})
	require.NoError(t, err)
	require.Len(t, reply.Books, 2)
	require.Equal(t, 2, llm.intentN)
}

func TestSearch_IntentPersistentFailure_IssueReason(t *testing.T) {
	llm := &mockLLM{intent: []chatResult{{err: &openai.HTTPStatusError{StatusCode: 500}}}}
	svc := newTestService(t, pass(), llm, &mockCatalog{}, &mockSessions{})

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "books about anything"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.IssueReason)
}

func TestSearch_MalformedIntent_IssueReason(t *testing.T) {
	llm := &mockLLM{intent: []chatResult{{answer: "not-json"}}}
	svc := newTestService(t, pass(), llm, &mockCatalog{}, &mockSessions{})

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "books about anything"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.IssueReason)
}

func TestSearch_NoIntent_GenericMessage(t *testing.T) {
	llm := &mockLLM{intent: []chatResult{{answer: noIntentJSON()}}}
	catalog := &mockCatalog{}
	svc := newTestService(t, pass(), llm, catalog, &mockSessions{})

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "nice weather today"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.Message)
	require.Zero(t, catalog.callCount)
}

func TestSearch_StorageReadFailure_DegradesToFreshSession(t *testing.T) {
	docs := catalogDocs(1)
	sessions := &mockSessions{
		criteriaErr: errors.New("storage unavailable"),
		historyErr:  errors.New("storage unavailable"),
	}
	llm := &mockLLM{
		intent: []chatResult{{answer: intentJSON("cooking", "", 1)}},
		desc:   []chatResult{{answer: descJSON(docs, "Hungry for more?")}},
	}
	svc := newTestService(t, pass(), llm, &mockCatalog{qDocs: docs}, sessions)

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "one book about cooking"})
	require.NoError(t, err)
	require.Len(t, reply.Books, 1)
}

func TestSearch_EnrichmentFailure_BooksStillReturned(t *testing.T) {
	docs := catalogDocs(2)
	llm := &mockLLM{
		intent: []chatResult{{answer: intentJSON("history", "", 2)}},
		desc:   []chatResult{{err: &openai.HTTPStatusError{StatusCode: 500}}},
	}
	svc := newTestService(t, pass(), llm, &mockCatalog{qDocs: docs}, &mockSessions{})

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "2 books about history"})
	require.NoError(t, err)
	require.Len(t, reply.Books, 2)
	require.NotEmpty(t, reply.FurtherChat)
	for _, b := range reply.Books {
		require.Empty(t, b.BriefDescription)
	}
}

func TestSearch_CanceledContext_SkipsSessionWrite(t *testing.T) {
	docs := catalogDocs(1)
	sessions := &mockSessions{}
	llm := &mockLLM{
		intent: []chatResult{{answer: intentJSON("cooking", "", 1)}},
		desc:   []chatResult{{answer: descJSON(docs, "More?")}},
	}
	svc := newTestService(t, pass(), llm, &mockCatalog{qDocs: docs}, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The composed reply is discarded by the transport on cancellation; the
	// important property is that nothing was persisted for this turn.
	_, _ = svc.Search(ctx, SearchInput{SessionID: "s1", Query: "one book about cooking"})
	require.False(t, sessions.saveInvoked)
}

func TestSearch_WriteFailure_DoesNotFailReply(t *testing.T) {
	docs := catalogDocs(1)
	sessions := &mockSessions{saveErr: errors.New("storage unavailable")}
	llm := &mockLLM{
		intent: []chatResult{{answer: intentJSON("cooking", "", 1)}},
		desc:   []chatResult{{answer: descJSON(docs, "More?")}},
	}
	svc := newTestService(t, pass(), llm, &mockCatalog{qDocs: docs}, sessions)

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "one book about cooking"})
	require.NoError(t, err)
	require.Len(t, reply.Books, 1)
}

func TestSearch_ValidationErrors(t *testing.T) {
	svc := newTestService(t, pass(), &mockLLM{}, &mockCatalog{}, &mockSessions{})

	_, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: ""})
	expectSearchError(t, err, ErrorInvalidInput, "empty_query")

	_, err = svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: strings.Repeat("a", 301)})
	expectSearchError(t, err, ErrorInvalidInput, "query_too_long")
}

func TestSearch_SSMLoadError(t *testing.T) {
	svc, err := NewSearchService(pass(), &mockParams{err: errors.New("ssm unavailable")}, &mockLLM{}, &mockCatalog{}, &mockSessions{}, "/prefix", 10, 300)
	require.NoError(t, err)

	_, err = svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "books about anything"})
	expectSearchError(t, err, ErrorInternal, "ssm_load_error")
}

func TestSearch_CountClampedToMaximum(t *testing.T) {
	docs := catalogDocs(15)
	llm := &mockLLM{
		intent: []chatResult{{answer: intentJSON("history", "", 50)}},
		desc:   []chatResult{{answer: `{"books":[],"further_chat":"More?"}`}},
	}
	sessions := &mockSessions{}
	svc := newTestService(t, pass(), llm, &mockCatalog{qDocs: docs}, sessions)

	reply, err := svc.Search(context.Background(), SearchInput{SessionID: "s1", Query: "50 books about history"})
	require.NoError(t, err)
	require.Len(t, reply.Books, domain.MaxResultCount)
	require.Equal(t, domain.MaxResultCount, sessions.savedCriteria.Count)
}
