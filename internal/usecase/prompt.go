package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"book-search-agent/internal/domain"
	"book-search-agent/internal/integrations/openai"
)

// intentResponse is the structured-output contract for intent extraction.
// Empty strings and zero mean "not mentioned in this turn".
type intentResponse struct {
	HasIntent bool     `json:"has_intent"`
	Topic     string   `json:"topic"`
	Author    string   `json:"author"`
	Count     int      `json:"count"`
	Exclude   []string `json:"exclude"`
}

// descriptionResponse is the structured-output contract for the per-batch
// description call made by the composer.
type descriptionResponse struct {
	Books []struct {
		Title            string `json:"title"`
		AuthorName       string `json:"author_name"`
		BriefDescription string `json:"brief_description"`
	} `json:"books"`
	FurtherChat string `json:"further_chat"`
}

func intentSchema() *openai.JSONSchema {
	return &openai.JSONSchema{
		Name: "search_intent",
		Schema: json.RawMessage(`{
			"type":"object",
			"additionalProperties":false,
			"properties":{
				"has_intent":{"type":"boolean"},
				"topic":{"type":"string"},
				"author":{"type":"string"},
				"count":{"type":"integer"},
				"exclude":{"type":"array","items":{"type":"string"}}
			},
			"required":["has_intent","topic","author","count","exclude"]
		}`),
	}
}

func descriptionSchema() *openai.JSONSchema {
	return &openai.JSONSchema{
		Name: "book_descriptions",
		Schema: json.RawMessage(`{
			"type":"object",
			"additionalProperties":false,
			"properties":{
				"books":{
					"type":"array",
					"items":{
						"type":"object",
						"additionalProperties":false,
						"properties":{
							"title":{"type":"string"},
							"author_name":{"type":"string"},
							"brief_description":{"type":"string"}
						},
						"required":["title","author_name","brief_description"]
					}
				},
				"further_chat":{"type":"string"}
			},
			"required":["books","further_chat"]
		}`),
	}
}

func buildIntentMessages(pinnedPrompt string, history []domain.Turn, query string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: strings.TrimSpace(pinnedPrompt)},
		{Role: domain.RoleSystem, Content: buildIntentInstructions()},
	}
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		role := domain.RoleUser
		if turn.Role == domain.RoleAssistant {
			role = domain.RoleAssistant
		}
		messages = append(messages, domain.ChatMessage{Role: role, Content: content})
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: query})
	return messages
}

func buildIntentInstructions() string {
	return strings.Join([]string{
		"Task:",
		"Extract structured book search intent from the latest user message.",
		"",
		"Rules:",
		"1) topic is the theme or subject the user wants books about, in a few words.",
		"2) author is set only when the user names an author.",
		"3) count is set only when the user asks for a number of books.",
		`4) If the message mentions "a book" or "one book", set count to 1.`,
		"5) exclude lists themes or terms the user does not want.",
		"6) Leave fields empty (or zero) when the message does not mention them;",
		"   follow-up messages often change only one field.",
		"7) If the message has no book-related intent at all, set has_intent to false",
		"   and leave every other field empty.",
		"",
		"Return JSON only, matching the provided schema.",
	}, "\n")
}

func buildDescriptionMessages(pinnedPrompt string, criteria domain.SearchCriteria, books []domain.BookRecord) []domain.ChatMessage {
	var list strings.Builder
	for i, b := range books {
		fmt.Fprintf(&list, "%d) %q by %s\n", i+1, b.Title, b.AuthorName)
	}

	instructions := strings.Join([]string{
		"Task:",
		"Write a brief description (about 50 words) for each of the books below.",
		fmt.Sprintf("The reader asked for books about: %s.", criteria.Topic),
		"",
		"Books:",
		list.String(),
		"Also write further_chat: a short, friendly message relevant to this request,",
		"offering further help finding suitable books.",
		"",
		"Return JSON only, matching the provided schema. Echo title and author_name",
		"exactly as given so each description can be matched back to its book.",
	}, "\n")

	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: strings.TrimSpace(pinnedPrompt)},
		{Role: domain.RoleUser, Content: instructions},
	}
}

// decodeStrict decodes exactly one JSON value into out, rejecting unknown
// fields and trailing data. Malformed model output is rejected, not guessed.
func decodeStrict(raw string, out any) error {
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("usecase: decode model output: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("usecase: decode model output: multiple JSON values")
		}
		return fmt.Errorf("usecase: decode model output trailing data: %w", err)
	}
	return nil
}

func parseIntent(raw string) (intentResponse, error) {
	var out intentResponse
	if err := decodeStrict(raw, &out); err != nil {
		return intentResponse{}, err
	}
	// A follow-up turn may carry only a count ("3 more like that"); topic
	// presence is checked after merging with prior criteria.
	return out, nil
}

func parseDescriptions(raw string) (descriptionResponse, error) {
	var out descriptionResponse
	if err := decodeStrict(raw, &out); err != nil {
		return descriptionResponse{}, err
	}
	return out, nil
}
