package plugins

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
)

const (
	defaultNotionAPI     = "https://api.notion.com/v1"
	defaultNotionVersion = "2022-06-28"
)

type NotionConnector struct {
	baseURL string
	version string
	client  *http.Client
}

func NewNotionConnector(cfg engine.NotionConfig, client *http.Client) *NotionConnector {
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = defaultNotionAPI
	}
	version := cfg.Version
	if version == "" {
		version = defaultNotionVersion
	}
	if client == nil {
		client = &http.Client{}
	}
	return &NotionConnector{baseURL: base, version: version, client: client}
}

type notionText struct {
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
}

func richText(s string) []notionText {
	var t notionText
	t.Text.Content = s
	return []notionText{t}
}

type notionBlock struct {
	Object    string `json:"object"`
	Type      string `json:"type"`
	Paragraph struct {
		RichText []notionText `json:"rich_text"`
	} `json:"paragraph"`
}

type notionPage struct {
	Parent struct {
		DatabaseID string `json:"database_id"`
	} `json:"parent"`
	Properties map[string]any `json:"properties"`
	Children   []notionBlock  `json:"children,omitempty"`
}

type notionPageResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Invoke creates a page in the configured database, titled cfg.Title, with
// cfg.Content as a single paragraph.
func (c *NotionConnector) Invoke(ctx context.Context, inv engine.Invocation) (engine.Ack, error) {
	cfg, ok := inv.Config.(model.NotionPageConfig)
	if !ok {
		return engine.Ack{}, configError(inv)
	}
	if cfg.DatabaseID == "" {
		return engine.Ack{}, errors.New("notion: database id is required")
	}

	var page notionPage
	page.Parent.DatabaseID = cfg.DatabaseID
	page.Properties = map[string]any{
		"title": map[string]any{"title": richText(cfg.Title)},
	}
	if cfg.Content != "" {
		var block notionBlock
		block.Object = "block"
		block.Type = "paragraph"
		block.Paragraph.RichText = richText(cfg.Content)
		page.Children = []notionBlock{block}
	}

	header := http.Header{}
	header.Set("Notion-Version", c.version)
	var res notionPageResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/pages", inv.Credential.Token, header, page, &res); err != nil {
		return engine.Ack{}, err
	}
	return engine.Ack{Outputs: map[string]string{"page_id": res.ID, "url": res.URL}}, nil
}
