package plugins

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/bytedance/sonic"
)

// maxResponseBody bounds what a connector reads back from a remote API.
const maxResponseBody = 1 << 20

// HTTPError is a non-2xx answer from a remote API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func httpRequest(ctx context.Context, client *http.Client, method, url string, header http.Header, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	res, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()

	rbody, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return res.StatusCode, nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return res.StatusCode, rbody, &HTTPError{StatusCode: res.StatusCode, Body: string(rbody)}
	}
	return res.StatusCode, rbody, nil
}

// postJSON sends in as JSON with a bearer token and decodes the answer into out.
func postJSON(ctx context.Context, client *http.Client, url, token string, header http.Header, in, out any) error {
	payload, err := sonic.Marshal(in)
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		h[k] = v
	}

	_, rbody, err := httpRequest(ctx, client, http.MethodPost, url, h, payload)
	if err != nil {
		return err
	}
	if out == nil || len(rbody) == 0 {
		return nil
	}
	return sonic.Unmarshal(rbody, out)
}

// HTTPConnector calls an arbitrary URL. The credential, when present, is sent
// as a bearer token unless the node sets its own Authorization header.
type HTTPConnector struct {
	client *http.Client
}

func NewHTTPConnector(client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPConnector{client: client}
}

func (*HTTPConnector) RequiresCredential() bool { return false }

func (c *HTTPConnector) Invoke(ctx context.Context, inv engine.Invocation) (engine.Ack, error) {
	cfg, ok := inv.Config.(model.HTTPRequestConfig)
	if !ok {
		return engine.Ack{}, configError(inv)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
		if cfg.Body != "" {
			method = http.MethodPost
		}
	}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	if inv.Credential.Token != "" && header.Get("Authorization") == "" {
		header.Set("Authorization", "Bearer "+inv.Credential.Token)
	}
	if cfg.Body != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	status, body, err := httpRequest(ctx, c.client, method, cfg.URL, header, []byte(cfg.Body))
	if err != nil {
		return engine.Ack{}, err
	}
	return engine.Ack{Outputs: map[string]string{
		"status_code": strconv.Itoa(status),
		"body":        string(body),
	}}, nil
}
