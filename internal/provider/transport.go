package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
)

const userAgent = "chat-history/1.0"

// exchange carries per-call state between a provider method and the
// transport: fields merged into the outgoing JSON body, and the citation
// contexts lifted from each response event in arrival order.
type exchange struct {
	body map[string]any

	mu       sync.Mutex
	contexts []json.RawMessage
}

type exchangeKey struct{}

func newExchange(req *Request) *exchange {
	body := map[string]any{
		// The client library omits a zero temperature; send it explicitly.
		"temperature": req.Temperature,
	}
	if len(req.DataSources) > 0 {
		body["data_sources"] = req.DataSources
	}
	return &exchange{body: body}
}

func withExchange(ctx context.Context, x *exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, x)
}

func (x *exchange) push(raw json.RawMessage) {
	x.mu.Lock()
	x.contexts = append(x.contexts, raw)
	x.mu.Unlock()
}

func (x *exchange) pop() json.RawMessage {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.contexts) == 0 {
		return nil
	}
	raw := x.contexts[0]
	x.contexts = x.contexts[1:]
	return raw
}

// azureTransport adds the Azure extensions the client library does not model.
type azureTransport struct {
	base http.RoundTripper
}

func (t *azureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	x, _ := req.Context().Value(exchangeKey{}).(*exchange)

	out := req.Clone(req.Context())
	out.Header.Set("x-ms-useragent", userAgent)
	if x != nil && req.Body != nil && len(x.body) > 0 {
		raw, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		merged, err := mergeJSON(raw, x.body)
		if err != nil {
			return nil, err
		}
		out.Body = io.NopCloser(bytes.NewReader(merged))
		out.ContentLength = int64(len(merged))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(merged)), nil
		}
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil || x == nil || resp.StatusCode >= http.StatusMultipleChoices {
		return resp, err
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body = &eventTap{ReadCloser: resp.Body, exchange: x}
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	x.push(extractContext(body, "message"))
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func mergeJSON(raw []byte, extra map[string]any) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for k, v := range extra {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// extractContext returns choices[0].<field>.context of a completion body.
func extractContext(body []byte, field string) json.RawMessage {
	var doc struct {
		Choices []map[string]json.RawMessage `json:"choices"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || len(doc.Choices) == 0 {
		return nil
	}
	raw, ok := doc.Choices[0][field]
	if !ok {
		return nil
	}
	var msg struct {
		Context json.RawMessage `json:"context"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return msg.Context
}

// eventTap watches server-sent events as the client reads them and records
// one context entry per data event, so the n-th Recv pairs with the n-th entry.
type eventTap struct {
	io.ReadCloser
	exchange *exchange
	partial  []byte
}

func (t *eventTap) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	if n > 0 {
		t.partial = append(t.partial, p[:n]...)
		t.scan()
	}
	return n, err
}

func (t *eventTap) scan() {
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return
		}
		t.observe(bytes.TrimRight(t.partial[:i], "\r"))
		t.partial = t.partial[i+1:]
	}
}

func (t *eventTap) observe(line []byte) {
	payload, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || string(payload) == "[DONE]" {
		return
	}
	t.exchange.push(extractContext(payload, "delta"))
}
