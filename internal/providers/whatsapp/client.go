package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v19.0"
)

// Client talks to the WhatsApp Business Cloud API messages endpoint.
type Client struct {
	Token         string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
	HTTP          *http.Client
}

// TemplateMessage is a pre-approved template send. Params are bound in order to
// the template's body parameters.
type TemplateMessage struct {
	To       string
	Template string
	Language string
	Params   []string
}

type SendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status,omitempty"`
	} `json:"messages"`
}

// MessageID is the provider-assigned id (wamid) used to match later callbacks.
func (r SendResponse) MessageID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

type errorEnvelope struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func (c *Client) SendTemplate(ctx context.Context, msg TemplateMessage) (SendResponse, error) {
	params := make([]map[string]string, 0, len(msg.Params))
	for _, p := range msg.Params {
		params = append(params, map[string]string{"type": "text", "text": p})
	}
	tmpl := map[string]any{
		"name":     msg.Template,
		"language": map[string]string{"code": firstNonEmpty(msg.Language, "en_US")},
	}
	if len(params) > 0 {
		tmpl["components"] = []map[string]any{{"type": "body", "parameters": params}}
	}
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.To,
		"type":              "template",
		"template":          tmpl,
	})
}

// SendText sends a free-form text. Only valid inside the contact's reply window.
func (c *Client) SendText(ctx context.Context, to, body string) (SendResponse, error) {
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	})
}

func (c *Client) post(ctx context.Context, payload any) (SendResponse, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, err
	}

	baseURL := strings.TrimRight(firstNonEmpty(c.BaseURL, defaultBaseURL), "/")
	endpoint := baseURL + "/" + firstNonEmpty(c.APIVersion, defaultAPIVersion) + "/" + c.PhoneNumberID + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return SendResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return SendResponse{}, &ProviderError{Kind: KindTransient, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env errorEnvelope
		_ = json.Unmarshal(raw, &env)
		pe := &ProviderError{
			HTTPStatus: resp.StatusCode,
			Code:       env.Error.Code,
			Subcode:    env.Error.ErrorSubcode,
			Message:    firstNonEmpty(env.Error.Message, http.StatusText(resp.StatusCode)),
			Details:    env.Error.ErrorData.Details,
		}
		pe.Kind = ClassifyCode(pe.HTTPStatus, pe.Code)
		return SendResponse{}, pe
	}

	var out SendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return SendResponse{}, fmt.Errorf("decode send response: %w", err)
	}
	if out.MessageID() == "" {
		return out, errors.New("send response carries no message id")
	}
	return out, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
