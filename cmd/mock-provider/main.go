package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"broadcast/internal/logging"
	"broadcast/internal/providers/whatsapp"
)

type config struct {
	Token             string   `envconfig:"WHATSAPP_TOKEN" default:"mock_token"`
	AppSecret         string   `envconfig:"WHATSAPP_APP_SECRET"`
	Port              string   `envconfig:"PORT" default:"8080"`
	LogFormat         string   `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel          string   `envconfig:"LOG_LEVEL" default:"info"`
	OutcomeMode       string   `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	Outcomes          []string `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate       float64  `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string   `envconfig:"MOCK_FAILURE_WEIGHTS" default:"failed:1"`
	ReplyRate         float64  `envconfig:"MOCK_REPLY_RATE" default:"0"`
	WebhookURL        string   `envconfig:"MOCK_WEBHOOK_URL"`

	Delay          time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay   time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`
	StepDelayMin   time.Duration `envconfig:"MOCK_WEBHOOK_STEP_MIN" default:"200ms"`
	StepDelayMax   time.Duration `envconfig:"MOCK_WEBHOOK_STEP_MAX" default:"800ms"`
	WebhookRetries int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	RetryBase      time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_BASE" default:"250ms"`
	RetryMax       time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_MAX" default:"10s"`
	RetryJitterPct int           `envconfig:"MOCK_WEBHOOK_RETRY_JITTER_PCT" default:"20"`

	FailureWeights []weightedOutcome `ignored:"true"`
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

// outcome is what the mock does with one send.
type outcome struct {
	// statuses posted to the webhook after a successful send, in order
	Statuses []string
	// FailCode is attached to a trailing "failed" status
	FailCode int

	HTTPStatus int
	ErrCode    int
	ErrMessage string
	Timeout    bool
}

type server struct {
	cfg    config
	idx    atomic.Uint64
	rr     atomic.Uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/{version}/{phoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port, "webhook_url", cfg.WebhookURL)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock provider request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(strings.TrimSpace(cfg.OutcomeMode))
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: "failed", Weight: 1}}
	}
	if cfg.StepDelayMax < cfg.StepDelayMin {
		cfg.StepDelayMin, cfg.StepDelayMax = cfg.StepDelayMax, cfg.StepDelayMin
	}
	if cfg.WebhookRetries < 0 {
		cfg.WebhookRetries = 0
	}
	return cfg
}

type sendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         json.RawMessage `json:"template,omitempty"`
	Text             json.RawMessage `json:"text,omitempty"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
		writeError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}
	if req.MessagingProduct != "whatsapp" || req.To == "" {
		writeError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}
	if (req.Type == "template" && len(req.Template) == 0) || (req.Type == "text" && len(req.Text) == 0) {
		writeError(w, http.StatusBadRequest, 131008, "Required parameter is missing")
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	out := classifyOutcome(s.nextOutcome())
	if out.Timeout {
		time.Sleep(s.cfg.TimeoutDelay)
		writeError(w, http.StatusGatewayTimeout, 131000, "Something went wrong")
		return
	}
	if out.HTTPStatus != http.StatusOK {
		writeError(w, out.HTTPStatus, out.ErrCode, out.ErrMessage)
		return
	}

	wamid := fmt.Sprintf("wamid.mock%010d", s.idx.Add(1))
	writeJSON(w, http.StatusOK, map[string]any{
		"messaging_product": "whatsapp",
		"contacts":          []map[string]string{{"input": req.To, "wa_id": req.To}},
		"messages":          []map[string]string{{"id": wamid, "message_status": "accepted"}},
	})

	vars := mux.Vars(r)
	s.webhookSequence(vars["phoneNumberID"], req.To, wamid, out)
}

func (s *server) webhookSequence(phoneNumberID, to, wamid string, out outcome) {
	if s.cfg.WebhookURL == "" {
		return
	}
	go func() {
		for _, st := range out.Statuses {
			s.sleep(s.randDuration(s.cfg.StepDelayMin, s.cfg.StepDelayMax))
			upd := whatsapp.StatusUpdate{
				ID:          wamid,
				Status:      st,
				Timestamp:   strconv.FormatInt(time.Now().Unix(), 10),
				RecipientID: to,
			}
			if st == whatsapp.StatusFailed {
				upd.Errors = []whatsapp.StatusError{{Code: out.FailCode, Title: "Message undeliverable"}}
			}
			_ = s.postWebhook(context.Background(), whatsapp.ChangeValue{
				MessagingProduct: "whatsapp",
				Metadata:         whatsapp.Metadata{PhoneNumberID: phoneNumberID},
				Statuses:         []whatsapp.StatusUpdate{upd},
			})
		}
		if s.chance(s.cfg.ReplyRate) && len(out.Statuses) > 0 && out.Statuses[len(out.Statuses)-1] != whatsapp.StatusFailed {
			s.sleep(s.randDuration(s.cfg.StepDelayMin, s.cfg.StepDelayMax))
			_ = s.postWebhook(context.Background(), inboundReply(phoneNumberID, to, wamid))
		}
	}()
}

func inboundReply(phoneNumberID, from, wamid string) whatsapp.ChangeValue {
	msg := whatsapp.InboundMessage{
		ID:        "wamid.reply." + strings.TrimPrefix(wamid, "wamid."),
		From:      from,
		Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		Type:      "text",
	}
	msg.Text = &struct {
		Body string `json:"body"`
	}{Body: "Thanks!"}
	contact := whatsapp.WebhookContact{WaID: from}
	contact.Profile.Name = "Mock " + from
	return whatsapp.ChangeValue{
		MessagingProduct: "whatsapp",
		Metadata:         whatsapp.Metadata{PhoneNumberID: phoneNumberID},
		Contacts:         []whatsapp.WebhookContact{contact},
		Messages:         []whatsapp.InboundMessage{msg},
	}
}

func (s *server) postWebhook(ctx context.Context, value whatsapp.ChangeValue) error {
	body, err := json.Marshal(whatsapp.WebhookPayload{
		Object: "whatsapp_business_account",
		Entry: []whatsapp.Entry{{
			ID:      "mock-waba",
			Changes: []whatsapp.Change{{Field: "messages", Value: value}},
		}},
	})
	if err != nil {
		return err
	}

	attempts := s.cfg.WebhookRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.AppSecret != "" {
			req.Header.Set("X-Hub-Signature-256", whatsapp.Sign(s.cfg.AppSecret, body))
		}

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if attempt == attempts-1 {
			slog.Error("mock webhook post failed", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", status, "err", err)
			return fmt.Errorf("webhook post failed: status=%d err=%v", status, err)
		}
		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock webhook post non-retryable", "url", s.cfg.WebhookURL, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}
		wait := s.retryBackoff(attempt)
		slog.Warn("mock webhook post retrying", "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	wait := s.cfg.RetryBase * time.Duration(1<<attempt)
	if wait <= 0 || wait > s.cfg.RetryMax {
		wait = s.cfg.RetryMax
	}
	jp := min(s.cfg.RetryJitterPct, 100)
	delta := int64(wait) * int64(jp) / 100
	if delta <= 0 {
		return wait
	}
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		i := s.rr.Add(1) - 1
		return s.cfg.Outcomes[int(i%uint64(len(s.cfg.Outcomes)))]
	case "weighted":
		if s.chance(s.cfg.SuccessRate) {
			return "ok"
		}
		s.rngMu.Lock()
		r := s.rng.Float64()
		s.rngMu.Unlock()
		return pickWeighted(r, s.cfg.FailureWeights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func (s *server) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < p
}

func (s *server) randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	n := s.rng.Int63n(int64(hi-lo) + 1)
	s.rngMu.Unlock()
	return lo + time.Duration(n)
}

func (s *server) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// classifyOutcome turns an outcome token ("kind" or "kind:code") into mock behavior.
func classifyOutcome(raw string) outcome {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	kind, codeStr, _ := strings.Cut(token, ":")
	code, _ := strconv.Atoi(codeStr)
	withCode := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}

	ok := outcome{HTTPStatus: http.StatusOK}
	switch kind {
	case "ok", "read":
		ok.Statuses = []string{whatsapp.StatusSent, whatsapp.StatusDelivered, whatsapp.StatusRead}
	case "delivered":
		ok.Statuses = []string{whatsapp.StatusSent, whatsapp.StatusDelivered}
	case "sent":
		ok.Statuses = []string{whatsapp.StatusSent}
	case "out_of_order":
		ok.Statuses = []string{whatsapp.StatusRead, whatsapp.StatusDelivered, whatsapp.StatusSent}
	case "failed", "undelivered":
		ok.Statuses = []string{whatsapp.StatusSent, whatsapp.StatusFailed}
		ok.FailCode = withCode(131026)
	case "rate_limit", "429":
		return outcome{HTTPStatus: http.StatusTooManyRequests, ErrCode: withCode(130429), ErrMessage: "Rate limit hit"}
	case "auth", "401":
		return outcome{HTTPStatus: http.StatusUnauthorized, ErrCode: withCode(190), ErrMessage: "Invalid OAuth access token"}
	case "not_registered":
		return outcome{HTTPStatus: http.StatusBadRequest, ErrCode: withCode(133010), ErrMessage: "Account not registered"}
	case "bad_request", "400":
		return outcome{HTTPStatus: http.StatusBadRequest, ErrCode: withCode(131009), ErrMessage: "Parameter value is not valid"}
	case "server_error", "500":
		return outcome{HTTPStatus: http.StatusInternalServerError, ErrCode: withCode(131000), ErrMessage: "Something went wrong"}
	case "unavailable", "503":
		return outcome{HTTPStatus: http.StatusServiceUnavailable, ErrCode: withCode(131016), ErrMessage: "Service unavailable"}
	case "timeout":
		return outcome{Timeout: true}
	default:
		return outcome{HTTPStatus: http.StatusInternalServerError, ErrCode: withCode(1), ErrMessage: "mock error: " + kind}
	}
	return ok
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message":    msg,
			"type":       "OAuthException",
			"code":       code,
			"fbtrace_id": "mock",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kind, weight, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok || strings.TrimSpace(kind) == "" {
			continue
		}
		// allow "failed:131026:3" where the middle part is an error code
		if i := strings.LastIndex(weight, ":"); i >= 0 {
			kind, weight = kind+":"+weight[:i], weight[i+1:]
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		if err != nil || w <= 0 {
			continue
		}
		out = append(out, weightedOutcome{Kind: strings.TrimSpace(kind), Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "failed"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	if total <= 0 {
		return items[0].Kind
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
