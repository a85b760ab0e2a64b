// Package handler provides HTTP handlers for the gateway.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiro-gateway/kiro-claude-gateway/internal/claude"
	"github.com/kiro-gateway/kiro-claude-gateway/internal/credstore"
	"github.com/kiro-gateway/kiro-claude-gateway/internal/kiro"
	"github.com/kiro-gateway/kiro-claude-gateway/internal/pool"
)

// MessagesHandler handles POST /v1/messages requests.
type MessagesHandler struct {
	pool        *pool.Manager
	kiroClient  *kiro.Client
	authManager *kiro.AuthManager
	logger      *slog.Logger

	maxRetries       int
	requestBaseDelay time.Duration
	maxKiroBodySize  int

	systemPromptFilePath string
	systemPromptMode     string

	promptLogMode     string
	promptLogBaseName string
}

// MessagesHandlerOptions configures the messages handler.
type MessagesHandlerOptions struct {
	Pool        *pool.Manager
	KiroClient  *kiro.Client
	AuthManager *kiro.AuthManager
	Logger      *slog.Logger

	MaxRetries       int
	RequestBaseDelay time.Duration
	MaxKiroBodySize  int

	SystemPromptFilePath string
	SystemPromptMode     string

	PromptLogMode     string
	PromptLogBaseName string
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.RequestBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxBody := opts.MaxKiroBodySize
	if maxBody <= 0 {
		maxBody = claude.MaxKiroRequestBodyDefault
	}

	return &MessagesHandler{
		pool:                 opts.Pool,
		kiroClient:           opts.KiroClient,
		authManager:          opts.AuthManager,
		logger:               logger,
		maxRetries:           maxRetries,
		requestBaseDelay:     baseDelay,
		maxKiroBodySize:      maxBody,
		systemPromptFilePath: opts.SystemPromptFilePath,
		systemPromptMode:     opts.SystemPromptMode,
		promptLogMode:        opts.PromptLogMode,
		promptLogBaseName:    opts.PromptLogBaseName,
	}
}

// ServeHTTP handles the messages request.
func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body := http.MaxBytesReader(w, r.Body, int64(h.maxKiroBodySize))
	var req claude.MessageRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, claude.NewInvalidRequestError("Invalid JSON: "+err.Error()))
		return
	}

	if err := validateMessageRequest(&req); err != nil {
		h.writeError(w, err)
		return
	}

	system := req.GetSystemString()
	system = h.applySystemPromptOverlay(system)

	buildIn := kiro.BuildInput{
		Model:    req.Model,
		Messages: toInputMessages(req.Messages),
		System:   system,
		Tools:    toInputTools(req.Tools),
	}

	estimatedInputTokens := claude.EstimateInputTokens(&req)

	if req.Stream {
		h.serveStreaming(ctx, w, &req, buildIn, estimatedInputTokens)
	} else {
		h.serveNonStreaming(ctx, w, &req, buildIn, estimatedInputTokens)
	}
}

func validateMessageRequest(req *claude.MessageRequest) *claude.APIError {
	if req.Model == "" {
		return claude.NewInvalidRequestError("model: field is required")
	}
	if len(req.Messages) == 0 {
		return claude.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}
	if req.MaxTokens <= 0 {
		return claude.NewInvalidRequestError("max_tokens: must be a positive integer greater than 0")
	}
	if req.MaxTokens > claude.ContextWindowTokens {
		return claude.NewInvalidRequestError(fmt.Sprintf("max_tokens: exceeds maximum allowed value of %d", claude.ContextWindowTokens))
	}
	for i, msg := range req.Messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: must be 'user' or 'assistant', got %q", i, msg.Role))
		}
		if len(msg.Content) == 0 {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].content: field is required", i))
		}
	}
	if req.Messages[0].Role != "user" {
		return claude.NewInvalidRequestError("messages: first message must have role 'user'")
	}
	if req.Temperature != nil && (*req.Temperature < 0.0 || *req.Temperature > 1.0) {
		return claude.NewInvalidRequestError("temperature: must be between 0.0 and 1.0")
	}
	if req.TopP != nil && (*req.TopP < 0.0 || *req.TopP > 1.0) {
		return claude.NewInvalidRequestError("top_p: must be between 0.0 and 1.0")
	}
	if req.TopK != nil && *req.TopK < 0 {
		return claude.NewInvalidRequestError("top_k: must be a non-negative integer")
	}
	return nil
}

// applySystemPromptOverlay merges an on-disk system prompt file into the
// request's system prompt, per the configured overlay mode.
func (h *MessagesHandler) applySystemPromptOverlay(system string) string {
	if h.systemPromptFilePath == "" {
		return system
	}
	data, err := os.ReadFile(h.systemPromptFilePath)
	if err != nil {
		return system
	}
	overlay := strings.TrimSpace(string(data))
	if overlay == "" {
		return system
	}
	if h.systemPromptMode == "overwrite" {
		return overlay
	}
	if system == "" {
		return overlay
	}
	return system + "\n\n" + overlay
}

// selectAccount performs one pool selection for runWithFallback's chain,
// skipping the accounts in excluded (those already tried in this request).
func (h *MessagesHandler) selectAccount(model string, excluded map[string]bool, skipUsageCount bool) (*pool.Account, error) {
	return h.pool.Select(model, excluded, skipUsageCount)
}

// ensureFreshToken refreshes the account's token if it is near expiry,
// persisting the result to the pool and, if the account has a credentials
// file, to that file as well.
func (h *MessagesHandler) ensureFreshToken(ctx context.Context, acc *pool.Account) (*pool.Account, error) {
	if !kiro.IsExpiryNear(acc.ExpiresAt, 2*time.Minute) {
		return acc, nil
	}
	resp, err := h.authManager.Refresh(ctx, acc.UUID, acc.Region, acc.RefreshToken, acc.AuthMethod, acc.ClientID, acc.ClientSecret)
	if err != nil {
		return nil, err
	}

	expiresAt := kiro.ExpiresAtFromNow(resp.ExpiresIn)
	h.pool.UpdateTokens(acc.UUID, resp.AccessToken, resp.RefreshToken, expiresAt, resp.ProfileARN)

	if acc.CredentialsPath != "" {
		if creds, loadErr := credstore.Load(acc.CredentialsPath); loadErr == nil {
			creds.MergeTokens(resp.AccessToken, resp.RefreshToken, resp.ExpiresIn, resp.ProfileARN)
			if saveErr := creds.Save(acc.CredentialsPath); saveErr != nil {
				h.logger.Warn("failed to persist refreshed credentials", "uuid", acc.UUID, "error", saveErr)
			}
		}
	}

	updated, ok := h.pool.GetAccount(acc.UUID)
	if !ok {
		return nil, fmt.Errorf("account %s vanished from pool after refresh", acc.UUID)
	}
	return updated, nil
}

// forceRefresh refreshes an account's token unconditionally (a 401 means
// the server considers the current token invalid regardless of its
// recorded expiry), persisting the result the same way ensureFreshToken does.
func (h *MessagesHandler) forceRefresh(ctx context.Context, acc *pool.Account) (*pool.Account, error) {
	resp, err := h.authManager.Refresh(ctx, acc.UUID, acc.Region, acc.RefreshToken, acc.AuthMethod, acc.ClientID, acc.ClientSecret)
	if err != nil {
		return nil, err
	}

	expiresAt := kiro.ExpiresAtFromNow(resp.ExpiresIn)
	h.pool.UpdateTokens(acc.UUID, resp.AccessToken, resp.RefreshToken, expiresAt, resp.ProfileARN)

	if acc.CredentialsPath != "" {
		if creds, loadErr := credstore.Load(acc.CredentialsPath); loadErr == nil {
			creds.MergeTokens(resp.AccessToken, resp.RefreshToken, resp.ExpiresIn, resp.ProfileARN)
			if saveErr := creds.Save(acc.CredentialsPath); saveErr != nil {
				h.logger.Warn("failed to persist refreshed credentials", "uuid", acc.UUID, "error", saveErr)
			}
		}
	}

	updated, ok := h.pool.GetAccount(acc.UUID)
	if !ok {
		return nil, fmt.Errorf("account %s vanished from pool after refresh", acc.UUID)
	}
	return updated, nil
}

// dispatch builds the Kiro request body and sends it, returning the raw
// upstream body reader (caller closes it) or a classified error.
func (h *MessagesHandler) dispatch(ctx context.Context, acc *pool.Account, buildIn kiro.BuildInput) (io.ReadCloser, error) {
	buildIn.AuthMethod = acc.AuthMethod
	buildIn.ProfileARN = acc.ProfileARN

	reqBody, err := kiro.BuildRequestBody(buildIn)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	h.logPrompt(reqBody)

	return h.kiroClient.SendGenerate(ctx, &kiro.GenerateRequest{
		Region:     acc.Region,
		ProfileARN: acc.ProfileARN,
		Token:      acc.AccessToken,
		Body:       reqBody,
	})
}

func (h *MessagesHandler) logPrompt(body []byte) {
	switch h.promptLogMode {
	case "console":
		h.logger.Debug("kiro request body", "body", string(body))
	case "file":
		name := h.promptLogBaseName
		if name == "" {
			name = "prompt"
		}
		path := filepath.Join("logs", fmt.Sprintf("%s-%d.json", name, time.Now().UnixNano()))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			_ = os.WriteFile(path, body, 0o644)
		}
	}
}

// runWithFallback drives one request through the account fallback chain,
// returning the full aggregated response plus the account used, or the last
// classified error once the chain is exhausted.
func (h *MessagesHandler) runWithFallback(ctx context.Context, model string, buildIn kiro.BuildInput, estimatedInputTokens int) (*claude.MessageResponse, error) {
	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt <= pool.MaxFallbackChainLength; attempt++ {
		acc, err := h.selectAccount(model, excluded, attempt > 0)
		if err != nil {
			if errors.Is(err, pool.ErrNoAccount) {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, claude.ErrNoHealthyAccounts
			}
			return nil, err
		}

		fresh, err := h.ensureFreshToken(ctx, acc)
		if err != nil {
			h.logger.Warn("token refresh failed", "uuid", acc.UUID, "error", err)
			h.pool.MarkUnhealthy(acc.UUID, err.Error())
			excluded[acc.UUID] = true
			lastErr = err
			continue
		}
		acc = fresh

		resp, retryErr, fatal := h.callOnce(ctx, acc, model, buildIn, estimatedInputTokens)
		if fatal != nil {
			return nil, fatal
		}
		if retryErr == nil {
			return resp, nil
		}
		excluded[acc.UUID] = true
		lastErr = retryErr
	}

	return nil, lastErr
}

// callOnce sends one request to one account with bounded retry on
// rate-limit/5xx responses. fatal is non-nil only for errors the fallback
// chain must not retry at all (e.g. invalid_request_error).
func (h *MessagesHandler) callOnce(ctx context.Context, acc *pool.Account, model string, buildIn kiro.BuildInput, estimatedInputTokens int) (resp *claude.MessageResponse, retryable error, fatal error) {
	delay := h.requestBaseDelay
	refreshedOnUnauthorized := false

	for try := 0; try <= h.maxRetries; try++ {
		body, err := h.dispatch(ctx, acc, buildIn)
		if err != nil {
			var apiErr *kiro.APIError
			if errors.As(err, &apiErr) {
				kind, retry, markUnhealthy, ok := claude.ErrorKindForStatus(apiErr.StatusCode)
				if ok {
					if kind == claude.ErrorTypeInvalidRequest {
						return nil, nil, claude.NewInvalidRequestError(string(apiErr.Body))
					}
					if apiErr.IsUnauthorized() && !refreshedOnUnauthorized {
						refreshedOnUnauthorized = true
						if refreshed, refreshErr := h.forceRefresh(ctx, acc); refreshErr == nil {
							acc = refreshed
							continue
						}
					}
					// A timeout is retried once; a 401 that persists after the
					// forced refresh is not retried.
					if (kind == claude.ErrorTypeTimeout && try > 0) || apiErr.IsUnauthorized() {
						retry = false
					}
					if retry && try < h.maxRetries {
						h.logger.Warn("upstream error, retrying", "uuid", acc.UUID, "status", apiErr.StatusCode, "try", try)
						if !sleepOrDone(ctx, delay) {
							return nil, nil, claude.NewAPIError("request canceled")
						}
						delay *= 2
						continue
					}
					if markUnhealthy {
						h.pool.MarkUnhealthy(acc.UUID, apiErr.Error())
					}
					return nil, fmt.Errorf("upstream %s: %w", kind, err), nil
				}
			}
			return nil, fmt.Errorf("dispatch: %w", err), nil
		}

		resp, aggErr := h.consumeAndAggregate(ctx, body, model, estimatedInputTokens)
		_ = body.Close()
		if aggErr != nil {
			return nil, aggErr, nil
		}
		h.pool.MarkHealthy(acc.UUID, false, model)
		return resp, nil, nil
	}

	return nil, fmt.Errorf("retries exhausted"), nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// consumeAndAggregate reads the entire upstream body, running it through the
// frame-oblivious stream parser and the aggregator, then applies bracket
// tool-call recovery to any text content produced.
func (h *MessagesHandler) consumeAndAggregate(ctx context.Context, body io.Reader, model string, estimatedInputTokens int) (*claude.MessageResponse, error) {
	parser := kiro.GetStreamParser()
	defer kiro.ReleaseStreamParser(parser)

	aggregator := claude.NewAggregatorWithEstimate(model, estimatedInputTokens)
	buf := make([]byte, 8192)

	for {
		select {
		case <-ctx.Done():
			return aggregator.Build(), nil
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			chunks, parseErr := parser.Parse(buf[:n])
			if parseErr != nil {
				h.logger.Warn("stream parse error", "error", parseErr)
			}
			for _, chunk := range chunks {
				if aggErr := aggregator.Add(chunk); aggErr != nil {
					h.logger.Warn("aggregate error", "error", aggErr)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
	}

	resp := aggregator.Build()
	recoverToolCallsInPlace(resp)
	return resp, nil
}

// recoverToolCallsInPlace scans every text block in resp for bracket-style
// tool-call markers the model emitted inline, splitting them out into
// proper tool_use blocks.
func recoverToolCallsInPlace(resp *claude.MessageResponse) {
	var out []claude.ContentBlock
	for _, block := range resp.Content {
		if block.Type != "text" {
			out = append(out, block)
			continue
		}
		cleaned, recovered := kiro.RecoverBracketToolCalls(block.Text)
		if len(recovered) == 0 {
			out = append(out, block)
			continue
		}
		if strings.TrimSpace(cleaned) != "" {
			out = append(out, claude.ContentBlock{Type: "text", Text: cleaned})
		}
		for _, rc := range recovered {
			out = append(out, claude.ContentBlock{
				Type:  "tool_use",
				ID:    rc.ID,
				Name:  rc.Name,
				Input: rc.Arguments,
			})
			resp.StopReason = "tool_use"
		}
	}
	resp.Content = out
}

func (h *MessagesHandler) serveNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, buildIn kiro.BuildInput, estimatedInputTokens int) {
	resp, err := h.runWithFallback(ctx, req.Model, buildIn, estimatedInputTokens)
	if err != nil {
		h.writeFallbackError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *MessagesHandler) serveStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, buildIn kiro.BuildInput, estimatedInputTokens int) {
	sseWriter := claude.NewSSEWriter(w)
	sseWriter.WriteHeaders()

	resp, err := h.runWithFallback(ctx, req.Model, buildIn, estimatedInputTokens)
	if err != nil {
		h.writeFallbackSSEError(sseWriter, err)
		return
	}
	replayAsSSE(sseWriter, resp)
}

// replayAsSSE emits a fully-aggregated response as one SSE sequence. The
// gateway buffers the whole upstream reply (so bracket tool-call recovery
// can run against complete text) before replaying it to the client as
// message_start/content_block_*/message_delta/message_stop events.
func replayAsSSE(w *claude.SSEWriter, resp *claude.MessageResponse) {
	startEvent := claude.MessageStartEvent{
		Type: "message_start",
		Message: claude.MessageStartMessage{
			ID:      resp.ID,
			Type:    "message",
			Role:    resp.Role,
			Model:   resp.Model,
			Content: []interface{}{},
			Usage: claude.SSEUsage{
				InputTokens:              resp.Usage.InputTokens,
				CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
				CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
			},
		},
	}
	_ = w.WriteEvent("message_start", startEvent)

	for i, block := range resp.Content {
		start := claude.ContentStart{Type: block.Type}
		switch block.Type {
		case "text":
			start.Text = ""
		case "tool_use":
			start.ID = block.ID
			start.Name = block.Name
			start.Input = json.RawMessage("{}")
		case "thinking":
			start.Thinking = ""
		}
		_ = w.WriteEvent("content_block_start", claude.ContentBlockStartEvent{Type: "content_block_start", Index: i, ContentBlock: start})

		switch block.Type {
		case "text":
			_ = w.WriteContentBlockDelta(i, block.Text)
		case "thinking":
			_ = w.WriteThinkingDelta(i, block.Thinking)
		case "tool_use":
			partial := string(block.Input)
			delta := claude.ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: i,
				Delta: claude.DeltaBlock{Type: "input_json_delta", PartialJSON: partial},
			}
			_ = w.WriteEvent("content_block_delta", delta)
		}

		_ = w.WriteContentBlockStop(i)
	}

	_ = w.WriteMessageDelta(resp.StopReason, resp.Usage.OutputTokens)
	_ = w.WriteMessageStop()
}

func (h *MessagesHandler) writeFallbackError(w http.ResponseWriter, err error) {
	var apiErr *claude.APIError
	if errors.As(err, &apiErr) {
		h.writeError(w, apiErr)
		return
	}
	h.writeError(w, claude.NewAPIError(err.Error()))
}

func (h *MessagesHandler) writeFallbackSSEError(w *claude.SSEWriter, err error) {
	var apiErr *claude.APIError
	if errors.As(err, &apiErr) {
		_ = w.WriteError(apiErr)
		return
	}
	_ = w.WriteError(claude.NewAPIError(err.Error()))
}

func (h *MessagesHandler) writeError(w http.ResponseWriter, err *claude.APIError) {
	err.WriteError(w)
}

// toInputMessages translates Claude wire messages into the builder's
// normalized message shape.
func toInputMessages(msgs []claude.Message) []kiro.InputMessage {
	out := make([]kiro.InputMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kiro.InputMessage{Role: m.Role, Content: toInputBlocks(m.Content)})
	}
	return out
}

func toInputBlocks(raw json.RawMessage) []kiro.InputContentBlock {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if str == "" {
			return nil
		}
		return []kiro.InputContentBlock{{Type: "text", Text: str}}
	}

	var blocks []claude.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}

	out := make([]kiro.InputContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, kiro.InputContentBlock{Type: "text", Text: b.Text})
		case "thinking":
			out = append(out, kiro.InputContentBlock{Type: "thinking", Text: b.Thinking})
		case "image":
			if b.Source == nil {
				continue
			}
			format := b.Source.MediaType
			if idx := strings.LastIndex(format, "/"); idx >= 0 {
				format = format[idx+1:]
			}
			out = append(out, kiro.InputContentBlock{Type: "image", ImageFormat: format, ImageBase64: b.Source.Data})
		case "tool_use":
			out = append(out, kiro.InputContentBlock{Type: "tool_use", ToolUseID: b.ID, ToolName: b.Name, ToolInput: b.Input})
		case "tool_result":
			out = append(out, kiro.InputContentBlock{
				Type:           "tool_result",
				ToolResultID:   b.ToolUseID,
				ToolResultText: extractToolResultText(b.Content),
				ToolResultErr:  b.IsError,
			})
		}
	}
	return out
}

func extractToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var blocks []claude.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

func toInputTools(tools []claude.Tool) []kiro.InputTool {
	out := make([]kiro.InputTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, kiro.InputTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}
