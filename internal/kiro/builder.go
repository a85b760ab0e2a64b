// Package kiro provides the Kiro request envelope builder.
package kiro

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// InputContentBlock is a normalized content block handed to the builder by
// the caller (the handler translates Claude content blocks into these).
type InputContentBlock struct {
	Type string // "text", "image", "tool_use", "tool_result", "thinking"

	Text string

	// image
	ImageFormat string // mime subtype, e.g. "png"
	ImageBase64 string

	// tool_use
	ToolUseID   string
	ToolName    string
	ToolInput   json.RawMessage

	// tool_result
	ToolResultID   string
	ToolResultText string
	ToolResultErr  bool
}

// InputMessage is a normalized Claude message.
type InputMessage struct {
	Role    string // "user" or "assistant"
	Content []InputContentBlock
}

// InputTool is a normalized tool definition.
type InputTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// BuildInput carries everything the builder needs to emit one Kiro envelope.
type BuildInput struct {
	Model      string
	Messages   []InputMessage
	System     string
	Tools      []InputTool
	AuthMethod string
	ProfileARN string
}

// BuildRequestBody emits a Kiro conversationState envelope from a normalized
// Claude request, following the history-isolation / sentinel-drop /
// adjacent-merge / system-injection / reshape pipeline.
func BuildRequestBody(in BuildInput) ([]byte, error) {
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("kiro: no messages to build")
	}

	kiroModel := mapModelToKiro(in.Model)

	messages := append([]InputMessage(nil), in.Messages...)

	// 1. History isolation.
	current := messages[len(messages)-1]
	history := messages[:len(messages)-1]

	// 2. Trailing-assistant sentinel: a client-side prefill artifact. The
	// upstream rejects it, so its content is dropped; the message still
	// reshapes through the ordinary assistant branch in step 6 below.
	if current.Role == "assistant" && isPrefillSentinel(current) {
		current.Content = nil
	}

	// 3. Adjacent-role merge.
	history = mergeAdjacentRoles(history)

	// 4. System injection. When there is no preceding history and the
	// current turn is a user message, the system text merges straight into
	// current instead of a synthetic history turn (there is nothing yet to
	// attach it to, and inventing a history slot would force a continuation
	// entry in step 6 that the conversation has not earned).
	if strings.TrimSpace(in.System) != "" {
		if len(history) == 0 && current.Role == "user" {
			current.Content = append([]InputContentBlock{{Type: "text", Text: in.System + "\n\n"}}, current.Content...)
		} else {
			history = injectSystem(history, in.System)
		}
	}

	// 5. History entry mapping.
	historyEntries := make([]map[string]interface{}, 0, len(history))
	for _, msg := range history {
		entry, err := mapHistoryMessage(msg, kiroModel)
		if err != nil {
			return nil, err
		}
		historyEntries = append(historyEntries, entry)
	}

	// 6. Current-message reshape.
	var currentContent string
	var toolResults []map[string]interface{}
	if current.Role == "assistant" {
		asst, err := mapAssistantMessage(current)
		if err != nil {
			return nil, err
		}
		historyEntries = append(historyEntries, asst)
		currentContent = "Continue"
	} else {
		text, results := extractUserContent(current)
		currentContent = text
		toolResults = results
		// Only bridge with a synthetic assistant turn when there is already
		// some history to alternate against; a bare first turn needs none.
		if len(historyEntries) > 0 && !isAssistantEntry(historyEntries[len(historyEntries)-1]) {
			historyEntries = append(historyEntries, assistantContinueEntry())
		}
	}

	// 7. Content-required rule.
	if strings.TrimSpace(currentContent) == "" {
		if len(toolResults) > 0 {
			currentContent = "Tool results provided."
		} else {
			currentContent = "Continue"
		}
	}

	userInputMessage := map[string]interface{}{
		"content": currentContent,
		"modelId": kiroModel,
		"origin":  "AI_EDITOR",
	}
	if len(toolResults) > 0 {
		userInputMessage["userInputMessageContext"] = map[string]interface{}{
			"toolResults": toolResults,
		}
	}

	conversationState := map[string]interface{}{
		"chatTriggerType": "MANUAL",
		"conversationId":  generateConversationID(),
		"currentMessage": map[string]interface{}{
			"userInputMessage": userInputMessage,
		},
	}
	if len(historyEntries) > 0 {
		conversationState["history"] = historyEntries
	}

	// 8. Tools.
	if len(in.Tools) > 0 {
		specs := make([]map[string]interface{}, 0, len(in.Tools))
		for _, t := range in.Tools {
			specs = append(specs, map[string]interface{}{
				"toolSpecification": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"inputSchema": map[string]interface{}{"json": t.InputSchema},
				},
			})
		}
		cm := conversationState["currentMessage"].(map[string]interface{})
		uim := cm["userInputMessage"].(map[string]interface{})
		ctx, _ := uim["userInputMessageContext"].(map[string]interface{})
		if ctx == nil {
			ctx = map[string]interface{}{}
			uim["userInputMessageContext"] = ctx
		}
		ctx["tools"] = specs
	}

	request := map[string]interface{}{
		"conversationState": conversationState,
	}

	// 9. Auth decoration.
	if in.AuthMethod == "social" && in.ProfileARN != "" {
		request["profileArn"] = in.ProfileARN
	}

	return json.Marshal(request)
}

func isPrefillSentinel(msg InputMessage) bool {
	if len(msg.Content) != 1 {
		return false
	}
	b := msg.Content[0]
	return b.Type == "text" && b.Text == "{"
}

func mergeAdjacentRoles(history []InputMessage) []InputMessage {
	if len(history) == 0 {
		return history
	}
	merged := make([]InputMessage, 0, len(history))
	merged = append(merged, history[0])
	for _, msg := range history[1:] {
		last := &merged[len(merged)-1]
		if last.Role == msg.Role {
			last.Content = append(last.Content, InputContentBlock{Type: "text", Text: "\n"})
			last.Content = append(last.Content, msg.Content...)
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

func injectSystem(history []InputMessage, system string) []InputMessage {
	if len(history) > 0 && history[0].Role == "user" {
		out := append([]InputMessage(nil), history...)
		out[0].Content = append([]InputContentBlock{{Type: "text", Text: system + "\n\n"}}, out[0].Content...)
		return out
	}
	synthetic := InputMessage{Role: "user", Content: []InputContentBlock{{Type: "text", Text: system}}}
	return append([]InputMessage{synthetic}, history...)
}

func mapHistoryMessage(msg InputMessage, kiroModel string) (map[string]interface{}, error) {
	switch msg.Role {
	case "user":
		text, toolResults := extractUserContent(msg)
		uim := map[string]interface{}{
			"content": text,
			"modelId": kiroModel,
			"origin":  "AI_EDITOR",
		}
		if len(toolResults) > 0 {
			uim["userInputMessageContext"] = map[string]interface{}{"toolResults": toolResults}
		}
		if images := extractImages(msg); len(images) > 0 {
			uim["images"] = images
		}
		return map[string]interface{}{"userInputMessage": uim}, nil
	case "assistant":
		return mapAssistantMessage(msg)
	default:
		return nil, fmt.Errorf("kiro: unsupported message role %q", msg.Role)
	}
}

func mapAssistantMessage(msg InputMessage) (map[string]interface{}, error) {
	parsed := parseAssistantContentBlocks(msg.Content)
	arm := map[string]interface{}{"content": parsed.Text}
	if len(parsed.ToolUses) > 0 {
		arm["toolUses"] = parsed.ToolUses
	}
	return map[string]interface{}{"assistantResponseMessage": arm}, nil
}

func isAssistantEntry(entry map[string]interface{}) bool {
	_, ok := entry["assistantResponseMessage"]
	return ok
}

func assistantContinueEntry() map[string]interface{} {
	return map[string]interface{}{
		"assistantResponseMessage": map[string]interface{}{"content": "Continue"},
	}
}

// assistantParseResult is the outcome of sanitizing an assistant message's
// content blocks: concatenated text (with non-empty thinking wrapped in
// <kiro_thinking> tags) plus tool_use blocks with non-empty input.
type assistantParseResult struct {
	Text     string
	ToolUses []map[string]interface{}
}

// parseAssistantContentBlocks concatenates text blocks, wraps non-empty
// thinking blocks in <kiro_thinking> tags ahead of the text, and keeps only
// tool_use blocks whose input is a non-empty object.
func parseAssistantContentBlocks(blocks []InputContentBlock) assistantParseResult {
	var thinking strings.Builder
	var text strings.Builder
	var toolUses []map[string]interface{}

	for _, b := range blocks {
		switch b.Type {
		case "thinking":
			if b.Text != "" {
				if thinking.Len() > 0 {
					thinking.WriteString("\n\n")
				}
				thinking.WriteString(b.Text)
			}
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			if !isEmptyJSONObject(b.ToolInput) {
				toolUses = append(toolUses, map[string]interface{}{
					"toolUseId": b.ToolUseID,
					"name":      b.ToolName,
					"input":     jsonToAny(b.ToolInput),
				})
			}
		}
	}

	out := text.String()
	if thinking.Len() > 0 {
		if out != "" {
			out = fmt.Sprintf("<kiro_thinking>%s</kiro_thinking>\n\n%s", thinking.String(), out)
		} else {
			out = fmt.Sprintf("<kiro_thinking>%s</kiro_thinking>", thinking.String())
		}
	}

	return assistantParseResult{Text: out, ToolUses: toolUses}
}

func isEmptyJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return false // not an object at all (e.g. array/scalar) -> keep it
	}
	return len(m) == 0
}

func jsonToAny(raw json.RawMessage) interface{} {
	var v interface{}
	_ = json.Unmarshal(raw, &v)
	return v
}

// extractUserContent concatenates text blocks and maps tool_result blocks
// into Kiro toolResults, deduplicated by toolUseId (first occurrence wins).
func extractUserContent(msg InputMessage) (string, []map[string]interface{}) {
	var text strings.Builder
	var results []map[string]interface{}
	seen := make(map[string]bool)

	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_result":
			if seen[b.ToolResultID] {
				continue
			}
			seen[b.ToolResultID] = true
			status := "success"
			if b.ToolResultErr {
				status = "error"
			}
			results = append(results, map[string]interface{}{
				"content":   []map[string]interface{}{{"text": b.ToolResultText}},
				"status":    status,
				"toolUseId": b.ToolResultID,
			})
		}
	}
	return text.String(), results
}

func extractImages(msg InputMessage) []map[string]interface{} {
	var images []map[string]interface{}
	for _, b := range msg.Content {
		if b.Type != "image" {
			continue
		}
		images = append(images, map[string]interface{}{
			"format": b.ImageFormat,
			"source": map[string]interface{}{"bytes": b.ImageBase64},
		})
	}
	return images
}

// mapModelToKiro maps Claude model names to Kiro model IDs.
// Haiku/Opus use lowercase dot format, Sonnet uses uppercase format.
func mapModelToKiro(model string) string {
	modelMapping := map[string]string{
		"claude-haiku-4-5":          "claude-haiku-4.5",
		"claude-haiku-4-5-20251001": "claude-haiku-4.5",
		"claude-opus-4-5":           "claude-opus-4.5",
		"claude-opus-4-5-20251101":  "claude-opus-4.5",
		"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
		"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	}
	if kiroModel, ok := modelMapping[model]; ok {
		return kiroModel
	}
	return "CLAUDE_SONNET_4_5_20250929_V1_0"
}

// generateConversationID generates a unique conversation ID.
func generateConversationID() string {
	return uuid.NewString()
}
