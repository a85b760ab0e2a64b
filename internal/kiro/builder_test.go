package kiro

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBody(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func conversationState(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	out := decodeBody(t, body)
	cs, ok := out["conversationState"].(map[string]interface{})
	require.True(t, ok, "conversationState must be present")
	return cs
}

func TestBuildRequestBody_SingleUserMessage(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "hello"}}},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	cm := cs["currentMessage"].(map[string]interface{})
	uim := cm["userInputMessage"].(map[string]interface{})
	assert.Equal(t, "hello", uim["content"])
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", uim["modelId"])
	assert.NotEmpty(t, cs["conversationId"])
}

func TestBuildRequestBody_EmptyMessagesErrors(t *testing.T) {
	_, err := BuildRequestBody(BuildInput{Model: "claude-sonnet-4-5-20250929"})
	assert.Error(t, err)
}

func TestBuildRequestBody_SystemPromptInjectedIntoHistory(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model:  "claude-sonnet-4-5-20250929",
		System: "You are a helpful assistant.",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "first"}}},
			{Role: "assistant", Content: []InputContentBlock{{Type: "text", Text: "ack"}}},
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "second"}}},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	history := cs["history"].([]interface{})
	require.NotEmpty(t, history)
	first := history[0].(map[string]interface{})
	uim := first["userInputMessage"].(map[string]interface{})
	assert.Contains(t, uim["content"], "You are a helpful assistant.")
	assert.Contains(t, uim["content"], "first")
}

func TestBuildRequestBody_AdjacentRolesMerge(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "one"}}},
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "two"}}},
			{Role: "assistant", Content: []InputContentBlock{{Type: "text", Text: "reply"}}},
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "three"}}},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	history := cs["history"].([]interface{})
	// one+two merge into a single user history entry, followed by the assistant reply.
	require.Len(t, history, 2)
	merged := history[0].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	assert.Contains(t, merged["content"], "one")
	assert.Contains(t, merged["content"], "two")
}

func TestBuildRequestBody_TrailingAssistantSentinelIsDropped(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "hello"}}},
			{Role: "assistant", Content: []InputContentBlock{{Type: "text", Text: "{"}}},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	cm := cs["currentMessage"].(map[string]interface{})
	uim := cm["userInputMessage"].(map[string]interface{})
	assert.Equal(t, "Continue", uim["content"], "the sentinel artifact is dropped and current falls back to Continue, not promoted from history")

	history := cs["history"].([]interface{})
	require.Len(t, history, 2)
	last := history[1].(map[string]interface{})
	arm := last["assistantResponseMessage"].(map[string]interface{})
	assert.Equal(t, "", arm["content"], "the dropped sentinel's emptied content moves into history per the ordinary assistant branch")
}

func TestBuildRequestBody_SystemPromptWithSingleUserMessageMergesDirectlyIntoCurrent(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model:  "claude-sonnet-4-5-20250929",
		System: "You are a helpful assistant.",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "hi"}}},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	assert.NotContains(t, cs, "history", "no prior turns means no history entry at all, not a synthetic one")

	cm := cs["currentMessage"].(map[string]interface{})
	uim := cm["userInputMessage"].(map[string]interface{})
	assert.Equal(t, "You are a helpful assistant.\n\nhi", uim["content"])
}

func TestBuildRequestBody_ToolResultsAttachToUserInputMessageContext(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "call a tool"}}},
			{Role: "assistant", Content: []InputContentBlock{{
				Type: "tool_use", ToolUseID: "call_1", ToolName: "get_time", ToolInput: json.RawMessage(`{"tz":"UTC"}`),
			}}},
			{Role: "user", Content: []InputContentBlock{{
				Type: "tool_result", ToolResultID: "call_1", ToolResultText: "12:00",
			}}},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	cm := cs["currentMessage"].(map[string]interface{})
	uim := cm["userInputMessage"].(map[string]interface{})
	ctx := uim["userInputMessageContext"].(map[string]interface{})
	results := ctx["toolResults"].([]interface{})
	require.Len(t, results, 1)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "call_1", first["toolUseId"])
	assert.Equal(t, "success", first["status"])
}

func TestBuildRequestBody_EmptyToolUseInputIsDropped(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "hi"}}},
			{Role: "assistant", Content: []InputContentBlock{
				{Type: "text", Text: "thinking..."},
				{Type: "tool_use", ToolUseID: "call_1", ToolName: "noop", ToolInput: json.RawMessage(`{}`)},
			}},
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "continue"}}},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	history := cs["history"].([]interface{})
	var assistantEntry map[string]interface{}
	for _, h := range history {
		m := h.(map[string]interface{})
		if arm, ok := m["assistantResponseMessage"].(map[string]interface{}); ok {
			assistantEntry = arm
		}
	}
	require.NotNil(t, assistantEntry)
	assert.NotContains(t, assistantEntry, "toolUses", "a tool_use with an empty object input must be dropped")
}

func TestBuildRequestBody_ThinkingWrappedInTagsAheadOfText(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "hi"}}},
			{Role: "assistant", Content: []InputContentBlock{
				{Type: "thinking", Text: "pondering"},
				{Type: "text", Text: "answer"},
			}},
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "continue"}}},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	history := cs["history"].([]interface{})
	var content string
	for _, h := range history {
		m := h.(map[string]interface{})
		if arm, ok := m["assistantResponseMessage"].(map[string]interface{}); ok {
			content, _ = arm["content"].(string)
		}
	}
	assert.Contains(t, content, "<kiro_thinking>pondering</kiro_thinking>")
	assert.Contains(t, content, "answer")
}

func TestBuildRequestBody_ToolsAttachedAsSpecifications(t *testing.T) {
	body, err := BuildRequestBody(BuildInput{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "hi"}}},
		},
		Tools: []InputTool{
			{Name: "get_time", Description: "returns the time", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	})
	require.NoError(t, err)

	cs := conversationState(t, body)
	cm := cs["currentMessage"].(map[string]interface{})
	uim := cm["userInputMessage"].(map[string]interface{})
	ctx := uim["userInputMessageContext"].(map[string]interface{})
	tools := ctx["tools"].([]interface{})
	require.Len(t, tools, 1)
	spec := tools[0].(map[string]interface{})["toolSpecification"].(map[string]interface{})
	assert.Equal(t, "get_time", spec["name"])
}

func TestBuildRequestBody_ProfileARNAttachedOnlyForSocialAuth(t *testing.T) {
	in := BuildInput{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []InputMessage{
			{Role: "user", Content: []InputContentBlock{{Type: "text", Text: "hi"}}},
		},
		ProfileARN: "arn:profile",
	}

	in.AuthMethod = "builder-id"
	body, err := BuildRequestBody(in)
	require.NoError(t, err)
	out := decodeBody(t, body)
	assert.NotContains(t, out, "profileArn")

	in.AuthMethod = "social"
	body, err = BuildRequestBody(in)
	require.NoError(t, err)
	out = decodeBody(t, body)
	assert.Equal(t, "arn:profile", out["profileArn"])
}

func TestMapModelToKiro_KnownAndUnknownModels(t *testing.T) {
	assert.Equal(t, "claude-haiku-4.5", mapModelToKiro("claude-haiku-4-5"))
	assert.Equal(t, "CLAUDE_3_7_SONNET_20250219_V1_0", mapModelToKiro("claude-3-7-sonnet-20250219"))
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", mapModelToKiro("some-unknown-model"))
}

func TestGenerateConversationID_ProducesDistinctUUIDs(t *testing.T) {
	a := generateConversationID()
	b := generateConversationID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
