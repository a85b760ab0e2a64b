package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamParser_ExtractsSignatureAcrossEventStreamGarbage(t *testing.T) {
	p := NewStreamParser()

	// Simulate raw AWS EventStream framing (length prefix + headers, none of
	// which match a signature) surrounding a real content payload.
	raw := []byte("\x00\x00\x00\x4c\x00\x00\x00\x00garbage-header" + `{"content":"hello"}` + "CRCJUNK")

	chunks, err := p.Parse(raw)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].Content)
}

func TestStreamParser_SplitAcrossTwoReads(t *testing.T) {
	p := NewStreamParser()

	first := []byte(`junk{"content":"par`)
	second := []byte(`tial text"}more-junk`)

	chunks, err := p.Parse(first)
	require.NoError(t, err)
	assert.Empty(t, chunks, "incomplete JSON span must not yield a chunk yet")

	chunks, err = p.Parse(second)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "partial text", chunks[0].Content)
}

func TestStreamParser_MultipleChunksInOneRead(t *testing.T) {
	p := NewStreamParser()

	raw := []byte(`{"content":"a"}garbage{"name":"my_tool"}trailing{"stop":true}`)

	chunks, err := p.Parse(raw)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "a", chunks[0].Content)
	assert.Equal(t, "my_tool", chunks[1].Name)
	assert.True(t, chunks[2].Stop)
}

func TestStreamParser_FollowupPromptIsSkipped(t *testing.T) {
	p := NewStreamParser()

	raw := []byte(`{"followupPrompt":{"text":"anything"}}`)

	chunks, err := p.Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestStreamParser_NestedBracesInStringsDoNotConfuseDepthCounting(t *testing.T) {
	p := NewStreamParser()

	raw := []byte(`{"input":"{\"nested\": \"}\"}"}`)

	chunks, err := p.Parse(raw)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, `{"nested": "}"}`, chunks[0].Input)
}

func TestStreamParser_BufferDroppedPastMaxSize(t *testing.T) {
	p := NewStreamParser()

	huge := make([]byte, maxBufferSize+100)
	for i := range huge {
		huge[i] = 'x'
	}
	// An unterminated span after a signature is retained until it passes the cap.
	huge = append([]byte(`{"content":"`), huge...)

	chunks, err := p.Parse(huge)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Empty(t, p.buffer, "an unmatched tail beyond maxBufferSize must be dropped")
}

func TestGetReleaseStreamParser_ResetsBufferBetweenUses(t *testing.T) {
	p := GetStreamParser()
	_, err := p.Parse([]byte(`junk{"content":"incomple`))
	require.NoError(t, err)
	ReleaseStreamParser(p)

	p2 := GetStreamParser()
	defer ReleaseStreamParser(p2)
	assert.Empty(t, p2.buffer)
}
