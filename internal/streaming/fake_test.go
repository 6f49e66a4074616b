package streaming

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func okBody(text string) []byte {
	return []byte(`{"candidates":[{"content":{"parts":[{"text":` + jsonString(text) + `}]},"finishReason":"STOP"}]}`)
}

func TestFakeStreamDeliversFinalDelta(t *testing.T) {
	call := func(ctx context.Context) ([]byte, int, error) {
		return okBody("the full answer"), 200, nil
	}

	var buf bytes.Buffer
	err := FakeStream(context.Background(), call, "gemini-2.5-pro", "chatcmpl-9",
		time.Second, nil, &buf, func() {})
	require.NoError(t, err)

	got := frames(t, &buf)
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, "[DONE]", got[len(got)-1])

	// Immediate heartbeat with an empty assistant delta.
	hb := gjson.Parse(got[0])
	assert.Equal(t, "assistant", hb.Get("choices.0.delta.role").String())
	assert.Equal(t, "", hb.Get("choices.0.delta.content").String())
	assert.Equal(t, gjson.Null, hb.Get("choices.0.finish_reason").Type)

	final := gjson.Parse(got[len(got)-2])
	assert.Equal(t, "the full answer", final.Get("choices.0.delta.content").String())
	assert.Equal(t, "stop", final.Get("choices.0.finish_reason").String())
}

func TestFakeStreamHeartbeatsWhileWaiting(t *testing.T) {
	call := func(ctx context.Context) ([]byte, int, error) {
		time.Sleep(90 * time.Millisecond)
		return okBody("done"), 200, nil
	}

	var buf bytes.Buffer
	err := FakeStream(context.Background(), call, "m", "id",
		20*time.Millisecond, nil, &buf, func() {})
	require.NoError(t, err)

	got := frames(t, &buf)
	heartbeats := 0
	for _, f := range got {
		if f == "[DONE]" {
			continue
		}
		parsed := gjson.Parse(f)
		if parsed.Get("choices.0.delta.content").String() == "" &&
			parsed.Get("choices.0.finish_reason").Type == gjson.Null {
			heartbeats++
		}
	}
	assert.GreaterOrEqual(t, heartbeats, 3, "expected periodic heartbeats, got frames: %v", got)
}

func TestFakeStreamPlaceholders(t *testing.T) {
	t.Run("thinking only", func(t *testing.T) {
		body := []byte(`{"candidates":[{"content":{"parts":[{"text":"hmm","thought":true}]},"finishReason":"STOP"}]}`)
		call := func(ctx context.Context) ([]byte, int, error) { return body, 200, nil }

		var buf bytes.Buffer
		require.NoError(t, FakeStream(context.Background(), call, "m", "id", time.Second, nil, &buf, func() {}))

		got := frames(t, &buf)
		final := gjson.Parse(got[len(got)-2])
		assert.Equal(t, thinkingOnlyPlaceholder, final.Get("choices.0.delta.content").String())
		assert.Equal(t, "hmm", final.Get("choices.0.delta.reasoning_content").String())
	})

	t.Run("empty response", func(t *testing.T) {
		body := []byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}`)
		call := func(ctx context.Context) ([]byte, int, error) { return body, 200, nil }

		var buf bytes.Buffer
		require.NoError(t, FakeStream(context.Background(), call, "m", "id", time.Second, nil, &buf, func() {}))

		got := frames(t, &buf)
		final := gjson.Parse(got[len(got)-2])
		assert.Equal(t, emptyPlaceholder, final.Get("choices.0.delta.content").String())
	})

	t.Run("unparseable body forwarded raw", func(t *testing.T) {
		call := func(ctx context.Context) ([]byte, int, error) {
			return []byte("plain text, not json"), 200, nil
		}

		var buf bytes.Buffer
		require.NoError(t, FakeStream(context.Background(), call, "m", "id", time.Second, nil, &buf, func() {}))

		got := frames(t, &buf)
		final := gjson.Parse(got[len(got)-2])
		assert.Equal(t, "plain text, not json", final.Get("choices.0.delta.content").String())
	})
}

func TestFakeStreamBackendError(t *testing.T) {
	call := func(ctx context.Context) ([]byte, int, error) {
		return []byte(`{"error": {"message": "quota exceeded"}}`), 429, nil
	}

	var buf bytes.Buffer
	require.NoError(t, FakeStream(context.Background(), call, "m", "id", time.Second, nil, &buf, func() {}))

	got := frames(t, &buf)
	assert.Equal(t, "[DONE]", got[len(got)-1])
	errFrame := gjson.Parse(got[len(got)-2])
	assert.Equal(t, "upstream_error", errFrame.Get("error.type").String())
	assert.Contains(t, errFrame.Get("error.message").String(), "quota exceeded")
}

func TestFakeStreamClientCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	backendCancelled := make(chan struct{})
	call := func(callCtx context.Context) ([]byte, int, error) {
		<-callCtx.Done()
		close(backendCancelled)
		return nil, 0, callCtx.Err()
	}

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- FakeStream(ctx, call, "m", "id", 10*time.Millisecond, nil, &buf, func() {})
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("fake stream did not stop after cancellation")
	}

	select {
	case <-backendCancelled:
	case <-time.After(time.Second):
		t.Fatal("backend call was not cancelled")
	}
}
