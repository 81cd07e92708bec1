package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
)

func geminiServer(t *testing.T, status int, reply string, inspect func(r *http.Request, req geminiRequest)) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if inspect != nil {
			inspect(r, req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return NewGeminiClient("test-key", "gemini-test", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
}

func testInput() Input {
	return Input{
		Base:         Image{Data: jpegBytes, MIME: "image/jpeg"},
		Overlay:      Image{Data: pngBytes, MIME: "image/png"},
		ItemTypeHint: "jacket",
	}
}

func TestGeminiClient_ReturnsImage(t *testing.T) {
	reply := `{"candidates":[{"content":{"parts":[{"text":"here you go"},{"inlineData":{"mimeType":"image/png","data":"` +
		base64.StdEncoding.EncodeToString(pngBytes) + `"}}]},"finishReason":"STOP"}]}`

	client := geminiServer(t, http.StatusOK, reply, func(r *http.Request, req geminiRequest) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		if !assert.Len(t, req.Contents, 1) || !assert.Len(t, req.Contents[0].Parts, 3) {
			return
		}
		parts := req.Contents[0].Parts
		assert.Equal(t, "image/jpeg", parts[0].InlineData.MimeType)
		assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
		assert.Contains(t, parts[2].Text, "jacket")
	})

	res, err := client.Generate(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, ResultImage, res.Kind)
	assert.Equal(t, pngBytes, res.Image.Data)
	assert.Equal(t, "image/png", res.Image.MIME)
}

func TestGeminiClient_Classification(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		kind   ResultKind
		reason string
	}{
		{
			name:   "prompt blocked",
			reply:  `{"promptFeedback":{"blockReason":"SAFETY"}}`,
			kind:   ResultPolicyBlock,
			reason: "SAFETY",
		},
		{
			name:   "safety finish",
			reply:  `{"candidates":[{"content":{"parts":[]},"finishReason":"IMAGE_SAFETY"}]}`,
			kind:   ResultPolicyBlock,
			reason: "IMAGE_SAFETY",
		},
		{
			name:   "prohibited content finish",
			reply:  `{"candidates":[{"content":{"parts":[{"text":"no"}]},"finishReason":"PROHIBITED_CONTENT"}]}`,
			kind:   ResultPolicyBlock,
			reason: "PROHIBITED_CONTENT",
		},
		{
			name:  "text only",
			reply: `{"candidates":[{"content":{"parts":[{"text":"I cannot edit this photo."}]},"finishReason":"STOP"}]}`,
			kind:  ResultTextOnly,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := geminiServer(t, http.StatusOK, tt.reply, nil)
			res, err := client.Generate(context.Background(), testInput())
			require.NoError(t, err)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestGeminiClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
		want   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, reply: `{}`, want: ErrRateLimited},
		{name: "bad key", status: http.StatusForbidden, reply: `{}`, want: ErrAuthFailed},
		{name: "bad request", status: http.StatusBadRequest, reply: `{"error":"x"}`, want: ErrBadRequest},
		{name: "server error", status: http.StatusInternalServerError, reply: `{}`, want: ErrUnavailable},
		{name: "no candidates", status: http.StatusOK, reply: `{"candidates":[]}`, want: ErrBadResponse},
		{name: "not json", status: http.StatusOK, reply: `<html>`, want: ErrBadResponse},
		{
			name:   "truncated by max tokens",
			status: http.StatusOK,
			reply:  `{"candidates":[{"content":{"parts":[{"text":"Here is"}]},"finishReason":"MAX_TOKENS"}]}`,
			want:   ErrBadResponse,
		},
		{
			name:   "other finish",
			status: http.StatusOK,
			reply:  `{"candidates":[{"content":{"parts":[]},"finishReason":"OTHER"}]}`,
			want:   ErrBadResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := geminiServer(t, tt.status, tt.reply, nil)
			_, err := client.Generate(context.Background(), testInput())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPrompt_DefaultsItemType(t *testing.T) {
	assert.Contains(t, prompt(""), DefaultItemType)
	assert.Contains(t, prompt("hat"), "hat")
}
