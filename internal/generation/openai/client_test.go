package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/autotara/internal/generation"
	"github.com/tjfontaine/autotara/internal/testutil"
)

func TestClient_CompleteReplay(t *testing.T) {
	client := NewClient("sk-test", "gpt-4o-mini",
		WithHTTPClient(testutil.NewVCRClient(t, "chat_completion")))

	text, err := client.Complete(context.Background(), &generation.Completion{
		System: "You extract assets.",
		User:   "SYSTEM MODEL: {}",
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	rows, err := generation.ExtractRows(text)
	if err != nil {
		t.Fatalf("ExtractRows() error = %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(rows, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(decoded) != 1 || decoded[0]["assetId"] != "ECU-GW" {
		t.Errorf("rows = %v, want one ECU-GW asset", decoded)
	}
}

func TestClient_CreateChatCompletionRequest(t *testing.T) {
	var got ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"[]"}}]}`))
	}))
	defer server.Close()

	client := NewClient("sk-test", "gpt-4o", WithBaseURL(server.URL+"/v1/"), WithMaxTokens(2048), WithTemperature(0.2))
	text, err := client.Complete(context.Background(), &generation.Completion{System: "sys", User: "usr"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text != "[]" {
		t.Errorf("Complete() = %q, want []", text)
	}
	if got.Model != "gpt-4o" || got.MaxTokens != 2048 {
		t.Errorf("request model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", got.Temperature)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "usr" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "api error",
			status:  http.StatusUnauthorized,
			body:    `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantErr: "status 401",
		},
		{
			name:    "plain error",
			status:  http.StatusBadGateway,
			body:    `upstream down`,
			wantErr: "upstream down",
		},
		{
			name:    "no choices",
			status:  http.StatusOK,
			body:    `{"choices":[]}`,
			wantErr: "no choices",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient("sk-test", "gpt-4o", WithBaseURL(server.URL))
			_, err := client.Complete(context.Background(), &generation.Completion{})
			if err == nil {
				t.Fatal("Complete() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Complete() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("sk-test", "gpt-4o", WithBaseURL(server.URL))
	_, err := client.Complete(ctx, &generation.Completion{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Complete() error = %v, want context.Canceled", err)
	}
}

func TestParseErrorResponse(t *testing.T) {
	apiErr, err := ParseErrorResponse([]byte(`{"error":{"message":"rate limited","type":"requests","code":"rate_limit"}}`))
	if err != nil {
		t.Fatalf("ParseErrorResponse() error = %v", err)
	}
	if apiErr.Error() != "rate_limit: rate limited" {
		t.Errorf("Error() = %q", apiErr.Error())
	}

	apiErr, err = ParseErrorResponse([]byte(`{}`))
	if err != nil || apiErr != nil {
		t.Errorf("ParseErrorResponse({}) = %v, %v; want nil, nil", apiErr, err)
	}
}

func TestClient_Embed(t *testing.T) {
	var got EmbeddingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q, want /embeddings", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		// Data arrives out of input order
		_, _ = w.Write([]byte(`{"object":"list","data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer server.Close()

	client := NewClient("sk-test", "gpt-4o", WithBaseURL(server.URL))
	vecs, err := client.Embed(context.Background(), []string{"CAN injection", "OBD access"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if got.Model != defaultEmbeddingModel || len(got.Input) != 2 {
		t.Errorf("request = %+v", got)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("Embed() = %v, want vectors in input order", vecs)
	}

	client = NewClient("sk-test", "gpt-4o", WithBaseURL(server.URL), WithEmbeddingModel("text-embedding-3-large"))
	if _, err := client.Embed(context.Background(), []string{"a"}); err == nil {
		t.Error("Embed() with a short response should fail")
	}
	if got.Model != "text-embedding-3-large" {
		t.Errorf("model = %q, want text-embedding-3-large", got.Model)
	}
}
