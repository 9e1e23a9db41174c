package embeddings

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "all-minilm" {
			t.Errorf("model = %q, want default all-minilm", req.Model)
		}
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25,-1]}`))
	}))
	defer srv.Close()

	vec, err := New(Config{BaseURL: srv.URL}).Embed(t.Context(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[2] != -1 {
		t.Errorf("vec = %v", vec)
	}
}

func TestClient_EmbedEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[]}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Embed(t.Context(), "hello")
	if !errors.Is(err, ErrEmptyEmbedding) {
		t.Errorf("err = %v, want ErrEmptyEmbedding", err)
	}
}
