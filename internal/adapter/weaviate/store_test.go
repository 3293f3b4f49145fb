package weaviate_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapter "scriptorium/backend/internal/adapter/weaviate"
	"scriptorium/backend/internal/settings"
	"scriptorium/backend/internal/vector"
)

type fixedSettings struct{ s settings.Settings }

func (f fixedSettings) Get(ctx context.Context) (*settings.Settings, error) {
	s := f.s
	return &s, nil
}

type recorded struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type mockWeaviate struct {
	mu       sync.Mutex
	requests []recorded
	handler  func(w http.ResponseWriter, r *http.Request, body string)
}

func (m *mockWeaviate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/meta" {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"version": "1.19.0"}`))
		return
	}
	raw, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.requests = append(m.requests, recorded{Method: r.Method, Path: r.URL.Path, Body: string(raw), Auth: r.Header.Get("Authorization")})
	m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	m.handler(w, r, string(raw))
}

func newStore(t *testing.T, m *mockWeaviate, apiKey string) (*adapter.Store, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(m)
	store := adapter.NewStore(fixedSettings{s: settings.Settings{VectorStoreURL: ts.URL, VectorStoreAPIKey: apiKey}})
	return store, ts
}

func TestStore_Upsert_WritesRevisionThenDeletesOld(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodPost {
			var req struct {
				Objects []map[string]interface{} `json:"objects"`
			}
			json.Unmarshal([]byte(body), &req)
			out := make([]map[string]interface{}, len(req.Objects))
			for i, o := range req.Objects {
				out[i] = map[string]interface{}{"class": o["class"], "id": o["id"], "result": map[string]interface{}{}}
			}
			json.NewEncoder(w).Encode(out)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"results": map[string]interface{}{"matches": 2}})
	}}
	store, ts := newStore(t, m, "secret")
	defer ts.Close()

	chunks := []vector.Chunk{
		{Index: 0, Text: "first", Title: "T", Visible: true, Vector: []float32{0.1, 0.2}},
		{Index: 1, Text: "second", Title: "T", Visible: true, Vector: []float32{0.3, 0.4}},
	}
	require.NoError(t, store.Upsert(context.Background(), 42, chunks))

	require.Len(t, m.requests, 2)
	insert, del := m.requests[0], m.requests[1]

	assert.Equal(t, http.MethodPost, insert.Method)
	assert.Equal(t, "/v1/batch/objects", insert.Path)
	assert.Equal(t, "Bearer secret", insert.Auth)
	assert.Contains(t, insert.Body, `"chunkText":"first"`)
	assert.Contains(t, insert.Body, `"documentId":42`)
	assert.Contains(t, insert.Body, `"class":"ArticleChunk"`)

	assert.Equal(t, http.MethodDelete, del.Method)
	assert.Equal(t, "/v1/batch/objects", del.Path)
	assert.Contains(t, del.Body, "NotEqual")
	assert.Contains(t, del.Body, "revision")
}

func TestStore_Upsert_FailedInsertCleansNewRevision(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode([]map[string]interface{}{{
				"class": "ArticleChunk",
				"result": map[string]interface{}{
					"errors": map[string]interface{}{"error": []map[string]string{{"message": "vector lengths don't match"}}},
				},
			}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}}
	store, ts := newStore(t, m, "")
	defer ts.Close()

	err := store.Upsert(context.Background(), 7, []vector.Chunk{{Index: 0, Text: "x", Vector: []float32{1}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector lengths don't match")

	require.Len(t, m.requests, 2)
	cleanup := m.requests[1]
	assert.Equal(t, http.MethodDelete, cleanup.Method)
	assert.NotContains(t, cleanup.Body, "NotEqual")
	assert.Empty(t, cleanup.Auth)
}

func TestStore_Upsert_FailedOldRevisionDeleteIsError(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"class": "ArticleChunk", "result": map[string]interface{}{}},
				{"class": "ArticleChunk", "result": map[string]interface{}{}},
			})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":[{"message":"shard not ready"}]}`))
	}}
	store, ts := newStore(t, m, "")
	defer ts.Close()

	chunks := []vector.Chunk{
		{Index: 0, Text: "fresh", Visible: true, Vector: []float32{0.1}},
		{Index: 1, Text: "fresh too", Visible: true, Vector: []float32{0.2}},
	}
	err := store.Upsert(context.Background(), 9, chunks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete previous revisions")
	assert.True(t, vector.IsTransient(err))

	require.Len(t, m.requests, 2)
	assert.Equal(t, http.MethodDelete, m.requests[1].Method)
	assert.Contains(t, m.requests[1].Body, "NotEqual")
}

func TestStore_Upsert_ServerErrorIsTransient(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":[{"message":"overloaded"}]}`))
	}}
	store, ts := newStore(t, m, "")
	defer ts.Close()

	err := store.Upsert(context.Background(), 7, []vector.Chunk{{Index: 0, Vector: []float32{1}}})
	require.Error(t, err)
	assert.True(t, vector.IsTransient(err))
}

func TestStore_DeleteDocument(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}}
	store, ts := newStore(t, m, "")
	defer ts.Close()

	require.NoError(t, store.DeleteDocument(context.Background(), 9))
	require.Len(t, m.requests, 1)
	assert.Equal(t, http.MethodDelete, m.requests[0].Method)
	assert.Contains(t, m.requests[0].Body, "documentId")
}

func TestStore_Search(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					"ArticleChunk": []interface{}{
						map[string]interface{}{
							"documentId": 3.0,
							"chunkIndex": 1.0,
							"chunkText":  "found content",
							"title":      "Article",
							"revision":   1700000000000.0,
							"_additional": map[string]interface{}{
								"distance": 0.25,
							},
						},
					},
				},
			},
		})
	}}
	store, ts := newStore(t, m, "")
	defer ts.Close()

	hits, err := store.Search(context.Background(), []float32{0.1, 0.2}, 5, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	assert.Equal(t, int64(3), hits[0].DocumentID)
	assert.Equal(t, 1, hits[0].ChunkIndex)
	assert.Equal(t, "found content", hits[0].ChunkText)
	assert.Equal(t, "Article", hits[0].Title)
	assert.Equal(t, int64(1700000000000), hits[0].Revision)
	assert.InDelta(t, 0.75, hits[0].Score, 1e-6)

	require.Len(t, m.requests, 1)
	query := m.requests[0].Body
	assert.Equal(t, "/v1/graphql", m.requests[0].Path)
	assert.Contains(t, query, "nearVector")
	assert.Contains(t, query, "visible")
}

func TestStore_Search_IncludeHiddenHasNoWhere(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"Get": map[string]interface{}{"ArticleChunk": []interface{}{}}}})
	}}
	store, ts := newStore(t, m, "")
	defer ts.Close()

	hits, err := store.Search(context.Background(), []float32{0.1}, 3, vector.Filter{IncludeHidden: true})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.False(t, strings.Contains(m.requests[0].Body, "where"))
}

func TestStore_Search_GraphQLError(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]interface{}{{"message": "Cannot query field"}},
		})
	}}
	store, ts := newStore(t, m, "")
	defer ts.Close()

	_, err := store.Search(context.Background(), []float32{0.1}, 3, vector.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot query field")
	assert.False(t, vector.IsTransient(err))
}

func TestStore_Search_Unreachable(t *testing.T) {
	store := adapter.NewStore(fixedSettings{s: settings.Settings{VectorStoreURL: "http://127.0.0.1:1"}})

	_, err := store.Search(context.Background(), []float32{0.1}, 3, vector.Filter{})
	require.Error(t, err)
	assert.True(t, vector.IsTransient(err))
}

func TestStore_CountChunks(t *testing.T) {
	m := &mockWeaviate{handler: func(w http.ResponseWriter, r *http.Request, body string) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					"ArticleChunk": []interface{}{
						map[string]interface{}{"meta": map[string]interface{}{"count": 42.0}},
					},
				},
			},
		})
	}}
	store, ts := newStore(t, m, "")
	defer ts.Close()

	count, err := store.CountChunks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestStore_InvalidURL(t *testing.T) {
	store := adapter.NewStore(fixedSettings{s: settings.Settings{VectorStoreURL: "not a url"}})
	err := store.DeleteDocument(context.Background(), 1)
	assert.ErrorContains(t, err, "invalid vector store url")
}

func TestChunkID_Deterministic(t *testing.T) {
	assert.Equal(t, adapter.ChunkID(1, 100, 0), adapter.ChunkID(1, 100, 0))
	assert.NotEqual(t, adapter.ChunkID(1, 100, 0), adapter.ChunkID(1, 101, 0))
	assert.NotEqual(t, adapter.ChunkID(1, 100, 0), adapter.ChunkID(1, 100, 1))
	assert.NotEqual(t, adapter.ChunkID(1, 100, 0), adapter.ChunkID(2, 100, 0))
}
