package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"scriptorium/backend/internal/settings"
	"scriptorium/backend/internal/vector"
)

// chunkNamespace seeds deterministic object ids for (document, revision, index).
var chunkNamespace = uuid.MustParse("6f1c3a52-8e0b-4d8e-9a55-3b7d2f0e9c41")

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Store is the Weaviate vector.Backend. Replacing a document writes a new
// revision next to the old one and then removes the old one, so readers
// that keep only the highest revision never see a mixed set.
type Store struct {
	settings SettingsProvider
	now      func() time.Time

	mu         sync.RWMutex
	client     *weaviate.Client
	currentURL string
	currentKey string

	lastRevMu sync.Mutex
	lastRev   int64
}

func NewStore(s SettingsProvider) *Store {
	return &Store{settings: s, now: time.Now}
}

// NewStoreWithClient pins the store to an existing client.
func NewStoreWithClient(client *weaviate.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func (s *Store) getClient(ctx context.Context) (*weaviate.Client, error) {
	if s.settings == nil {
		return s.client, nil
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	s.mu.RLock()
	if s.client != nil && s.currentURL == cfg.VectorStoreURL && s.currentKey == cfg.VectorStoreAPIKey {
		defer s.mu.RUnlock()
		return s.client, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.currentURL == cfg.VectorStoreURL && s.currentKey == cfg.VectorStoreAPIKey {
		return s.client, nil
	}

	u, err := url.Parse(cfg.VectorStoreURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid vector store url %q", cfg.VectorStoreURL)
	}

	wcfg := weaviate.Config{Host: u.Host, Scheme: u.Scheme}
	if cfg.VectorStoreAPIKey != "" {
		wcfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.VectorStoreAPIKey}
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, err
	}

	s.client = client
	s.currentURL = cfg.VectorStoreURL
	s.currentKey = cfg.VectorStoreAPIKey
	return client, nil
}

func (s *Store) nextRevision() int64 {
	s.lastRevMu.Lock()
	defer s.lastRevMu.Unlock()
	rev := s.now().UnixMilli()
	if rev <= s.lastRev {
		rev = s.lastRev + 1
	}
	s.lastRev = rev
	return rev
}

// ChunkID is the object id of one chunk of one revision.
func ChunkID(documentID, revision int64, index int) strfmt.UUID {
	key := fmt.Sprintf("%d/%d/%d", documentID, revision, index)
	return strfmt.UUID(uuid.NewSHA1(chunkNamespace, []byte(key)).String())
}

func (s *Store) Upsert(ctx context.Context, documentID int64, chunks []vector.Chunk) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}

	rev := s.nextRevision()
	objects := make([]*models.Object, 0, len(chunks))
	for _, ch := range chunks {
		objects = append(objects, &models.Object{
			Class: vector.ClassName,
			ID:    ChunkID(documentID, rev, ch.Index),
			Properties: map[string]interface{}{
				"documentId": documentID,
				"chunkIndex": ch.Index,
				"chunkText":  ch.Text,
				"title":      ch.Title,
				"visible":    ch.Visible,
				"revision":   rev,
			},
			Vector: models.C11yVector(ch.Vector),
		})
	}

	if err := s.insert(ctx, client, objects); err != nil {
		// Drop whatever part of the new revision landed; the old set is untouched.
		if cleanupErr := s.deleteWhere(ctx, client, revisionFilter(documentID, rev, filters.Equal)); cleanupErr != nil {
			slog.WarnContext(ctx, "failed to clean up partial revision", "document_id", documentID, "revision", rev, "error", cleanupErr)
		}
		return err
	}

	if err := s.deleteWhere(ctx, client, revisionFilter(documentID, rev, filters.NotEqual)); err != nil {
		// The new revision stays; old objects are still searchable until the next replace.
		slog.WarnContext(ctx, "failed to delete previous revisions", "document_id", documentID, "revision", rev, "error", err)
		return fmt.Errorf("delete previous revisions: %w", err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, client *weaviate.Client, objects []*models.Object) error {
	res, err := client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return classify(err)
	}
	for _, r := range res {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch object %s rejected: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID int64) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	return s.deleteWhere(ctx, client, documentFilter(documentID))
}

func (s *Store) deleteWhere(ctx context.Context, client *weaviate.Client, where *filters.WhereBuilder) error {
	_, err := client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	return classify(err)
}

func documentFilter(documentID int64) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueInt(documentID)
}

func revisionFilter(documentID, revision int64, op filters.WhereOperator) *filters.WhereBuilder {
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			documentFilter(documentID),
			filters.Where().
				WithPath([]string{"revision"}).
				WithOperator(op).
				WithValueInt(revision),
		})
}

func searchFilter(f vector.Filter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if !f.IncludeHidden {
		operands = append(operands, filters.Where().
			WithPath([]string{"visible"}).
			WithOperator(filters.Equal).
			WithValueBoolean(true))
	}
	if len(f.DocumentIDs) > 0 {
		ids := make([]*filters.WhereBuilder, 0, len(f.DocumentIDs))
		for _, id := range f.DocumentIDs {
			ids = append(ids, documentFilter(id))
		}
		if len(ids) == 1 {
			operands = append(operands, ids[0])
		} else {
			operands = append(operands, filters.Where().WithOperator(filters.Or).WithOperands(ids))
		}
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

func (s *Store) Search(ctx context.Context, vec []float32, topK int, f vector.Filter) ([]vector.Hit, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	nearVector := client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "documentId"},
		{Name: "chunkIndex"},
		{Name: "chunkText"},
		{Name: "title"},
		{Name: "revision"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	query := client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(topK).
		WithFields(fields...)
	if where := searchFilter(f); where != nil {
		query = query.WithWhere(where)
	}

	res, err := query.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	var hits []vector.Hit
	data, _ := res.Data["Get"].(map[string]interface{})
	rows, _ := data[vector.ClassName].([]interface{})
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		hit := vector.Hit{
			DocumentID: int64(number(props["documentId"])),
			ChunkIndex: int(number(props["chunkIndex"])),
			Revision:   int64(number(props["revision"])),
		}
		hit.ChunkText, _ = props["chunkText"].(string)
		hit.Title, _ = props["title"].(string)
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			hit.Score = float32(1 - number(additional["distance"]))
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return 0, err
	}

	res, err := client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	agg, _ := res.Data["Aggregate"].(map[string]interface{})
	rows, _ := agg[vector.ClassName].([]interface{})
	if len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	return int(number(meta["count"])), nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	return vector.EnsureSchema(ctx, &schemaClient{client: client})
}

// number accepts the float64 produced by JSON decoding and the string form
// some Weaviate versions use for _additional values.
func number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case string:
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	}
	return 0
}

// classify marks network failures, 5xx and 429 responses as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) {
		if clientErr.StatusCode <= 0 || clientErr.StatusCode == 429 || clientErr.StatusCode >= 500 {
			return vector.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return vector.Transient(err)
}
