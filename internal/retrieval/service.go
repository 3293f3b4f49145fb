package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/middleware"
	"scriptorium/backend/internal/vector"
)

const (
	MaxLimit          = 20
	DefaultRetryCount = 2
	// PlaceholderTitle stands in for documents deleted after indexing.
	PlaceholderTitle = "(deleted article)"
)

// ChunkMatch is one matching chunk kept for citation.
type ChunkMatch struct {
	ChunkIndex int     `json:"chunkIndex"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// ArticleResult groups the matching chunks of one document.
type ArticleResult struct {
	DocumentID int64        `json:"documentId"`
	Title      string       `json:"title"`
	URL        string       `json:"url,omitempty"`
	Score      float32      `json:"score"`
	Deleted    bool         `json:"deleted,omitempty"`
	Chunks     []ChunkMatch `json:"chunks"`
}

// DocumentInfo is the presentation metadata of a live document.
type DocumentInfo struct {
	ID      int64
	Title   string
	URL     string
	Visible bool
}

// DocumentLookup resolves ids to documents. Missing ids are simply absent
// from the result.
type DocumentLookup interface {
	Lookup(ctx context.Context, ids []int64) (map[int64]DocumentInfo, error)
}

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorSearcher interface {
	Search(ctx context.Context, vec []float32, topK int, filter vector.Filter, retryCount int) ([]vector.Hit, error)
}

type Service struct {
	embedder Embedder
	store    VectorSearcher
	docs     DocumentLookup
	logger   *QueryLogger
	retries  int
}

type Option func(*Service)

func WithRetryCount(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func WithQueryLogger(l *QueryLogger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(e Embedder, store VectorSearcher, docs DocumentLookup, opts ...Option) *Service {
	s := &Service{embedder: e, store: store, docs: docs, retries: DefaultRetryCount}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SearchArticles embeds the query once, fetches the nearest chunks and
// returns them grouped per document, best document first.
func (s *Service) SearchArticles(ctx context.Context, query string, limit int) (results []ArticleResult, err error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	numChunks := 0

	defer func() {
		if s.logger == nil || apperror.IsValidation(err) {
			return
		}
		entry := QueryLogEntry{
			Query:         query,
			Limit:         limit,
			NumDocuments:  len(results),
			NumChunks:     numChunks,
			Outcome:       OutcomeOK,
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if err != nil {
			entry.Outcome = OutcomeError
			if apperror.IsSearchUnavailable(err) {
				entry.Outcome = OutcomeUnavailable
			}
			entry.Error = err.Error()
		}
		s.logger.Log(entry)
	}()

	if query == "" {
		return nil, apperror.NewValidation("query", "must not be empty")
	}
	if limit < 1 || limit > MaxLimit {
		return nil, apperror.NewValidation("limit", "must be between 1 and 20")
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.Search(ctx, vec, limit, vector.Filter{}, s.retries)
	if err != nil {
		return nil, err
	}

	hits = latestRevisions(hits)
	numChunks = len(hits)
	if len(hits) == 0 {
		return []ArticleResult{}, nil
	}

	ids := distinctIDs(hits)
	infos, lookupErr := s.docs.Lookup(ctx, ids)
	if lookupErr != nil {
		slog.WarnContext(ctx, "document lookup failed, using indexed titles", "error", lookupErr)
		infos = nil
	}

	byDoc := make(map[int64]*ArticleResult, len(ids))
	for _, h := range hits {
		res, ok := byDoc[h.DocumentID]
		if !ok {
			res = &ArticleResult{DocumentID: h.DocumentID, Title: h.Title}
			if infos != nil {
				info, found := infos[h.DocumentID]
				switch {
				case !found:
					res.Title = PlaceholderTitle
					res.Deleted = true
				case !info.Visible:
					// Hidden since indexing; its vectors are on their way out.
					continue
				default:
					res.Title = info.Title
					res.URL = info.URL
				}
			}
			byDoc[h.DocumentID] = res
		}
		if len(res.Chunks) == 0 || h.Score > res.Score {
			res.Score = h.Score
		}
		res.Chunks = append(res.Chunks, ChunkMatch{ChunkIndex: h.ChunkIndex, Text: h.ChunkText, Score: h.Score})
	}

	results = make([]ArticleResult, 0, len(byDoc))
	for _, res := range byDoc {
		sort.SliceStable(res.Chunks, func(i, j int) bool {
			if res.Chunks[i].Score != res.Chunks[j].Score {
				return res.Chunks[i].Score > res.Chunks[j].Score
			}
			return res.Chunks[i].ChunkIndex < res.Chunks[j].ChunkIndex
		})
		results = append(results, *res)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocumentID < results[j].DocumentID
	})

	return results, nil
}

// latestRevisions drops hits from superseded revisions of a document that
// can be visible while a replace is in progress.
func latestRevisions(hits []vector.Hit) []vector.Hit {
	latest := make(map[int64]int64, len(hits))
	for _, h := range hits {
		if h.Revision > latest[h.DocumentID] {
			latest[h.DocumentID] = h.Revision
		}
	}
	out := hits[:0:0]
	for _, h := range hits {
		if h.Revision == latest[h.DocumentID] {
			out = append(out, h)
		}
	}
	return out
}

func distinctIDs(hits []vector.Hit) []int64 {
	seen := make(map[int64]struct{}, len(hits))
	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		if _, ok := seen[h.DocumentID]; ok {
			continue
		}
		seen[h.DocumentID] = struct{}{}
		ids = append(ids, h.DocumentID)
	}
	return ids
}
