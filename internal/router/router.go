package router

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/engine"
	"github.com/marginalia/marginalia/internal/store"
	"github.com/marginalia/marginalia/internal/vector"
)

// Router dispatches decoded requests to the query engine.
type Router struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewRouter creates a router over the given engine.
func NewRouter(e *engine.Engine, logger *zap.Logger) *Router {
	return &Router{engine: e, logger: logger}
}

// Dispatch handles one request and returns its reply, or nil when the method
// is fire-and-forget or the request cannot be decoded. No fault ever crosses
// this boundary: the host treats a missing reply as still pending, and a
// malformed message is logged and dropped.
func (r *Router) Dispatch(ctx context.Context, req Request) *Response {
	switch req.Method {
	case MethodProcessNewExcerpts:
		var p processNewExcerptsPayload
		if !r.decode(req, &p) {
			return nil
		}
		ids := r.engine.ProcessNewExcerpts(ctx, toExcerpts(p.Excerpts))
		return r.reply(req, idList(ids))

	case MethodComputeExcerptEmbeddings:
		var p computeExcerptsPayload
		if !r.decode(req, &p) {
			return nil
		}
		targets := make([]store.Target, 0, len(p.Targets))
		for _, pair := range p.Targets {
			targets = append(targets, store.Target{ID: pair[0], Text: pair[1]})
		}
		ids := r.engine.ComputeExcerptEmbeddings(ctx, targets)
		return r.reply(req, idList(ids))

	case MethodComputeBookEmbeddings:
		var p computeCollectionsPayload
		if !r.decode(req, &p) {
			return nil
		}
		r.engine.ComputeBookEmbeddings(toCollectionTargets(p.Targets))
		return r.reply(req, nil)

	case MethodComputeAuthorEmbeddings:
		var p computeCollectionsPayload
		if !r.decode(req, &p) {
			return nil
		}
		r.engine.ComputeAuthorEmbeddings(toCollectionTargets(p.Targets))
		return r.reply(req, nil)

	case MethodRequestExcerptNeighbors:
		var p neighborsPayload
		if !r.decode(req, &p) {
			return nil
		}
		return r.reply(req, targetWithScores(p.Target, r.engine.ExcerptNeighbors(p.Target, p.K)))

	case MethodRequestBookNeighbors:
		var p neighborsPayload
		if !r.decode(req, &p) {
			return nil
		}
		return r.reply(req, targetWithScores(p.Target, r.engine.BookNeighbors(p.Target, p.K)))

	case MethodRequestAuthorNeighbors:
		var p neighborsPayload
		if !r.decode(req, &p) {
			return nil
		}
		return r.reply(req, targetWithScores(p.Target, r.engine.AuthorNeighbors(p.Target, p.K)))

	case MethodRequestSemanticRank:
		var p semanticRankPayload
		if !r.decode(req, &p) {
			return nil
		}
		return r.reply(req, targetWithScores(p.BookID, r.engine.SemanticRank(p.BookID, p.ExcerptIDs)))

	case MethodSemanticSearch:
		var p semanticSearchPayload
		if !r.decode(req, &p) {
			return nil
		}
		threshold := r.engine.DefaultThreshold()
		if p.Threshold != nil {
			threshold = *p.Threshold
		}
		return r.reply(req, targetWithScores(p.Query, r.engine.SemanticSearch(ctx, p.Query, threshold)))

	case MethodDeleteExcerpt:
		var p deleteExcerptPayload
		if r.decode(req, &p) {
			r.engine.DeleteExcerpt(p.TargetID, p.BookID, p.BookExcerptIDs)
		}
		return nil

	case MethodDeleteBook:
		var p deleteBookPayload
		if r.decode(req, &p) {
			r.engine.DeleteBook(p.BookID, p.BookExcerptIDs)
		}
		return nil

	case MethodSetDemoEmbeddings:
		var p setDemoEmbeddingsPayload
		if !r.decode(req, &p) {
			return nil
		}
		return r.reply(req, idList(r.engine.SetDemoEmbeddings(p.IDs)))

	case MethodInitWithClear:
		var p processNewExcerptsPayload
		if !r.decode(req, &p) {
			return nil
		}
		ids := r.engine.InitWithClear(ctx, toExcerpts(p.Excerpts))
		return r.reply(req, idList(ids))

	default:
		r.logger.Warn("unknown method", zap.String("method", req.Method))
		return nil
	}
}

func (r *Router) decode(req Request, into any) bool {
	if len(req.Payload) == 0 {
		r.logger.Warn("missing payload", zap.String("method", req.Method))
		return false
	}
	if err := json.Unmarshal(req.Payload, into); err != nil {
		r.logger.Warn("malformed payload", zap.String("method", req.Method), zap.Error(err))
		return false
	}
	return true
}

func (r *Router) reply(req Request, body any) *Response {
	return &Response{ID: req.ID, Method: req.Method, Body: body}
}

func toExcerpts(refs []excerptRef) []store.Excerpt {
	out := make([]store.Excerpt, 0, len(refs))
	for _, ref := range refs {
		out = append(out, store.Excerpt{ID: ref.ID, BookID: ref.BookID})
	}
	return out
}

func toCollectionTargets(targets []collectionTarget) []store.CollectionTarget {
	out := make([]store.CollectionTarget, 0, len(targets))
	for _, t := range targets {
		out = append(out, store.CollectionTarget{ID: t.ID, Members: t.Members})
	}
	return out
}

// idList normalizes a nil slice to an empty JSON array.
func idList(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// targetWithScores encodes the reply tuple [target, [[id, score], ...]].
func targetWithScores(target string, hits []vector.Hit) []any {
	pairs := make([]scored, 0, len(hits))
	for _, h := range hits {
		pairs = append(pairs, scored{ID: h.ID, Score: h.Score})
	}
	return []any{target, pairs}
}
