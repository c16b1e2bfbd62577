// Package router decodes inbound request messages, dispatches them to the
// query engine, and encodes replies. The wire protocol multiplexes all
// request types over one ordered channel; methods are dispatched by name with
// exhaustive matching.
package router

import (
	"encoding/json"
	"fmt"
)

// Method names carried on the wire.
const (
	MethodProcessNewExcerpts       = "processNewExcerpts"
	MethodComputeExcerptEmbeddings = "computeExcerptEmbeddings"
	MethodComputeBookEmbeddings    = "computeBookEmbeddings"
	MethodComputeAuthorEmbeddings  = "computeAuthorEmbeddings"
	MethodRequestExcerptNeighbors  = "requestExcerptNeighbors"
	MethodRequestBookNeighbors     = "requestBookNeighbors"
	MethodRequestAuthorNeighbors   = "requestAuthorNeighbors"
	MethodRequestSemanticRank      = "requestSemanticRank"
	MethodSemanticSearch           = "semanticSearch"
	MethodDeleteExcerpt            = "deleteExcerpt"
	MethodDeleteBook               = "deleteBook"
	MethodSetDemoEmbeddings        = "setDemoEmbeddings"
	MethodInitWithClear            = "initWithClear"
)

// Request is one inbound message. Payload shape depends on Method.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is one outbound reply. Fire-and-forget methods produce none.
type Response struct {
	ID     string `json:"id,omitempty"`
	Method string `json:"method"`
	Body   any    `json:"body"`
}

// excerptRef identifies an excerpt and its book.
type excerptRef struct {
	ID     string `json:"id"`
	BookID string `json:"bookId"`
}

type processNewExcerptsPayload struct {
	Excerpts []excerptRef `json:"excerpts"`
}

// computeExcerptsPayload carries targets as [id, text] pairs.
type computeExcerptsPayload struct {
	Targets [][2]string `json:"targets"`
}

// collectionTarget decodes the wire shape [collectionId, [excerptId, ...]].
type collectionTarget struct {
	ID      string
	Members []string
}

func (t *collectionTarget) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("collection target: expected [id, members], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &t.ID); err != nil {
		return fmt.Errorf("collection target id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &t.Members); err != nil {
		return fmt.Errorf("collection target members: %w", err)
	}
	return nil
}

type computeCollectionsPayload struct {
	Targets []collectionTarget `json:"targets"`
}

type neighborsPayload struct {
	Target string `json:"target"`
	K      int    `json:"k"`
}

type semanticRankPayload struct {
	BookID     string   `json:"bookId"`
	ExcerptIDs []string `json:"excerptIds"`
}

// semanticSearchPayload carries the threshold as a pointer so an omitted
// field falls back to the configured default while an explicit 0 is honored.
type semanticSearchPayload struct {
	Query     string   `json:"query"`
	Threshold *float64 `json:"threshold"`
}

type deleteExcerptPayload struct {
	TargetID       string   `json:"targetId"`
	BookID         string   `json:"bookId"`
	BookExcerptIDs []string `json:"bookExcerptIds"`
}

type deleteBookPayload struct {
	BookID         string   `json:"bookId"`
	BookExcerptIDs []string `json:"bookExcerptIds"`
}

type setDemoEmbeddingsPayload struct {
	IDs []string `json:"ids"`
}

// scored encodes a (id, score) pair as the wire tuple [id, score].
type scored struct {
	ID    string
	Score float64
}

func (s scored) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.ID, s.Score})
}
