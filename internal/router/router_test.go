package router

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/config"
	"github.com/marginalia/marginalia/internal/embedding"
	"github.com/marginalia/marginalia/internal/engine"
	"github.com/marginalia/marginalia/internal/store"
)

const testDims = 8

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	model := embedding.NewService(func() (embedding.Embedder, error) {
		return embedding.NewHashEmbedder(testDims), nil
	}, testDims, zap.NewNop())
	st := store.New(model, nil, testDims, zap.NewNop())
	cfg := &config.SearchConfig{NeighborsK: 5, SearchLimit: 203, DefaultThreshold: 0.3}
	eng := engine.New(st, model, cfg, "", zap.NewNop())
	return NewRouter(eng, zap.NewNop())
}

func dispatch(t *testing.T, r *Router, method string, payload string) *Response {
	t.Helper()
	return r.Dispatch(context.Background(), Request{
		ID:      "req-1",
		Method:  method,
		Payload: json.RawMessage(payload),
	})
}

func encodeBody(t *testing.T, resp *Response) []byte {
	t.Helper()
	if resp == nil {
		t.Fatal("expected a reply")
	}
	data, err := json.Marshal(resp.Body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return data
}

func TestDispatch_ProcessNewExcerpts(t *testing.T) {
	r := newTestRouter(t)
	resp := dispatch(t, r, MethodProcessNewExcerpts,
		`{"excerpts":[{"id":"e1","bookId":"b1"},{"id":"e2","bookId":"b1"}]}`)

	if resp.ID != "req-1" || resp.Method != MethodProcessNewExcerpts {
		t.Errorf("reply envelope=%+v", resp)
	}
	// Nothing embedded yet: the reply is an empty array, never null.
	if got := string(encodeBody(t, resp)); got != "[]" {
		t.Errorf("body=%s, want []", got)
	}
}

func TestDispatch_ComputeExcerptEmbeddings(t *testing.T) {
	r := newTestRouter(t)
	dispatch(t, r, MethodProcessNewExcerpts, `{"excerpts":[{"id":"e1","bookId":"b1"}]}`)

	resp := dispatch(t, r, MethodComputeExcerptEmbeddings,
		`{"targets":[["e1","some annotation text"]]}`)
	var ids []string
	if err := json.Unmarshal(encodeBody(t, resp), &ids); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "e1" {
		t.Errorf("ids=%v, want [e1]", ids)
	}
}

func TestDispatch_CollectionTargetWireShape(t *testing.T) {
	r := newTestRouter(t)
	dispatch(t, r, MethodProcessNewExcerpts, `{"excerpts":[{"id":"e1","bookId":"b1"}]}`)
	dispatch(t, r, MethodComputeExcerptEmbeddings, `{"targets":[["e1","text"]]}`)

	// Targets arrive as [id, [members...]] tuples.
	resp := dispatch(t, r, MethodComputeBookEmbeddings, `{"targets":[["b1",["e1"]]]}`)
	if resp == nil {
		t.Fatal("expected an ack reply")
	}

	rank := dispatch(t, r, MethodRequestSemanticRank, `{"bookId":"b1","excerptIds":["e1"]}`)
	var body []json.RawMessage
	if err := json.Unmarshal(encodeBody(t, rank), &body); err != nil || len(body) != 2 {
		t.Fatalf("rank body=%s", encodeBody(t, rank))
	}
	var target string
	_ = json.Unmarshal(body[0], &target)
	if target != "b1" {
		t.Errorf("target=%q, want b1", target)
	}
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(body[1], &pairs); err != nil {
		t.Fatalf("pairs not [id, score] tuples: %s", body[1])
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	var id string
	var score float64
	_ = json.Unmarshal(pairs[0][0], &id)
	if err := json.Unmarshal(pairs[0][1], &score); err != nil {
		t.Errorf("score not numeric: %s", pairs[0][1])
	}
	if id != "e1" {
		t.Errorf("id=%q, want e1", id)
	}
}

func TestDispatch_NeighborsEmptyForUnknownTarget(t *testing.T) {
	r := newTestRouter(t)
	resp := dispatch(t, r, MethodRequestExcerptNeighbors, `{"target":"nope","k":3}`)
	if got := string(encodeBody(t, resp)); got != `["nope",[]]` {
		t.Errorf("body=%s, want [\"nope\",[]]", got)
	}
}

func TestDispatch_SemanticSearchReply(t *testing.T) {
	r := newTestRouter(t)
	dispatch(t, r, MethodProcessNewExcerpts, `{"excerpts":[{"id":"e1","bookId":"b1"}]}`)
	dispatch(t, r, MethodComputeExcerptEmbeddings, `{"targets":[["e1","the cat sat on the mat"]]}`)

	resp := dispatch(t, r, MethodSemanticSearch, `{"query":"the cat sat on the mat","threshold":0.9}`)
	var body []json.RawMessage
	if err := json.Unmarshal(encodeBody(t, resp), &body); err != nil || len(body) != 2 {
		t.Fatalf("body=%s", encodeBody(t, resp))
	}
	var matches [][2]json.RawMessage
	if err := json.Unmarshal(body[1], &matches); err != nil {
		t.Fatal(err)
	}
	// Identical text scores ~1.0, above any threshold.
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
}

func TestDispatch_SemanticSearchThresholdFallback(t *testing.T) {
	model := embedding.NewService(func() (embedding.Embedder, error) {
		return embedding.NewHashEmbedder(testDims), nil
	}, testDims, zap.NewNop())
	st := store.New(model, nil, testDims, zap.NewNop())
	// An unreachable default threshold distinguishes fallback from explicit values.
	cfg := &config.SearchConfig{NeighborsK: 5, SearchLimit: 203, DefaultThreshold: 2}
	r := NewRouter(engine.New(st, model, cfg, "", zap.NewNop()), zap.NewNop())

	dispatch(t, r, MethodProcessNewExcerpts, `{"excerpts":[{"id":"e1","bookId":"b1"}]}`)
	dispatch(t, r, MethodComputeExcerptEmbeddings, `{"targets":[["e1","matching text"]]}`)

	countMatches := func(resp *Response) int {
		t.Helper()
		var body []json.RawMessage
		if err := json.Unmarshal(encodeBody(t, resp), &body); err != nil || len(body) != 2 {
			t.Fatalf("body=%s", encodeBody(t, resp))
		}
		var pairs [][2]json.RawMessage
		if err := json.Unmarshal(body[1], &pairs); err != nil {
			t.Fatal(err)
		}
		return len(pairs)
	}

	// Omitted threshold falls back to the configured default (2, matches nothing).
	resp := dispatch(t, r, MethodSemanticSearch, `{"query":"matching text"}`)
	if got := countMatches(resp); got != 0 {
		t.Errorf("omitted threshold matched %d, want 0 under default", got)
	}

	// An explicit 0 is a real value, not a missing field.
	resp = dispatch(t, r, MethodSemanticSearch, `{"query":"matching text","threshold":0}`)
	if got := countMatches(resp); got != 1 {
		t.Errorf("explicit zero threshold matched %d, want 1", got)
	}
}

func TestDispatch_DeletesAreFireAndForget(t *testing.T) {
	r := newTestRouter(t)
	if resp := dispatch(t, r, MethodDeleteExcerpt,
		`{"targetId":"e1","bookId":"b1","bookExcerptIds":[]}`); resp != nil {
		t.Errorf("deleteExcerpt replied: %+v", resp)
	}
	if resp := dispatch(t, r, MethodDeleteBook,
		`{"bookId":"b1","bookExcerptIds":["e1"]}`); resp != nil {
		t.Errorf("deleteBook replied: %+v", resp)
	}
}

func TestDispatch_UnknownMethodDropped(t *testing.T) {
	r := newTestRouter(t)
	if resp := dispatch(t, r, "definitelyNotAMethod", `{}`); resp != nil {
		t.Errorf("unknown method replied: %+v", resp)
	}
}

func TestDispatch_MalformedPayloadDropped(t *testing.T) {
	r := newTestRouter(t)
	if resp := dispatch(t, r, MethodSemanticSearch, `{"query":`); resp != nil {
		t.Errorf("malformed payload replied: %+v", resp)
	}
	if resp := r.Dispatch(context.Background(), Request{Method: MethodSemanticSearch}); resp != nil {
		t.Errorf("missing payload replied: %+v", resp)
	}
}

func TestCollectionTarget_Unmarshal(t *testing.T) {
	var ct collectionTarget
	if err := json.Unmarshal([]byte(`["b1",["e1","e2"]]`), &ct); err != nil {
		t.Fatal(err)
	}
	if ct.ID != "b1" || len(ct.Members) != 2 {
		t.Errorf("decoded %+v", ct)
	}

	if err := json.Unmarshal([]byte(`["b1"]`), &ct); err == nil {
		t.Error("one-element tuple decoded without error")
	}
	if err := json.Unmarshal([]byte(`{"id":"b1"}`), &ct); err == nil {
		t.Error("object decoded without error")
	}
}

func TestScored_Marshal(t *testing.T) {
	data, err := json.Marshal(scored{ID: "e1", Score: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `["e1",0.5]` {
		t.Errorf("encoded %s, want [\"e1\",0.5]", data)
	}
}
