package workers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"deepresearch/internal/graph"
	"deepresearch/internal/llm"
	"deepresearch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStage struct {
	kind Kind
	err  error
	run  func(res *Result)
}

func (s *stubStage) Kind() Kind { return s.kind }

func (s *stubStage) Run(ctx context.Context, req Request, res *Result) error {
	if s.run != nil {
		s.run(res)
	}
	return s.err
}

func TestRequest_FragmentID(t *testing.T) {
	req := Request{TaskID: "t1", Index: 2, Attempt: 3}
	assert.Equal(t, "t1/2", req.FragmentID())
}

func TestPipeline_RunsStagesInOrder(t *testing.T) {
	var order []Kind
	mk := func(k Kind) *stubStage {
		return &stubStage{kind: k, run: func(*Result) { order = append(order, k) }}
	}
	p := NewPipeline(mk(KindRetrieval), mk(KindCitation), mk(KindKnowledgeGraph), mk(KindAnalysis))

	res, err := p.Research(context.Background(), Request{TaskID: "t", Index: 0})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindRetrieval, KindCitation, KindKnowledgeGraph, KindAnalysis}, order)
	assert.Equal(t, order, p.Kinds())
	assert.Equal(t, "t/0", res.Fragment.ID)
}

func TestPipeline_FailureKeepsPartialResult(t *testing.T) {
	boom := errors.New("boom")
	p := NewPipeline(
		&stubStage{kind: KindKnowledgeGraph, run: func(res *Result) {
			res.Fragment.Nodes = append(res.Fragment.Nodes, graph.Node{Label: "Partial", Confidence: 0.4})
		}},
		&stubStage{kind: KindAnalysis, err: boom},
	)

	res, err := p.Research(context.Background(), Request{TaskID: "t", Index: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindAnalysis, se.Kind)

	require.NotNil(t, res)
	assert.Len(t, res.Fragment.Nodes, 1)
}

func TestPipeline_StopsOnCancelledContext(t *testing.T) {
	ran := false
	p := NewPipeline(&stubStage{kind: KindRetrieval, run: func(*Result) { ran = true }})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Research(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

const ddgPage = `<html><body>
<div class="result">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FQuantum_computing&rut=x">Quantum computing - Wikipedia</a>
  <a class="result__snippet">A quantum computer   exploits quantum mechanics.</a>
</div>
<div class="result">
  <a class="result__a" href="https://www.nature.com/articles/q1">Nature article</a>
  <div class="result__snippet">Recent results.</div>
</div>
<div class="result">
  <a class="result__a" href="https://www.nature.com/articles/q1">Duplicate</a>
</div>
</body></html>`

func TestParseSearchResults(t *testing.T) {
	results, err := ParseSearchResults(ddgPage, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "https://en.wikipedia.org/wiki/Quantum_computing", results[0].URL)
	assert.Equal(t, "Quantum computing - Wikipedia", results[0].Title)
	assert.Equal(t, "A quantum computer exploits quantum mechanics.", results[0].Snippet)
	assert.Equal(t, "https://www.nature.com/articles/q1", results[1].URL)

	limited, err := ParseSearchResults(ddgPage, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestParseSearchResults_FallbackLinks(t *testing.T) {
	page := `<ul>
<li><a href="https://example.com/a">Example A</a></li>
<li><a href="/relative">Relative</a></li>
<li><a href="mailto:x@example.com">Mail</a></li>
</ul>`
	results, err := ParseSearchResults(page, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://example.com/a", results[0].URL)
}

func TestExtractText(t *testing.T) {
	page := `<html><head><script>var x = "ignore me please";</script></head><body>
<nav>Navigation menu entries that should vanish</nav>
<h1>Quantum Computing Explained Simply</h1>
<p>Qubits can represent zero and one at the same time.</p>
<p>short</p>
<footer>Copyright notice that is long enough</footer>
</body></html>`
	text, err := ExtractText(page, 0)
	require.NoError(t, err)
	assert.Contains(t, text, "Quantum Computing Explained Simply")
	assert.Contains(t, text, "Qubits can represent zero and one")
	assert.NotContains(t, text, "ignore me")
	assert.NotContains(t, text, "Navigation")
	assert.NotContains(t, text, "Copyright")
	assert.NotContains(t, text, "short")

	capped, err := ExtractText(page, 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(capped), 10)
}

func TestWebRetriever_SearchAndFetch(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
			assert.Contains(t, r.URL.Query().Get("q"), "qubits")
			fmt.Fprintf(w, `<div class="result"><a class="result__a" href="%s/page">Page</a><a class="result__snippet">snippet one</a></div>
<div class="result"><a class="result__a" href="%s/missing">Missing</a><a class="result__snippet">snippet two</a></div>`, srv.URL, srv.URL)
		case "/page":
			fmt.Fprint(w, `<html><body><p>Qubits are the basic unit of quantum information today.</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := &WebRetriever{SearchURL: srv.URL + "/search", MaxSources: 5, UserAgent: "test-agent"}
	res := &Result{}
	err := r.Run(context.Background(), Request{Query: "qubits", FocusArea: "qubits: overview"}, res)
	require.NoError(t, err)

	require.Len(t, res.Sources, 2)
	require.Len(t, res.Documents, 2)
	assert.Contains(t, res.Documents[0].Text, "basic unit of quantum information")
	assert.Equal(t, "snippet two", res.Documents[1].Text, "failed fetch keeps the snippet")
}

func TestWebRetriever_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>No results.</body></html>`)
	}))
	defer srv.Close()

	r := &WebRetriever{SearchURL: srv.URL}
	err := r.Run(context.Background(), Request{FocusArea: "nothing"}, &Result{})
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestWebRetriever_SearchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := &WebRetriever{SearchURL: srv.URL}
	err := r.Run(context.Background(), Request{FocusArea: "x"}, &Result{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type pageMap map[string]string

func (p pageMap) Fetch(ctx context.Context, pageURL string) (string, error) {
	html, ok := p[pageURL]
	if !ok {
		return "", fmt.Errorf("no page %s", pageURL)
	}
	return html, nil
}

func TestWebRetriever_UsesPageFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div class="result"><a class="result__a" href="https://rendered.example.com/">Rendered</a></div>`)
	}))
	defer srv.Close()

	r := &WebRetriever{
		SearchURL: srv.URL,
		Pages:     pageMap{"https://rendered.example.com/": `<p>Rendered by a browser with scripts enabled.</p>`},
	}
	res := &Result{}
	require.NoError(t, r.Run(context.Background(), Request{FocusArea: "render"}, res))
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "Rendered by a browser with scripts enabled.", res.Documents[0].Text)
}

func TestCitationScorer(t *testing.T) {
	c := &CitationScorer{DomainScores: map[string]float64{"wikipedia.org": 0.8}}

	tests := []struct {
		url    string
		domain string
		score  float64
	}{
		{"https://en.wikipedia.org/wiki/Qubit", "wikipedia.org", 0.85},
		{"https://www.energy.gov/science", "energy.gov", 0.9},
		{"http://mit.edu/news", "mit.edu", 0.85},
		{"http://blog.example.com/post", "example.com", 0.5},
		{"https://www.bbc.co.uk/news", "bbc.co.uk", 0.55},
		{"not a url", "", 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.domain, RegistrableDomain(tt.url))
			assert.InDelta(t, tt.score, c.Score(tt.url), 1e-9)
		})
	}

	res := &Result{
		Sources:   []types.Source{{URL: "https://en.wikipedia.org/wiki/Qubit"}},
		Documents: []Document{{Source: types.Source{URL: "https://en.wikipedia.org/wiki/Qubit"}}},
	}
	require.NoError(t, c.Run(context.Background(), Request{}, res))
	assert.Equal(t, "wikipedia.org", res.Sources[0].Domain)
	assert.InDelta(t, 0.85, res.Sources[0].ReliabilityScore, 1e-9)
	assert.Equal(t, "wikipedia.org", res.Documents[0].Source.Domain)
}

func TestEntityExtractor(t *testing.T) {
	res := &Result{Fragment: graph.Fragment{ID: "t/0"}, Documents: []Document{
		{Source: types.Source{ReliabilityScore: 0.9}, Text: "Google and IBM Quantum announced progress. The Willow chip from Google set a record."},
		{Source: types.Source{ReliabilityScore: 0.6}, Text: "IBM Quantum published a roadmap."},
	}}
	x := &EntityExtractor{MaxEntities: 10}
	require.NoError(t, x.Run(context.Background(), Request{FocusArea: "Quantum hardware"}, res))

	g := graph.Merge(graph.New(), res.Fragment)
	for _, id := range []string{"quantum hardware", "google", "ibm quantum", "willow"} {
		assert.Contains(t, g.Nodes, id)
	}
	assert.Equal(t, "topic", g.Nodes["quantum hardware"].Type)
	assert.NotContains(t, g.Nodes, "the willow")

	covers := graph.Edge{Source: "quantum hardware", Target: "google", Label: "covers"}
	assert.Contains(t, g.Edges, covers.Key())
	related := graph.Edge{Source: "google", Target: "ibm quantum", Label: "related_to"}
	assert.Contains(t, g.Edges, related.Key())
	related = graph.Edge{Source: "google", Target: "willow", Label: "related_to"}
	assert.Contains(t, g.Edges, related.Key())

	for _, e := range g.Edges {
		assert.LessOrEqual(t, e.Weight, 1.0)
		assert.GreaterOrEqual(t, e.Confidence, 0.0)
	}
}

func TestEntityExtractor_MaxEntities(t *testing.T) {
	res := &Result{Documents: []Document{{Text: "Alpha met Bravo. Charlie met Delta. Echo met Foxtrot."}}}
	x := &EntityExtractor{MaxEntities: 2}
	require.NoError(t, x.Run(context.Background(), Request{}, res))
	assert.Len(t, res.Fragment.Nodes, 2)
}

func TestExtractiveAnalyst(t *testing.T) {
	res := &Result{Documents: []Document{{
		Source: types.Source{ReliabilityScore: 0.8},
		Text: "Error correction is the main obstacle for quantum computers at scale. " +
			"The weather was pleasant during the conference in the afternoon. " +
			"Logical qubits built with error correction reduce noise substantially.",
	}}}
	a := &ExtractiveAnalyst{MaxPoints: 2}
	require.NoError(t, a.Run(context.Background(), Request{Query: "quantum", FocusArea: "error correction"}, res))

	require.Len(t, res.KeyPoints, 2)
	for _, p := range res.KeyPoints {
		assert.Contains(t, strings.ToLower(p), "error correction")
	}
	assert.NotEmpty(t, res.Summary)

	err := a.Run(context.Background(), Request{}, &Result{})
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestLLMAnalyst(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		assert.Contains(t, prompt, "Focus area")
		assert.Contains(t, prompt, "https://a.example")
		return `{"summary":"Qubits are fragile.","key_points":["noise"," ","decoherence"]}`, nil
	})
	res := &Result{Documents: []Document{{Source: types.Source{URL: "https://a.example", Title: "A"}, Text: "text"}}}
	a := &LLMAnalyst{Gen: gen}
	require.NoError(t, a.Run(context.Background(), Request{Query: "q", FocusArea: "f"}, res))
	assert.Equal(t, "Qubits are fragile.", res.Summary)
	assert.Equal(t, []string{"noise", "decoherence"}, res.KeyPoints)

	empty := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return `{"summary":""}`, nil
	})
	assert.Error(t, (&LLMAnalyst{Gen: empty}).Run(context.Background(), Request{}, res))
}

func TestHeuristicDecomposer(t *testing.T) {
	areas, err := HeuristicDecomposer{}.Decompose(context.Background(), "quantum computing", 3)
	require.NoError(t, err)
	require.Len(t, areas, 3)
	for _, a := range areas {
		assert.True(t, strings.HasPrefix(a, "quantum computing: "))
	}

	all, err := HeuristicDecomposer{}.Decompose(context.Background(), "x", 100)
	require.NoError(t, err)
	assert.Len(t, all, len(focusTemplates))

	_, err = HeuristicDecomposer{}.Decompose(context.Background(), "  ", 3)
	assert.Error(t, err)
}

func TestLLMDecomposer(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return `{"focus_areas":["Hardware","hardware","Algorithms","Policy"]}`, nil
	})
	d := &LLMDecomposer{Gen: gen, Fallback: HeuristicDecomposer{}}
	areas, err := d.Decompose(context.Background(), "quantum", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hardware", "Algorithms"}, areas)

	failing := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("backend down")
	})
	d = &LLMDecomposer{Gen: failing, Fallback: HeuristicDecomposer{}}
	areas, err = d.Decompose(context.Background(), "quantum", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"quantum: overview and key concepts", "quantum: recent developments"}, areas)

	d = &LLMDecomposer{Gen: failing}
	_, err = d.Decompose(context.Background(), "quantum", 2)
	assert.Error(t, err)
}

func TestHeuristicSynthesizer(t *testing.T) {
	areas := []types.FocusArea{
		{Topic: "q: overview and key concepts", Summary: "Qubits superpose.", KeyPoints: []string{"Superposition enables parallelism."}, Completed: true},
		{Topic: "q: recent developments", Failed: true, Error: "timeout"},
		{Topic: "q: applications and impact"},
	}
	out, err := HeuristicSynthesizer{}.Synthesize(context.Background(), "q", areas)
	require.NoError(t, err)
	assert.Contains(t, out.Summary, "Overview and key concepts")
	assert.Contains(t, out.Summary, "Qubits superpose.")
	assert.NotContains(t, out.Summary, "Recent developments")
	require.Len(t, out.FollowUps, 3)
	assert.Equal(t, "What is known about recent developments?", out.FollowUps[0])

	_, err = HeuristicSynthesizer{}.Synthesize(context.Background(), "q", areas[1:])
	assert.Error(t, err)
}

func TestLLMSynthesizer(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		assert.Contains(t, prompt, "Qubits superpose.")
		assert.NotContains(t, prompt, "never finished")
		return `{"summary":"Final answer.","follow_up_questions":["Why?","Why?","How?"]}`, nil
	})
	areas := []types.FocusArea{
		{Topic: "a", Summary: "Qubits superpose.", Completed: true},
		{Topic: "never finished"},
	}
	out, err := (&LLMSynthesizer{Gen: gen, Fallback: HeuristicSynthesizer{}}).Synthesize(context.Background(), "q", areas)
	require.NoError(t, err)
	assert.Equal(t, "Final answer.", out.Summary)
	assert.Equal(t, []string{"Why?", "How?"}, out.FollowUps)

	bad := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) { return "not json", nil })
	out, err = (&LLMSynthesizer{Gen: bad, Fallback: HeuristicSynthesizer{}}).Synthesize(context.Background(), "q", areas)
	require.NoError(t, err)
	assert.Contains(t, out.Summary, "Qubits superpose.")
}

func TestCleanResultURL(t *testing.T) {
	wrapped := "https://duckduckgo.com/l/?uddg=" + url.QueryEscape("https://go.dev/doc")
	assert.Equal(t, "https://go.dev/doc", cleanResultURL(wrapped))
	assert.Equal(t, "", cleanResultURL("javascript:alert(1)"))
	assert.Equal(t, "https://x.example/a", cleanResultURL(" //x.example/a "))
}
