package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/workflow-orchestrator/internal/providers/llm"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&EchoTool{})
	r.Register(&HTMLToTextTool{})
	if _, ok := r.Get("echo"); !ok {
		t.Fatal("echo not registered")
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("unexpected tool")
	}
	if got := strings.Join(r.Names(), ","); got != "echo,html_to_text" {
		t.Fatalf("Names() = %s", got)
	}
}

func TestEchoFallsBackToSingleUpstream(t *testing.T) {
	out, _, err := (&EchoTool{}).Execute(context.Background(), Request{Upstream: map[string]string{"a": "hi"}})
	if err != nil || out != "echo: hi" {
		t.Fatalf("out=%q err=%v", out, err)
	}
}

func TestHTMLToTextSkipsScripts(t *testing.T) {
	doc := `<html><head><title>x</title><script>var a=1;</script></head><body><p>Hello   world</p><div>Second</div></body></html>`
	out, _, err := (&HTMLToTextTool{}).Execute(context.Background(), Request{TaskText: doc})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hello world\nSecond" {
		t.Fatalf("out = %q", out)
	}
}

func TestExtractLinksResolvesAgainstTaskURL(t *testing.T) {
	doc := `<a href="/docs">Docs</a> <a href="https://example.org/x">  X  </a>`
	out, logs, err := (&ExtractLinksTool{}).Execute(context.Background(), Request{
		TaskText: "links of https://go.dev/",
		Upstream: map[string]string{"fetch": doc},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "Docs <https://go.dev/docs>\nX <https://example.org/x>"
	if out != want || logs != "links=2" {
		t.Fatalf("out=%q logs=%q", out, logs)
	}
}

func TestHTTPGetFetchesFirstURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<p>page</p>"))
	}))
	defer srv.Close()

	tool := &HTTPGetTool{Client: srv.Client()}
	out, logs, err := tool.Execute(context.Background(), Request{TaskText: "please read " + srv.URL + "/page now"})
	if err != nil || out != "<p>page</p>" || !strings.Contains(logs, "status=200") {
		t.Fatalf("out=%q logs=%q err=%v", out, logs, err)
	}
	if _, _, err := tool.Execute(context.Background(), Request{TaskText: srv.URL + "/missing"}); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, _, err := tool.Execute(context.Background(), Request{TaskText: "no url here"}); err == nil {
		t.Fatal("expected missing url error")
	}
}

func TestSummarizeUsesUpstreamWhenTaskEmpty(t *testing.T) {
	tool := &SummarizeTool{Client: &llm.MockClient{}}
	out, _, err := tool.Execute(context.Background(), Request{Upstream: map[string]string{"a": "alpha", "b": "beta"}})
	if err != nil || !strings.HasPrefix(out, "mock response:") {
		t.Fatalf("out=%q err=%v", out, err)
	}
	if _, _, err := tool.Execute(context.Background(), Request{}); err == nil {
		t.Fatal("expected missing text error")
	}
}

func TestPDFExtractRejectsGarbage(t *testing.T) {
	if _, _, err := (&PDFExtractTool{}).Execute(context.Background(), Request{TaskText: "%%%"}); err == nil {
		t.Fatal("expected base64 error")
	}
	if _, _, err := PDFText(context.Background(), []byte("not a pdf"), 5); err == nil {
		t.Fatal("expected pdf error")
	}
}
