package inline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/metrics"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls []string
}

func (f *fakeFetcher) DownloadByStorageKey(_ context.Context, key, deskID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deskID+"/"+key)
	b, ok := f.data[key]
	if !ok {
		return nil, errors.Newf("no object %s", key)
	}
	return b, nil
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"cid:abc", "abc"},
		{"CID:abc", "abc"},
		{"cid:<abc@mail.example>", "abc@mail.example"},
		{"cid:image001.png@01D9A1B2.3C4D5E60:2", "image001.png@01D9A1B2.3C4D5E60"},
		{"<abc@x>", "abc@x"},
		{"cid:part1:v2", "part1:v2"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchPrecedence(t *testing.T) {
	atts := []protocol.Attachment{
		{ID: "a1", ContentID: "logo@x"},
		{ID: "a2", ContentID: "logo@x:1"},
		{ID: "a3", ContentID: "<banner@y>"},
	}
	tests := []struct {
		ref    string
		wantID string
		ok     bool
	}{
		{"cid:logo@x:1", "a2", true},    // exact beats normalized
		{"cid:<logo@x>", "a1", true},    // normalized, first wins
		{"cid:banner@y", "a3", true},    // attachment side normalized
		{"cid:logo@other", "a1", true},  // local part
		{"cid:banner:7", "a3", true},    // local part after suffix strip
		{"cid:a2", "a2", true},          // attachment id
		{"cid:missing@x", "", false},
	}
	for _, tt := range tests {
		got, ok := Match(tt.ref, atts)
		if ok != tt.ok || got.ID != tt.wantID {
			t.Errorf("Match(%q) = %q, %v; want %q, %v", tt.ref, got.ID, ok, tt.wantID, tt.ok)
		}
	}
}

func TestReferences(t *testing.T) {
	body := `<html><head><style>.x{background:url('cid:bg@x')}</style></head>
<body><img src="cid:one@x"><img src="cid:one@x"><img src="https://example.com/a.png">
<table><tr><td background="cid:<two@x>"></td></tr></table><span style="background-image: url(cid:three@x)"></span></body></html>`

	got := References(body)
	want := []string{"cid:one@x", "cid:<two@x>", "cid:bg@x", "cid:three@x"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("References = %v, want %v", got, want)
	}
}

func newTestResolver(f *fakeFetcher, m *metrics.Metrics) *Resolver {
	return New(Options{Fetcher: f, Blobs: NewBlobStore(BlobOptions{Metrics: m})})
}

func TestResolveMintsHandlesAndKeepsRemoteURLs(t *testing.T) {
	f := &fakeFetcher{data: map[string][]byte{"k1": []byte("png-bytes")}}
	m := metrics.New()
	r := newTestResolver(f, m)

	body := `<p><img src="cid:img1@x"><img src="cid:img1@x"></p><div style="background:url(cid:bg@x)"></div>`
	res, err := r.Resolve(context.Background(), Request{
		Owner:  "view-1",
		DeskID: "d-1",
		HTML:   body,
		Attachments: []protocol.Attachment{
			{ID: "1", ContentID: "img1@x", StorageKey: "k1", ContentType: "image/png", Inline: true},
			{ID: "2", ContentID: "bg@x", URL: "https://cdn.example.com/bg.png"},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if strings.Contains(res.HTML, "cid:") {
		t.Fatalf("unresolved reference left in %s", res.HTML)
	}
	if n := strings.Count(res.HTML, DefaultURLPrefix); n != 2 {
		t.Errorf("minted handle appears %d times, want 2", n)
	}
	if !strings.Contains(res.HTML, "url(https://cdn.example.com/bg.png)") {
		t.Errorf("remote url not substituted: %s", res.HTML)
	}
	if len(f.calls) != 1 || f.calls[0] != "d-1/k1" {
		t.Errorf("downloads = %v", f.calls)
	}

	token := strings.TrimPrefix(res.Resolved["cid:img1@x"], DefaultURLPrefix)
	blob, ok := r.Blobs().Get(token)
	if !ok || string(blob.Data) != "png-bytes" || blob.ContentType != "image/png" {
		t.Fatalf("blob = %+v, %v", blob, ok)
	}
	if got := testutil.ToFloat64(m.BlobHandles); got != 1 {
		t.Errorf("blob gauge = %v", got)
	}

	if n := r.Release("view-1"); n != 1 {
		t.Errorf("Release = %d, want 1", n)
	}
	if _, ok := r.Blobs().Get(token); ok {
		t.Error("blob still served after release")
	}
	if got := testutil.ToFloat64(m.BlobHandles); got != 0 {
		t.Errorf("blob gauge after release = %v", got)
	}
}

func TestResolveLeavesUnmatchedAndFailedUntouched(t *testing.T) {
	f := &fakeFetcher{data: map[string][]byte{}}
	r := newTestResolver(f, nil)

	body := `<img src="cid:missing@x"><img src="cid:broken@x">`
	res, err := r.Resolve(context.Background(), Request{
		Owner: "view-1",
		HTML:  body,
		Attachments: []protocol.Attachment{
			{ID: "9", ContentID: "broken@x", StorageKey: "gone"},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.HTML != body {
		t.Errorf("body changed: %s", res.HTML)
	}
	if len(res.Unmatched) != 1 || res.Unmatched[0] != "cid:missing@x" {
		t.Errorf("unmatched = %v", res.Unmatched)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "cid:broken@x" {
		t.Errorf("failed = %v", res.Failed)
	}
	if r.Blobs().Len() != 0 {
		t.Errorf("blobs minted for failures: %d", r.Blobs().Len())
	}
}

func TestResolveRewritesOnlyWholeReferences(t *testing.T) {
	f := &fakeFetcher{}
	r := newTestResolver(f, nil)

	body := `<img src="cid:a"><img src="cid:ab">`
	res, err := r.Resolve(context.Background(), Request{
		HTML:        body,
		Attachments: []protocol.Attachment{{ID: "x", ContentID: "a", URL: "https://h/a"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `<img src="https://h/a"><img src="cid:ab">`
	if res.HTML != want {
		t.Errorf("HTML = %s, want %s", res.HTML, want)
	}
}

func TestResolveMessagesSkipsPlainBodies(t *testing.T) {
	f := &fakeFetcher{data: map[string][]byte{"k": []byte("x")}}
	r := newTestResolver(f, nil)
	msgs := []protocol.Message{
		{ID: "m1", HTML: "<p>hello</p>"},
		{ID: "m2", HTML: `<img src="cid:pic">`, Attachments: []protocol.Attachment{{ID: "p", ContentID: "pic", StorageKey: "k"}}},
	}

	out, err := r.ResolveMessages(context.Background(), "view-2", "d-1", msgs)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].HTML != "<p>hello</p>" {
		t.Errorf("plain body changed: %s", out[0].HTML)
	}
	if !strings.Contains(out[1].HTML, DefaultURLPrefix) {
		t.Errorf("cid body not resolved: %s", out[1].HTML)
	}
	if msgs[1].HTML != `<img src="cid:pic">` {
		t.Error("input message was modified")
	}
	if r.Blobs().Owned("view-2") != 1 {
		t.Errorf("owned = %d", r.Blobs().Owned("view-2"))
	}
}

func TestMintReusesTokenPerOwner(t *testing.T) {
	s := NewBlobStore(BlobOptions{})
	a := s.Mint("v1", "d/k", "image/png", "a.png", []byte("1"))
	b := s.Mint("v1", "d/k", "image/png", "a.png", []byte("1"))
	c := s.Mint("v2", "d/k", "image/png", "a.png", []byte("1"))
	if a != b {
		t.Error("same owner and key should reuse the token")
	}
	if a == c {
		t.Error("owners must not share tokens")
	}
	s.Release("v1")
	if _, ok := s.Get(c); !ok {
		t.Error("releasing one owner dropped another's blob")
	}
	if s.URL(c) != DefaultURLPrefix+c {
		t.Errorf("URL = %s", s.URL(c))
	}
}
