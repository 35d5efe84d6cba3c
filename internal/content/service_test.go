package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/microcosm-cc/bluemonday"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsync/api/internal/extract"
	"docsync/api/internal/rbac"
	"docsync/api/internal/store"
	"docsync/api/internal/store/storetest"
)

const guideMarkup = `<html><head><title>Guide Page</title>
<meta name="description" content="How to use it">
</head><body>
<nav><h2>Menu</h2></nav>
<main>
<h1>Guide</h1><p>intro</p>
<h2>Install</h2><p>run make</p>
<h2>Usage</h2><p>use it</p>
<h3>Flags</h3><p>-v</p>
</main>
<aside><h2>Related</h2><p>elsewhere</p></aside>
</body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (extract.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return extract.Page{}, f.err
	}
	body, ok := f.pages[url]
	if !ok {
		return extract.Page{}, &extract.FetchError{URL: url, Reason: extract.FetchHTTPStatus, StatusCode: 404}
	}
	return extract.Page{URL: url, Body: []byte(body), ContentType: "text/html"}, nil
}

type notification struct {
	documentID, nodeID, content, userID string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) ContentUpdated(_ context.Context, documentID, nodeID, content, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{documentID, nodeID, content, userID})
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.events...)
}

type recordingListener struct {
	mu      sync.Mutex
	created []string
	updated []string
	deleted []string
}

func (l *recordingListener) DocumentCreated(_ context.Context, c Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, c.Document.ID)
	return nil
}

func (l *recordingListener) SectionUpdated(_ context.Context, c Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updated = append(l.updated, c.Edit.NodeID)
	return errors.New("listener failures are only logged")
}

func (l *recordingListener) DocumentDeleted(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = append(l.deleted, id)
	return nil
}

type harness struct {
	svc      *Service
	store    *store.SQLStore
	fetcher  *fakeFetcher
	notifier *recordingNotifier
	listener *recordingListener
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	st := storetest.NewSQLite(t)
	ctx := context.Background()
	for _, m := range []store.TeamMember{
		{TeamID: "team-1", UserID: "alice", Role: "editor"},
		{TeamID: "team-1", UserID: "bob", Role: "member"},
		{TeamID: "team-1", UserID: "victor", Role: "viewer"},
		{TeamID: "team-1", UserID: "olga", Role: "owner"},
		{TeamID: "team-2", UserID: "mallory", Role: "owner"},
	} {
		require.NoError(t, st.UpsertTeamMember(ctx, m))
	}

	h := &harness{
		store:    st,
		fetcher:  &fakeFetcher{pages: map[string]string{"https://docs.example.com/guide": guideMarkup}},
		notifier: &recordingNotifier{},
		listener: &recordingListener{},
	}
	deps := Deps{
		Store:      st,
		Authorizer: rbac.NewAuthorizer(st, store.IsNotFound),
		Fetcher:    h.fetcher,
		Notifier:   h.notifier,
		Listeners:  []Listener{h.listener},
		Logger:     zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.svc = New(deps)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) ingest(t *testing.T) DocumentView {
	t.Helper()
	ctx := context.Background()
	created, err := h.svc.CreateDocument(ctx, "alice", "team-1", "https://docs.example.com/guide")
	require.NoError(t, err)
	view, err := h.svc.GetDocument(ctx, "alice", created.ID, true)
	require.NoError(t, err)
	return view
}

func findNode(t *testing.T, root *TreeNode, title string) *TreeNode {
	t.Helper()
	stack := []*TreeNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Title == title && n.Type == store.NodeTypeSection {
			return n
		}
		stack = append(stack, n.Children...)
	}
	t.Fatalf("node %q not found", title)
	return nil
}

func TestCreateDocumentBuildsTree(t *testing.T) {
	h := newHarness(t)
	view := h.ingest(t)

	assert.Equal(t, "Guide", view.Title)
	assert.Equal(t, "team-1", view.TeamID)
	assert.Equal(t, "How to use it", view.Meta["description"])
	assert.Contains(t, view.Meta, "last_scraped")

	root := view.Tree
	require.NotNil(t, root)
	assert.Equal(t, store.NodeTypeRoot, root.Type)
	assert.Equal(t, 0, root.Level)
	assert.Nil(t, root.Content)
	require.Len(t, root.Children, 1)

	guide := root.Children[0]
	assert.Equal(t, "Guide", guide.Title)
	assert.Equal(t, 0, guide.Level)
	titles := []string{}
	for _, c := range guide.Children {
		titles = append(titles, c.Title)
	}
	assert.Equal(t, []string{"Install", "Usage", "Related"}, titles, "nav headings are sanitized away")
	require.Len(t, guide.Children[1].Children, 1)
	assert.Equal(t, "Flags", guide.Children[1].Children[0].Title)
	assert.Equal(t, 2, guide.Children[1].Children[0].Level)

	require.NotNil(t, guide.Children[0].Content)
	assert.Equal(t, "<p>run make</p>", *guide.Children[0].Content)
	require.NotNil(t, guide.Children[2].Content)
	assert.Equal(t, "", *guide.Children[2].Content)

	nodes, err := h.store.ListNodes(context.Background(), view.ID)
	require.NoError(t, err)
	orders := map[string][]int{}
	for _, n := range nodes {
		if n.ParentID != nil {
			orders[*n.ParentID] = append(orders[*n.ParentID], n.SortOrder)
		}
	}
	for parent, got := range orders {
		for i, order := range got {
			assert.Equal(t, i, order, "sibling order under %s", parent)
		}
	}
}

func TestGetDocumentOmitsContentUnlessRequested(t *testing.T) {
	h := newHarness(t)
	view := h.ingest(t)

	bare, err := h.svc.GetDocument(context.Background(), "victor", view.ID, false)
	require.NoError(t, err)
	assert.Nil(t, bare.Tree.Children[0].Content)
}

func TestCreateDocumentRequiresWriteAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, user := range []string{"victor", "mallory", "stranger"} {
		_, err := h.svc.CreateDocument(ctx, user, "team-1", "https://docs.example.com/guide")
		require.ErrorIs(t, err, ErrUnauthorized, user)
		assert.Equal(t, KindUnauthorized, KindOf(err))
	}
	assert.Equal(t, 0, h.fetcher.calls, "no side effects before authorization")

	items, err := h.svc.ListByTeam(ctx, "alice", "team-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreateDocumentValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name, team, url string
	}{
		{"missing team", "", "https://docs.example.com/guide"},
		{"missing url", "team-1", ""},
		{"relative url", "team-1", "/guide"},
		{"ftp url", "team-1", "ftp://docs.example.com/guide"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateDocument(ctx, "alice", tt.team, tt.url)
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestCreateDocumentFetchFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateDocument(context.Background(), "alice", "team-1", "https://docs.example.com/missing")
	require.ErrorIs(t, err, ErrIngestionFailed)
	require.ErrorIs(t, err, extract.ErrFetchFailed)
	assert.Equal(t, KindFetchFailed, KindOf(err))
}

func TestCreateDocumentExtractionFailure(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages["https://docs.example.com/blob"] = "\x00\x01binary"

	_, err := h.svc.CreateDocument(context.Background(), "alice", "team-1", "https://docs.example.com/blob")
	require.ErrorIs(t, err, ErrIngestionFailed)
	require.ErrorIs(t, err, extract.ErrExtractionFailed)
	assert.Equal(t, KindExtractionFailed, KindOf(err))
}

type failingTreeStore struct {
	*store.SQLStore
}

func (failingTreeStore) CreateDocumentTree(context.Context, store.Document, []store.Node) error {
	return errors.New("disk full")
}

func TestCreateDocumentPersistenceFailure(t *testing.T) {
	var st *store.SQLStore
	h := newHarness(t, func(d *Deps) {
		st = d.Store.(*store.SQLStore)
		d.Store = failingTreeStore{st}
	})

	_, err := h.svc.CreateDocument(context.Background(), "alice", "team-1", "https://docs.example.com/guide")
	require.ErrorIs(t, err, ErrIngestionFailed)
	assert.Equal(t, KindIngestionFailed, KindOf(err))

	items, err := st.ListDocumentsByTeam(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUpdateSectionRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)
	install := findNode(t, view.Tree, "Install")

	edit, err := h.svc.UpdateSection(ctx, "alice", view.ID, install.ID, "X")
	require.NoError(t, err)
	assert.Equal(t, "<p>run make</p>", edit.PreviousContent)
	assert.True(t, edit.HasChanges)

	section, err := h.svc.ReadSection(ctx, "alice", install.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "X", section.Content)
	assert.Equal(t, "Install", section.Title)
	assert.Equal(t, store.NodeTypeSection, section.Type)
	assert.Equal(t, 1, section.Level)
	assert.Nil(t, section.History)

	withHistory, err := h.svc.ReadSection(ctx, "alice", install.ID, true)
	require.NoError(t, err)
	require.NotNil(t, withHistory.History)
	history := *withHistory.History
	require.Len(t, history, 1)
	assert.Equal(t, "X", history[0].NewContent)
	assert.Equal(t, "alice", history[0].UserID)

	events := h.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notification{view.ID, install.ID, "X", "alice"}, events[0])

	sections, err := h.svc.Sections(ctx, "alice", view.ID)
	require.NoError(t, err)
	assert.Equal(t, "<p>use it</p>", sections["Usage"].Content, "other sections untouched")

	doc, err := h.store.GetDocument(ctx, view.ID)
	require.NoError(t, err)
	assert.Contains(t, doc.OriginalContent, "<p>run make</p>", "original snapshot is immutable")
}

func TestReadSectionRequestedHistoryIsNeverOmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)
	usage := findNode(t, view.Tree, "Usage")

	section, err := h.svc.ReadSection(ctx, "victor", usage.ID, true)
	require.NoError(t, err)
	require.NotNil(t, section.History)
	assert.Empty(t, *section.History)

	raw, err := json.Marshal(section)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"history":[]`)

	bare, err := h.svc.ReadSection(ctx, "victor", usage.ID, false)
	require.NoError(t, err)
	raw, err = json.Marshal(bare)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"history"`)
}

func TestUpdateSectionCreatesMissingKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)
	related := findNode(t, view.Tree, "Related")

	edit, err := h.svc.UpdateSection(ctx, "bob", "", related.ID, "<p>now here</p>")
	require.NoError(t, err)
	assert.Equal(t, "", edit.PreviousContent)

	sections, err := h.svc.Sections(ctx, "bob", view.ID)
	require.NoError(t, err)
	assert.Equal(t, extract.Section{Content: "<p>now here</p>", Type: extract.SectionType}, sections["Related"])
}

func TestReadSectionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)
	usage := findNode(t, view.Tree, "Usage")
	_, err := h.svc.UpdateSection(ctx, "alice", view.ID, usage.ID, "once")
	require.NoError(t, err)

	first, err := h.svc.ReadSection(ctx, "victor", usage.ID, true)
	require.NoError(t, err)
	second, err := h.svc.ReadSection(ctx, "victor", usage.ID, true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestUpdateSectionConcurrentDistinctNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)

	targets := []*TreeNode{
		findNode(t, view.Tree, "Guide"),
		findNode(t, view.Tree, "Install"),
		findNode(t, view.Tree, "Usage"),
		findNode(t, view.Tree, "Flags"),
		findNode(t, view.Tree, "Related"),
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(targets))
	for i, node := range targets {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			_, err := h.svc.UpdateSection(ctx, "alice", view.ID, nodeID, fmt.Sprintf("value-%d", i))
			errs <- err
		}(i, node.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i, node := range targets {
		section, err := h.svc.ReadSection(ctx, "alice", node.ID, false)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%d", i), section.Content, node.Title)
	}
}

func TestUpdateSectionConcurrentSameNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)
	install := findNode(t, view.Tree, "Install")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.UpdateSection(ctx, "alice", view.ID, install.ID, fmt.Sprintf("w%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	section, err := h.svc.ReadSection(ctx, "alice", install.ID, true)
	require.NoError(t, err)
	require.NotNil(t, section.History)
	history := *section.History
	require.Len(t, history, writers)

	written := map[string]bool{}
	for _, e := range history {
		written[e.NewContent] = true
	}
	assert.Len(t, written, writers)
	assert.True(t, written[section.Content], "final content is one of the writes")
	assert.Equal(t, history[0].NewContent, section.Content, "newest edit is the stored value")

	// Each edit's previous value is the value committed just before it.
	for i := 0; i < len(history)-1; i++ {
		assert.Equal(t, history[i+1].NewContent, history[i].PreviousContent)
	}
}

func TestUpdateSectionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)
	install := findNode(t, view.Tree, "Install")

	_, err := h.svc.UpdateSection(ctx, "alice", view.ID, "missing-node", "x")
	require.ErrorIs(t, err, ErrNodeNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.svc.UpdateSection(ctx, "alice", "other-document", install.ID, "x")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.UpdateSection(ctx, "victor", view.ID, install.ID, "x")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.UpdateSection(ctx, "alice", view.ID, install.ID, "")
	require.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, h.notifier.all(), "failed updates never broadcast")
	history, err := h.svc.HistoryFor(ctx, "alice", install.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

type failingUpdateStore struct {
	*store.SQLStore
}

func (failingUpdateStore) UpdateSectionContent(context.Context, store.Edit, store.ContentPatch) (store.Edit, error) {
	return store.Edit{}, errors.New("connection reset")
}

func TestUpdateSectionStorageFailure(t *testing.T) {
	h := newHarness(t)
	view := h.ingest(t)
	install := findNode(t, view.Tree, "Install")

	svc := New(Deps{
		Store:      failingUpdateStore{h.store},
		Authorizer: rbac.NewAuthorizer(h.store, store.IsNotFound),
		Fetcher:    h.fetcher,
		Notifier:   h.notifier,
	})
	defer svc.Close()

	_, err := svc.UpdateSection(context.Background(), "alice", view.ID, install.ID, "x")
	require.ErrorIs(t, err, ErrUpdateFailed)
	assert.Equal(t, KindUpdateFailed, KindOf(err))
	assert.Empty(t, h.notifier.all())
}

func TestUpdateSectionSanitizes(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Sanitizer = bluemonday.UGCPolicy() })
	ctx := context.Background()
	view := h.ingest(t)
	install := findNode(t, view.Tree, "Install")

	_, err := h.svc.UpdateSection(ctx, "alice", view.ID, install.ID, `<p>ok</p><script>alert(1)</script>`)
	require.NoError(t, err)
	section, err := h.svc.ReadSection(ctx, "alice", install.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "<p>ok</p>", section.Content)
}

func TestSearchAndListByTeam(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)

	items, err := h.svc.SearchByTeam(ctx, "victor", "team-1", "RUN MAKE")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, view.ID, items[0].ID)

	items, err = h.svc.SearchByTeam(ctx, "victor", "team-1", "guide")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = h.svc.SearchByTeam(ctx, "victor", "team-1", "  ")
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.SearchByTeam(ctx, "mallory", "team-1", "guide")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.ListByTeam(ctx, "mallory", "team-1")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSearchByTeamNonASCII(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.pages["https://docs.example.com/elan"] = `<main><h1>Élan Handbuch</h1><h2>Über</h2><p>Straße ÖFFNEN</p></main>`
	created, err := h.svc.CreateDocument(ctx, "alice", "team-1", "https://docs.example.com/elan")
	require.NoError(t, err)
	h.ingest(t)

	for _, query := range []string{"élan", "ÉLAN", "über", "öffnen", "STRASSE"} {
		items, err := h.svc.SearchByTeam(ctx, "victor", "team-1", query)
		require.NoError(t, err, query)
		if query == "STRASSE" {
			assert.Empty(t, items, "no transliteration beyond case folding")
			continue
		}
		require.Len(t, items, 1, query)
		assert.Equal(t, created.ID, items[0].ID, query)
	}
}

func TestDeleteDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.ingest(t)
	install := findNode(t, view.Tree, "Install")
	_, err := h.svc.UpdateSection(ctx, "alice", view.ID, install.ID, "x")
	require.NoError(t, err)

	require.ErrorIs(t, h.svc.DeleteDocument(ctx, "alice", view.ID), ErrUnauthorized, "editors cannot delete")
	require.NoError(t, h.svc.DeleteDocument(ctx, "olga", view.ID))

	_, err = h.svc.GetDocument(ctx, "olga", view.ID, false)
	require.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = h.svc.ReadSection(ctx, "olga", install.ID, false)
	require.ErrorIs(t, err, ErrNodeNotFound)

	h.svc.Close()
	h.listener.mu.Lock()
	defer h.listener.mu.Unlock()
	assert.Equal(t, []string{view.ID}, h.listener.created)
	assert.Equal(t, []string{install.ID}, h.listener.updated)
	assert.Equal(t, []string{view.ID}, h.listener.deleted)
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{fmt.Errorf("%w: %w", ErrIngestionFailed, &extract.FetchError{Reason: extract.FetchTimeout, Err: errors.New("slow")}), KindFetchFailed},
		{fmt.Errorf("%w: %w", ErrIngestionFailed, extract.ErrExtractionFailed), KindExtractionFailed},
		{fmt.Errorf("%w: db", ErrIngestionFailed), KindIngestionFailed},
		{fmt.Errorf("%w: db", ErrUpdateFailed), KindUpdateFailed},
		{ErrDocumentNotFound, KindNotFound},
		{ErrNodeNotFound, KindNotFound},
		{ErrUnauthorized, KindUnauthorized},
		{&ValidationError{Err: errors.New("bad")}, KindValidation},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		name := "nil"
		if tc.err != nil {
			name = tc.err.Error()
		}
		t.Run(strings.ReplaceAll(name, " ", "_"), func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}
