package content

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/api/internal/extract"
	"docsync/api/internal/store"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("n%d", n)
	}
}

func TestMaterializePreOrder(t *testing.T) {
	structure := []*extract.Heading{
		{Title: "A", Level: 0, Children: []*extract.Heading{
			{Title: "A1", Level: 1, Children: []*extract.Heading{{Title: "A1a", Level: 2}}},
			{Title: "A2", Level: 1},
		}},
		{Title: "B", Level: 0},
	}

	nodes := Materialize("doc", "root", structure, sequentialIDs())
	require.Len(t, nodes, 5)

	titles := make([]string, 0, len(nodes))
	seen := map[string]bool{"root": true}
	for _, n := range nodes {
		titles = append(titles, n.Title)
		require.NotNil(t, n.ParentID)
		assert.True(t, seen[*n.ParentID], "parent of %s precedes it", n.Title)
		seen[n.ID] = true
		assert.Equal(t, "doc", n.DocumentID)
		assert.Equal(t, store.NodeTypeSection, n.Type)
	}
	assert.Equal(t, []string{"A", "A1", "A1a", "A2", "B"}, titles)

	byTitle := map[string]store.Node{}
	for _, n := range nodes {
		byTitle[n.Title] = n
	}
	assert.Equal(t, 0, byTitle["A"].SortOrder)
	assert.Equal(t, 1, byTitle["B"].SortOrder)
	assert.Equal(t, 1, byTitle["A2"].SortOrder)
	assert.Equal(t, byTitle["A1"].ID, *byTitle["A1a"].ParentID)
	assert.Equal(t, 2, byTitle["A1a"].Level)
}

func TestMaterializeDeepChain(t *testing.T) {
	const depth = 20000
	top := &extract.Heading{Title: "h0"}
	cur := top
	for i := 1; i < depth; i++ {
		next := &extract.Heading{Title: fmt.Sprintf("h%d", i), Level: 5}
		cur.Children = []*extract.Heading{next}
		cur = next
	}

	nodes := Materialize("doc", "root", []*extract.Heading{top}, sequentialIDs())
	require.Len(t, nodes, depth)
	for i := 1; i < depth; i++ {
		assert.Equal(t, nodes[i-1].ID, *nodes[i].ParentID)
	}
}

func TestMaterializeEmpty(t *testing.T) {
	assert.Empty(t, Materialize("doc", "root", nil, sequentialIDs()))
}

func TestBuildTree(t *testing.T) {
	root := "r"
	a, b := "a", "b"
	nodes := []store.Node{
		{ID: "r", DocumentID: "d", Title: "Doc", Type: store.NodeTypeRoot},
		{ID: "a", DocumentID: "d", ParentID: &root, Title: "A", Type: store.NodeTypeSection, SortOrder: 0},
		{ID: "a1", DocumentID: "d", ParentID: &a, Title: "A1", Type: store.NodeTypeSection, Level: 1, SortOrder: 0},
		{ID: "b", DocumentID: "d", ParentID: &root, Title: "B", Type: store.NodeTypeSection, SortOrder: 1},
		{ID: "b1", DocumentID: "d", ParentID: &b, Title: "B1", Type: store.NodeTypeSection, Level: 1, SortOrder: 0},
	}
	sections := extract.Sections{"A": {Content: "<p>a</p>", Type: extract.SectionType}}

	tree, err := buildTree(nodes, sections, true)
	require.NoError(t, err)
	assert.Equal(t, "r", tree.ID)
	assert.Nil(t, tree.Content)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, "A", tree.Children[0].Title)
	assert.Equal(t, "<p>a</p>", *tree.Children[0].Content)
	assert.Equal(t, "", *tree.Children[1].Content)
	assert.Equal(t, "B1", tree.Children[1].Children[0].Title)
	assert.NotNil(t, tree.Children[1].Children[0].Children)
}

func TestBuildTreeRejectsBrokenLinks(t *testing.T) {
	missing := "ghost"
	_, err := buildTree([]store.Node{
		{ID: "r", DocumentID: "d", Type: store.NodeTypeRoot},
		{ID: "x", DocumentID: "d", ParentID: &missing, Type: store.NodeTypeSection},
	}, nil, false)
	require.Error(t, err)

	_, err = buildTree([]store.Node{
		{ID: "r1", DocumentID: "d", Type: store.NodeTypeRoot},
		{ID: "r2", DocumentID: "d", Type: store.NodeTypeRoot},
	}, nil, false)
	require.Error(t, err)
}

func TestSectionPatch(t *testing.T) {
	previous, next, err := sectionPatch("A", "<b>new</b>")(`{"A":{"content":"old","type":"section"},"B":{"content":"b","type":"section"}}`)
	require.NoError(t, err)
	assert.Equal(t, "old", previous)
	assert.JSONEq(t, `{"A":{"content":"<b>new</b>","type":"section"},"B":{"content":"b","type":"section"}}`, next)
	assert.Contains(t, next, "<b>new</b>", "markup is stored unescaped")

	previous, next, err = sectionPatch("C", "c")(``)
	require.NoError(t, err)
	assert.Equal(t, "", previous)
	assert.JSONEq(t, `{"C":{"content":"c","type":"section"}}`, next)

	_, _, err = sectionPatch("A", "x")(`not json`)
	require.Error(t, err)
}

type orderedListener struct {
	events chan string
}

func (l orderedListener) DocumentCreated(_ context.Context, c Change) error {
	l.events <- "created:" + c.Document.ID
	return nil
}

func (l orderedListener) SectionUpdated(_ context.Context, c Change) error {
	l.events <- "updated:" + c.Edit.ID
	return nil
}

func (l orderedListener) DocumentDeleted(_ context.Context, id string) error {
	l.events <- "deleted:" + id
	return nil
}

func TestDispatcherPreservesOrder(t *testing.T) {
	l := orderedListener{events: make(chan string, 8)}
	d := newDispatcher([]Listener{l}, zap.NewNop())

	d.submit("document_created", func(ctx context.Context, l Listener) error {
		return l.DocumentCreated(ctx, Change{Document: store.Document{ID: "d1"}})
	})
	d.submit("section_updated", func(ctx context.Context, l Listener) error {
		return l.SectionUpdated(ctx, Change{Edit: &store.Edit{ID: "e1"}})
	})
	d.submit("document_deleted", func(ctx context.Context, l Listener) error {
		return l.DocumentDeleted(ctx, "d1")
	})
	d.close()
	d.submit("document_deleted", func(ctx context.Context, l Listener) error {
		return l.DocumentDeleted(ctx, "late")
	})
	close(l.events)

	var got []string
	for e := range l.events {
		got = append(got, e)
	}
	assert.Equal(t, []string{"created:d1", "updated:e1", "deleted:d1"}, got)
}
