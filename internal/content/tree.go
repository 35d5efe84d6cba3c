package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"docsync/api/internal/extract"
	"docsync/api/internal/store"
)

// Materialize flattens the heading forest into nodes under rootNodeID in
// pre-order, so every parent precedes its children. SortOrder is the index
// among siblings. The walk uses an explicit stack.
func Materialize(documentID, rootNodeID string, structure []*extract.Heading, newID func() string) []store.Node {
	type frame struct {
		parentID string
		heading  *extract.Heading
		order    int
	}

	nodes := make([]store.Node, 0, len(structure))
	stack := make([]frame, 0, len(structure))
	push := func(parentID string, items []*extract.Heading) {
		for i := len(items) - 1; i >= 0; i-- {
			if items[i] == nil {
				continue
			}
			stack = append(stack, frame{parentID: parentID, heading: items[i], order: i})
		}
	}

	push(rootNodeID, structure)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		id := newID()
		parentID := top.parentID
		nodes = append(nodes, store.Node{
			ID:         id,
			DocumentID: documentID,
			ParentID:   &parentID,
			Title:      top.heading.Title,
			Type:       store.NodeTypeSection,
			Level:      top.heading.Level,
			SortOrder:  top.order,
		})
		push(id, top.heading.Children)
	}
	return nodes
}

// buildTree links persisted nodes into the read tree. Nodes must arrive sorted
// by SortOrder so children keep sibling order.
func buildTree(nodes []store.Node, sections extract.Sections, includeContent bool) (*TreeNode, error) {
	byID := make(map[string]*TreeNode, len(nodes))
	for _, node := range nodes {
		tn := &TreeNode{
			ID:       node.ID,
			Title:    node.Title,
			Type:     node.Type,
			Level:    node.Level,
			Children: []*TreeNode{},
		}
		if includeContent && node.Type == store.NodeTypeSection {
			text := sections[node.Title].Content
			tn.Content = &text
		}
		byID[node.ID] = tn
	}

	var root *TreeNode
	for _, node := range nodes {
		tn := byID[node.ID]
		if node.ParentID == nil {
			if root != nil {
				return nil, fmt.Errorf("document %s has more than one root node", node.DocumentID)
			}
			root = tn
			continue
		}
		parent, ok := byID[*node.ParentID]
		if !ok {
			return nil, fmt.Errorf("node %s references missing parent %s", node.ID, *node.ParentID)
		}
		parent.Children = append(parent.Children, tn)
	}
	if root == nil && len(nodes) > 0 {
		return nil, fmt.Errorf("document %s has no root node", nodes[0].DocumentID)
	}
	return root, nil
}

func decodeSections(raw string) (extract.Sections, error) {
	sections := extract.Sections{}
	if strings.TrimSpace(raw) == "" {
		return sections, nil
	}
	if err := json.Unmarshal([]byte(raw), &sections); err != nil {
		return nil, fmt.Errorf("decode sections: %w", err)
	}
	if sections == nil {
		sections = extract.Sections{}
	}
	return sections, nil
}

// encodeJSON keeps markup characters literal so substring search sees the
// stored text.
func encodeJSON(value any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// sectionPatch overwrites one section's content, creating the key when the
// snapshot has no entry for it yet.
func sectionPatch(title, text string) store.ContentPatch {
	return func(current string) (string, string, error) {
		sections, err := decodeSections(current)
		if err != nil {
			return "", "", err
		}
		section, ok := sections[title]
		previous := section.Content
		if !ok || section.Type == "" {
			section.Type = extract.SectionType
		}
		section.Content = text
		sections[title] = section

		next, err := encodeJSON(sections)
		if err != nil {
			return "", "", fmt.Errorf("encode sections: %w", err)
		}
		return previous, next, nil
	}
}
