// Package viz draws the change history of a document as a graph.
package viz

import (
	"fmt"
	"io"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-sync/pkg/replica"
)

// maxLabelText is how much of the text at each change ends up in its label.
const maxLabelText = 32

// Change is one node of the history graph.
type Change struct {
	Hash  string   `json:"hash"`
	Actor string   `json:"actor"`
	Seq   uint64   `json:"seq"`
	Deps  []string `json:"deps"`
	// Text is the shared text as it was right after this change.
	Text string `json:"text"`
}

func (c Change) Label() string {
	text := c.Text
	if runes := []rune(text); len(runes) > maxLabelText {
		text = string(runes[:maxLabelText]) + "..."
	}
	return fmt.Sprintf("%s %s@%d %s", c.Hash[:8], c.Actor, c.Seq, strconv.Quote(text))
}

// History lists every change of doc in causal order.
func History(doc *automerge.Doc) ([]Change, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Change, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		text, err := docAt.Path(replica.TextField).Text().Get()
		if err != nil {
			text = ""
		}
		deps := make([]string, 0, len(change.Dependencies()))
		for _, h := range change.Dependencies() {
			deps = append(deps, h.String())
		}
		out = append(out, Change{
			Hash:  change.Hash().String(),
			Actor: change.ActorID(),
			Seq:   change.ActorSeq(),
			Deps:  deps,
			Text:  text,
		})
	}
	return out, nil
}

// WriteDot writes history as a graphviz digraph.
func WriteDot(w io.Writer, history []Change) error {
	if _, err := fmt.Fprintln(w, `digraph "log" {`); err != nil {
		return err
	}
	for _, c := range history {
		if _, err := fmt.Fprintf(w, "    %q [label=%q]\n", c.Hash, c.Label()); err != nil {
			return err
		}
		for _, dep := range c.Deps {
			if _, err := fmt.Fprintf(w, "    %q -> %q\n", dep, c.Hash); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

// RenderSVG lays out the history of doc and writes it to w as svg.
func RenderSVG(doc *automerge.Doc, w io.Writer) error {
	history, err := History(doc)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodes := make(map[string]*cgraph.Node, len(history))
	edges := 0
	for _, c := range history {
		n, err := graph.CreateNode(c.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(c.Label())
		nodes[c.Hash] = n
		for _, dep := range c.Deps {
			parent, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}
