package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/spf13/pflag"

	"github.com/astromechza/automerge-sync/pkg/persistence"
	"github.com/astromechza/automerge-sync/pkg/persistence/boltstore"
	"github.com/astromechza/automerge-sync/pkg/persistence/sqlitestore"
	"github.com/astromechza/automerge-sync/pkg/replica"
	"github.com/astromechza/automerge-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	fs := pflag.NewFlagSet("sync-debug", pflag.ContinueOnError)
	sqlitePath := fs.String("sqlite", "", "read the document from this sqlite store")
	boltPath := fs.String("bolt", "", "read the document from this bolt store")
	list := fs.Bool("list", false, "list the documents in the store and exit")
	dot := fs.Bool("dot", false, "print the change graph as a graphviz digraph")
	svgPath := fs.String("svg", "", "render the change graph to this svg file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	ctx := context.Background()
	var raw []byte
	switch {
	case *sqlitePath != "" || *boltPath != "":
		adapter, err := openStore(*sqlitePath, *boltPath)
		if err != nil {
			return err
		}
		defer adapter.Close()
		if *list {
			ids, err := adapter.(persistence.Lister).DocIDs(ctx)
			if err != nil {
				return fmt.Errorf("failed to list documents: %w", err)
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("expected one position argument: the document id")
		}
		if raw, err = adapter.LoadState(ctx, fs.Arg(0)); err != nil {
			return fmt.Errorf("failed to load %s: %w", fs.Arg(0), err)
		}
	default:
		if fs.NArg() != 1 {
			return fmt.Errorf("expected one position argument: the file to read")
		}
		var err error
		if raw, err = os.ReadFile(fs.Arg(0)); err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
	}

	// stored states may be a bare change log, which only loads incrementally
	r := replica.NewAutomerge()
	if _, err := r.ApplyUpdate(raw, replica.FromStorage); err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	raw = nil
	doc, err := r.Fork()
	if err != nil {
		return err
	}
	text, _ := r.Text()
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads(), "text_length", len(text))

	history, err := viz.History(doc)
	if err != nil {
		return err
	}
	slog.Info("changes:")
	for i, change := range history {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash, "actor", change.Actor, "seq", change.Seq, "dep", change.Deps)
	}

	if *dot {
		if err := viz.WriteDot(os.Stdout, history); err != nil {
			return err
		}
	}
	if *svgPath != "" {
		if err := renderToFile(doc, *svgPath); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgPath)
	}
	return nil
}

func openStore(sqlitePath, boltPath string) (persistence.Adapter, error) {
	if sqlitePath != "" {
		return sqlitestore.Open(sqlitePath)
	}
	return boltstore.Open(boltPath)
}

func renderToFile(doc *automerge.Doc, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := viz.RenderSVG(doc, f); err != nil {
		return err
	}
	return f.Close()
}
