package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/astromechza/automerge-sync/pkg/auth"
	"github.com/astromechza/automerge-sync/pkg/client"
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

	fs := pflag.NewFlagSet("sync-client", pflag.ContinueOnError)
	addr := fs.String("addr", "ws://127.0.0.1:5000", "websocket url of the server")
	docID := fs.String("doc", "default", "document to join")
	token := fs.String("token", os.Getenv("SYNC_TOKEN"), "token to authenticate with")
	secret := fs.String("jwt-secret", os.Getenv("JWT_SECRET"), "issue a token locally with this secret instead of --token")
	user := fs.String("user", fmt.Sprintf("cli-%d", os.Getpid()), "user id for a locally issued token")
	interval := fs.Duration("interval", 2*time.Second, "base interval between appended lines, 0 only watches")
	dump := fs.Bool("dump", true, "save the document to a temp file on exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *token == "" && *secret != "" {
		j, err := auth.NewJWT(*secret, time.Hour)
		if err != nil {
			return err
		}
		if *token, err = j.Issue(*user, ""); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, *addr, *docID, client.Options{Token: *token})
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.WaitSynced(ctx); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	text, _ := c.Text()
	slog.Info("established base doc", "doc", *docID, "heads", c.Replica().Heads(), "length", len(text))
	c.OnChange(func(text string) {
		slog.Info("remote change", "length", len(text))
	})
	if err := c.SetAwareness(map[string]any{"user": *user}); err != nil {
		return err
	}

	appendRandomlyContinuously(ctx, c, *user, *interval)

	if err := c.Err(); err != nil {
		return fmt.Errorf("connection lost: %w", err)
	}
	if *dump {
		tf := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.automerge", filepath.Base(*docID), os.Getpid()))
		if err := os.WriteFile(tf, c.Replica().EncodeFullState(), 0o644); err != nil {
			return err
		}
		slog.Info("dumped", "dump", tf)
	}
	return nil
}

func appendRandomlyContinuously(ctx context.Context, c *client.Client, user string, interval time.Duration) {
	for line := 1; ; line++ {
		var tick <-chan time.Time
		if interval > 0 {
			tick = time.After(interval + interval*time.Duration(rand.Intn(3)))
		}
		select {
		case <-tick:
			if err := c.AppendText(fmt.Sprintf("%s line %d\n", user, line)); err != nil {
				slog.Error("failed to append", "err", err)
			} else {
				slog.Info("appended", "line", line, "heads", c.Replica().Heads())
			}
		case <-c.Done():
			slog.Info("connection closed")
			return
		case <-ctx.Done():
			slog.Info("stopping scheduled append")
			return
		}
	}
}
