// Command pdsctl is a minimal demonstration harness: it creates a repo,
// applies one write, and subscribes to the resulting firehose
// stream in-process, printing each frame as it arrives. It exists to
// show how repo.Repo, a storage.Store backend, and firehose.Hub/Pump
// wire together; it is not a server.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/wrenfeed/pds/atcrypto"
	"github.com/wrenfeed/pds/firehose"
	"github.com/wrenfeed/pds/repo"
	"github.com/wrenfeed/pds/storage"
	"github.com/wrenfeed/pds/storage/memory"
	"github.com/wrenfeed/pds/storage/sqlite"
)

func main() {
	var (
		dbPath  = flag.String("db", "", "sqlite file to persist to; empty runs in-memory")
		did     = flag.String("did", "did:example:alice", "repo DID")
		handle  = flag.String("handle", "alice.test", "repo handle")
		keyFile = flag.String("key-file", "", "PEM file to load/save the repo signing key; empty generates a throwaway key")
		text    = flag.String("text", "hello from pdsctl", "record text for the demo post this run creates")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(*dbPath, *did, *handle, *keyFile, *text, logger); err != nil {
		logger.Fatal("pdsctl failed", zap.Error(err))
	}
}

func run(dbPath, did, handle, keyFile, text string, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("received interrupt, shutting down")
		cancel()
	}()

	st, err := openStore(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		defer closer.Close() //nolint:errcheck
	}

	key, err := loadOrCreateKey(keyFile)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	hub := firehose.NewHub()

	r, err := repo.Create(ctx, st, did, key, "key1", "rot1", nil)
	if err != nil {
		return fmt.Errorf("creating repo: %w", err)
	}
	r.OnEvent = firehose.NotifyFunc(hub)
	logger.Info("created repo", zap.String("did", r.DID()))

	pump := firehose.NewPump(st, hub, firehose.Config{Logger: logger})
	sub, err := pump.Subscribe(ctx, did, 0)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	go printFrames(ctx, logger, sub)

	r, err = r.ApplyWrites(ctx, []repo.Op{
		{Action: repo.ActionCreate, Collection: "app.bsky.feed.post", Rkey: "1", Record: map[string]interface{}{
			"text":      text,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		}},
	}, key)
	if err != nil {
		return fmt.Errorf("applying writes: %w", err)
	}
	logger.Info("applied commit", zap.String("rev", r.Commit().Rev))

	// give the subscriber a moment to drain the frame before exiting.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

func openStore(ctx context.Context, dbPath string) (storage.Store, error) {
	if dbPath == "" {
		return memory.New(), nil
	}
	return sqlite.Open(ctx, dbPath)
}

func loadOrCreateKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return atcrypto.GenerateKey()
	}
	if b, err := ioutil.ReadFile(path); err == nil {
		block, _ := pem.Decode(b)
		if block == nil {
			return nil, fmt.Errorf("no PEM block in %s", path)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}
	key, err := atcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := ioutil.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func printFrames(ctx context.Context, logger *zap.Logger, sub *firehose.Subscriber) {
	for {
		select {
		case fr, ok := <-sub.Frames():
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Warn("subscription ended", zap.Error(err))
				}
				return
			}
			logger.Info("frame", zap.String("type", fr.Header.T), zap.Int("bytes", len(fr.Body)))
		case <-ctx.Done():
			return
		}
	}
}
