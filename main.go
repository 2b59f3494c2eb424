package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/backend/local"
	"parley/internal/config"
	"parley/internal/content"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/realtime"
	"parley/internal/storage"
	"parley/internal/widget"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	selfID := flag.String("self", "alice", "Identity to act as")
	peerID := flag.String("peer", "bob", "Counterparty to open a conversation with")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	backend, err := local.New(local.Config{
		Storage:      bbStorage,
		Files:        files,
		BaseURL:      cfg.BaseURL,
		SignSecret:   cfg.SignSecret,
		SignValidity: cfg.SignValidity,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: local.NewServer(backend).Mux(),
	}

	controller := widget.NewController(widget.Config{
		SelfID:          *selfID,
		Querier:         backend,
		Objects:         backend,
		Feed:            realtime.NewWSFeed("ws://" + cfg.Addr + "/feed"),
		Tolerance:       cfg.ToleranceWindow,
		SignValidity:    cfg.SignValidity,
		SignMargin:      cfg.SignMargin,
		PollInterval:    cfg.UnreadPoll,
		ScrollThreshold: cfg.ScrollThreshold,
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Backend listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return ignoreCanceled(controller.Run(gCtx))
	})

	g.Go(func() error {
		// Give the feed endpoint a moment to come up before subscribing.
		select {
		case <-time.After(100 * time.Millisecond):
		case <-gCtx.Done():
			return nil
		}

		if err := controller.Open(gCtx, *peerID); err != nil {
			return err
		}
		defer controller.Close()

		fmt.Printf("Conversation with %s open. Type a message and press enter.\n", *peerID)
		for _, msg := range controller.Messages() {
			html, err := content.Render(msg.Body)
			if err != nil {
				html = msg.Body
			}
			fmt.Printf("[%s] %s\n", msg.SenderID, html)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if gCtx.Err() != nil {
				return nil
			}
			body := scanner.Text()
			if body == "" {
				continue
			}
			result, err := controller.Send(gCtx, models.Draft{Body: body})
			if err != nil {
				fmt.Printf("send failed (draft restored): %v\n", err)
				continue
			}
			fmt.Printf("sent %s (unread from %s: %d)\n",
				result.MessageID, *peerID, controller.Unread().Counterparty)
		}
		return scanner.Err()
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return ignoreCanceled(g.Wait())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}
