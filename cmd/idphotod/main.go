// Command idphotod serves the ID-photo editor over HTTP.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	idphoto "github.com/Skryldev/idphoto"
	"github.com/Skryldev/idphoto/adapters/storage"
	"github.com/Skryldev/idphoto/canvas"
	"github.com/Skryldev/idphoto/config"
	"github.com/Skryldev/idphoto/hooks"
	"github.com/Skryldev/idphoto/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	slogger := hooks.NewLogger(os.Stdout, cfg.LogLevel)
	canvas.SetLogger(slogger)
	logger := hooks.NewSlogLogger(slogger)

	store, err := storage.NewLocal(cfg.ExportDir, 0o644)
	if err != nil {
		log.Fatalf("export dir: %v", err)
	}

	editor, err := idphoto.New(cfg,
		idphoto.WithLogger(logger),
		idphoto.WithStorage(store),
	)
	if err != nil {
		log.Fatalf("editor: %v", err)
	}
	defer editor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// load the segmentation model before the first request needs it
	go editor.Preload(ctx)

	logger.Info("idphotod.starting",
		"addr", cfg.HTTP.Addr,
		"export_dir", store.Root(),
		"vips", cfg.UseVips,
		"services", cfg.Services.BaseURL != "",
		"enhancer", cfg.Services.EnhanceURL != "",
	)
	if err := server.New(editor, logger).ListenAndServe(ctx); err != nil {
		logger.Error("idphotod.stopped", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("idphotod.stopped")
}
