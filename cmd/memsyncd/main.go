package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ent0n29/memsync/internal/app"
	"github.com/ent0n29/memsync/internal/config"
	"github.com/ent0n29/memsync/internal/tlscert"
)

func main() {
	genCert := flag.Bool("gen-cert", false, "write a self-signed certificate to TLS_CERT_FILE/TLS_KEY_FILE and exit")
	certHosts := flag.String("cert-hosts", "localhost,127.0.0.1", "comma-separated hosts for -gen-cert")
	flag.Parse()

	if *genCert {
		certFile, keyFile := config.TLSFiles()
		hosts := strings.Split(*certHosts, ",")
		if err := tlscert.Generate(certFile, keyFile, tlscert.Options{Hosts: hosts}); err != nil {
			log.Fatalf("certificate generation failed: %v", err)
		}
		log.Printf("wrote %s and %s", certFile, keyFile)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.AuthSecretGenerated {
		log.Printf("AUTH_SECRET not set; using a random secret, tokens will not survive a restart")
	}

	res, err := app.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: res.API.Router(),
	}

	useTLS := tlscert.Exists(cfg.TLSCertFile, cfg.TLSKeyFile)
	go func() {
		var err error
		if useTLS {
			log.Printf("server listening on %s (https, store=%s)", cfg.BindAddr, res.StoreMode)
			err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			log.Printf("warning: %s or %s not found, serving plain HTTP; run with -gen-cert to create them", cfg.TLSCertFile, cfg.TLSKeyFile)
			log.Printf("server listening on %s (http, store=%s)", cfg.BindAddr, res.StoreMode)
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
