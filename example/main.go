// Command example runs a minimal web application protected by the eartho
// authentication handler.  Configuration comes from EARTHO_* environment
// variables, optionally loaded from a local .env file.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"github.com/mamimotu/eartho-packages/server"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{Name: "example", Level: hclog.Debug})

	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("unable to load .env", "error", err)
	}

	cfg, err := server.ConfigFromEnv()
	if err != nil {
		logger.Error("unable to load configuration", "error", err)
		os.Exit(1)
	}
	auth, err := server.New(cfg, server.WithLogger(logger.Named("auth")))
	if err != nil {
		logger.Error("unable to create auth handler", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/auth/", auth)
	mux.Handle("/profile", auth.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ses := server.SessionFromContext(r.Context())
		fmt.Fprintf(w, "hello %s (%s)\n", ses.User.Name(), ses.User.Email())
	})))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `<a href="/api/auth/login?returnTo=/profile">log in</a>`)
	})

	addr := os.Getenv("EXAMPLE_ADDR")
	if addr == "" {
		addr = ":3000"
	}
	logger.Info("listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
