package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"liquid-ws-server/internal/config"
	"liquid-ws-server/internal/logging"
	"liquid-ws-server/internal/server"
	"liquid-ws-server/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	// In-memory collaborators back development runs; production deployments
	// swap in real persistence and identity services here.
	memory := store.NewMemory()
	if cfg.EnableTokenEndpoint {
		seedDevUsers(memory)
	}

	srv, err := server.New(cfg, logger, server.Collaborators{
		Messages:      memory,
		Conversations: memory,
		Users:         memory,
		Sanitizer:     store.StripTags{},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

// seedDevUsers registers a pair of accounts and a conversation so the dev
// token endpoint produces identities that pass the gate.
func seedDevUsers(memory *store.Memory) {
	memory.AddUser("alice", true)
	memory.AddUser("bob", true)
	memory.AddConversation("dev-conversation", "alice", "bob")
}
