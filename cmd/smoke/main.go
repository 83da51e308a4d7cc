package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"finllm.org/internal/client"
	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
	"finllm.org/internal/intent"
	"finllm.org/internal/session"
)

func main() {
	addr := os.Getenv("FINLLM_SERVER_URL")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	cred := credential.Credential{
		Username: envOr("FINLLM_SMOKE_USER", "alice"),
		Password: envOr("FINLLM_SMOKE_PASSWORD", "wonderland"),
	}

	store, err := session.New(nil)
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	api, err := client.New(addr, store, client.WithTimeout(5*time.Second))
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := api.Login(ctx, cred); err != nil {
		log.Fatalf("login as %s: %v", cred.Username, err)
	}
	defer func() { _ = api.Logout(context.Background()) }()
	if _, err := api.Me(ctx); err != nil {
		log.Fatalf("me: %v", err)
	}
	tok, _ := store.Token()

	deposit := intent.Intent{
		Action:          intent.ActionDeposit,
		Target:          intent.String("checking"),
		Amount:          intent.Float(1),
		Unit:            intent.String("USD"),
		IsSafe:          true,
		ConfidenceScore: 1,
	}

	// One token, one action.
	agentTok, err := api.Delegate(ctx, tok, deposit)
	if err != nil {
		log.Fatalf("delegate: %v", err)
	}
	res, err := api.Execute(ctx, agentTok, delegation.RequestFor(deposit, "smoke deposit"))
	if err != nil {
		log.Fatalf("execute: %v", err)
	}
	if _, err := api.Execute(ctx, agentTok, delegation.RequestFor(deposit, "smoke replay")); !errors.Is(err, delegation.ErrTokenAlreadyConsumed) {
		log.Fatalf("replay: expected TOKEN_ALREADY_CONSUMED, got %v", err)
	}

	// A larger amount than delegated is refused.
	agentTok, err = api.Delegate(ctx, tok, deposit)
	if err != nil {
		log.Fatalf("delegate: %v", err)
	}
	inflated := delegation.RequestFor(deposit, "")
	inflated.Amount = intent.Float(1000)
	if _, err := api.Execute(ctx, agentTok, inflated); !errors.Is(err, delegation.ErrPayloadMismatch) {
		log.Fatalf("inflated amount: expected PAYLOAD_MISMATCH, got %v", err)
	}

	// The session token is not an agent token.
	if _, err := api.Execute(ctx, credential.AgentToken(tok.Bearer()), delegation.RequestFor(deposit, "")); !errors.Is(err, delegation.ErrTokenInvalid) {
		log.Fatalf("session as agent: expected TOKEN_INVALID, got %v", err)
	}

	// Unsafe intents are never delegated.
	unsafe := deposit
	unsafe.IsSafe = false
	unsafe.Reasoning = intent.String("smoke check")
	if _, err := api.Delegate(ctx, tok, unsafe); !errors.Is(err, delegation.ErrIntentUnsafe) {
		log.Fatalf("unsafe intent: expected INTENT_UNSAFE, got %v", err)
	}

	fmt.Printf("✅ finllm smoke test passed: event=%s response=%q\n", res.EventID, res.Response)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
