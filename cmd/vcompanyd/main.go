package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vcompany/vcompany/internal/company"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/runtime"
)

// vcompanyd is a thin mapper from flags/environment to the company library
// surface: a cobra root command with one subcommand, sequential .env
// lookup, and an inline demo of the library surface it wraps.
func main() {
	rootCmd := &cobra.Command{
		Use:   "vcompanyd",
		Short: "vcompanyd runs a virtual company node: a federation of autonomous conversational agents.",
	}

	var listenAddr, ownEndpoint, defaultBinding string
	var seeds []string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a node and register its configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), listenAddr, ownEndpoint, defaultBinding, seeds)
		},
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address this node's HTTP transport listens on")
	serveCmd.Flags().StringVar(&ownEndpoint, "own-endpoint", "http://localhost:8080", "this node's address as advertised to peers")
	serveCmd.Flags().StringVar(&defaultBinding, "default-llm-binding", "openai/gpt-4o-mini", "provider/model used by the demo agents")
	serveCmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed peer endpoints to announce to at startup")

	for _, envFile := range []string{
		".env",
		"../../.env",
		"../../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx context.Context, listenAddr, ownEndpoint, defaultBinding string, seeds []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	self := ids.NodeId(nodeIdFromEndpoint(ownEndpoint))
	co, err := company.New(company.Config{
		Self:          self,
		Endpoint:      ownEndpoint,
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
	})
	if err != nil {
		return fmt.Errorf("build company: %w", err)
	}

	co.Start(ctx)
	defer co.Shutdown()

	if err := co.RegisterAgent(company.AgentSpec{
		Id:           "concierge",
		Name:         "Concierge",
		SystemPrompt: "You greet new arrivals to the company and answer questions about how it works.",
		LlmBinding:   defaultBinding,
		Mode:         runtime.Passive,
	}); err != nil {
		return fmt.Errorf("register concierge: %w", err)
	}

	if len(seeds) > 0 {
		co.ConnectToPeers(ctx, seeds)
	}

	log.Printf("vcompanyd: node %s listening on %s (endpoint %s)", self, listenAddr, ownEndpoint)
	httpServer := &http.Server{Addr: listenAddr, Handler: co.Echo()}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		_ = httpServer.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func nodeIdFromEndpoint(endpoint string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if trimmed == "" {
		return "node-local"
	}
	return trimmed
}
