package cmd

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/turnstile/internal/pipeline"
	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// defaultDecider returns the placeholder decision maker used until a real
// one is plugged in. It acknowledges the coalesced turn verbatim.
// TODO: replace with the agent-backed decision maker once its service ships.
func defaultDecider() pipeline.DecisionMaker {
	return pipeline.DecideFunc(func(_ context.Context, _ string, turnText string, _ *store.Snapshot) (pipeline.Decision, error) {
		return pipeline.Decision{Body: fmt.Sprintf("Recebido: %s", turnText)}, nil
	})
}
