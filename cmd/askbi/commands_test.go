package main

import (
	"testing"

	"github.com/ashureev/askbi/internal/engine"
	"github.com/ashureev/askbi/internal/identity"
)

func TestAskTurnForcesDataRoute(t *testing.T) {
	turn := askTurn("מה היו ההכנסות?")
	if turn.Route != engine.RouteData {
		t.Errorf("Expected data route, got %q", turn.Route)
	}
	if !identity.ValidChatID(turn.ChatID) {
		t.Errorf("Expected a fresh chat id, got %q", turn.ChatID)
	}
	if turn.Message != "מה היו ההכנסות?" || turn.UserEmail != identity.AnonymousEmail {
		t.Errorf("Unexpected turn %+v", turn)
	}
}

func TestPruneRejectsNonPositiveWindow(t *testing.T) {
	if err := pruneCmd.Flags().Set("older-than", "0s"); err != nil {
		t.Fatalf("Set flag failed: %v", err)
	}
	t.Cleanup(func() { _ = pruneCmd.Flags().Set("older-than", "720h") })
	if err := runPrune(pruneCmd, nil); err == nil {
		t.Error("Expected an error for a zero window")
	}
}
