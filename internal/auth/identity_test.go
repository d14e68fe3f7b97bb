package auth

import (
	"context"
	"testing"
)

func TestAgentContext_RoundTrip(t *testing.T) {
	ctx := WithAgent(context.Background(), &AgentContext{
		AgentID:   "agent_42",
		Scopes:    []string{"orders:*"},
		CanRefund: true,
		Scheme:    SchemeHeader,
	})

	got := AgentFromContext(ctx)
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.AgentID != "agent_42" || !got.CanRefund || got.Scheme != SchemeHeader {
		t.Errorf("unexpected agent: %+v", got)
	}
	if !got.HasScope("orders:refund") {
		t.Error("expected orders:* to grant orders:refund")
	}
	if got.HasScope("catalog:read") {
		t.Error("did not expect catalog:read")
	}
}

func TestAgentContext_EmptyContext(t *testing.T) {
	if got := AgentFromContext(context.Background()); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
	if got := AdminFromContext(context.Background()); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestAdminIdentity_Overwrite(t *testing.T) {
	ctx := WithAdmin(context.Background(), &AdminIdentity{Subject: "alice"})
	ctx = WithAdmin(ctx, &AdminIdentity{Subject: "bob", Groups: []string{"ops"}})

	got := AdminFromContext(ctx)
	if got == nil || got.Subject != "bob" {
		t.Fatalf("expected bob, got %+v", got)
	}
	if !got.InGroup("ops") || got.InGroup("admins") {
		t.Errorf("unexpected group membership: %v", got.Groups)
	}
}
