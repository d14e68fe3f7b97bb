package api

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agentic-gateway/internal/agents"
	"github.com/hatemosphere/agentic-gateway/internal/auth"
)

func (s *Server) registerAdminAgents(api huma.API) {
	// --- List agents ---
	huma.Register(api, huma.Operation{
		OperationID: "listAgents",
		Method:      http.MethodGet,
		Path:        "/api/admin/agents",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *struct{}) (*ListAgentsOutput, error) {
		list, err := s.agents.List(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		out := &ListAgentsOutput{}
		out.Body.Agents = make([]AgentView, 0, len(list))
		for i := range list {
			out.Body.Agents = append(out.Body.Agents, agentView(&list[i]))
		}
		return out, nil
	})

	// --- Create agent ---
	huma.Register(api, huma.Operation{
		OperationID:   "createAgent",
		Method:        http.MethodPost,
		Path:          "/api/admin/agents",
		Tags:          []string{"Admin"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 409},
	}, func(ctx context.Context, input *CreateAgentInput) (*AgentSecretOutput, error) {
		active := input.Body.Active == nil || *input.Body.Active
		a, secret, err := s.agents.Create(ctx, agents.CreateInput{
			ID:        input.Body.ID,
			KeyType:   auth.KeyType(input.Body.KeyType),
			Secret:    input.Body.Secret,
			PublicKey: input.Body.PublicKey,
			Scopes:    input.Body.Scopes,
			CanRefund: input.Body.CanRefund,
			Active:    active,
		})
		if err != nil {
			return nil, agentAdminError(err)
		}
		out := &AgentSecretOutput{}
		out.Body.AgentView = agentView(a)
		out.Body.Secret = secret
		return out, nil
	})

	// --- Get agent ---
	huma.Register(api, huma.Operation{
		OperationID: "getAgent",
		Method:      http.MethodGet,
		Path:        "/api/admin/agents/{agentID}",
		Tags:        []string{"Admin"},
		Errors:      []int{404},
	}, func(ctx context.Context, input *AgentIDParam) (*AgentOutput, error) {
		a, err := s.agents.Get(ctx, input.AgentID)
		if err != nil {
			return nil, agentAdminError(err)
		}
		return &AgentOutput{Body: agentView(a)}, nil
	})

	// --- Update agent ---
	huma.Register(api, huma.Operation{
		OperationID: "updateAgent",
		Method:      http.MethodPatch,
		Path:        "/api/admin/agents/{agentID}",
		Tags:        []string{"Admin"},
		Errors:      []int{404},
	}, func(ctx context.Context, input *UpdateAgentInput) (*AgentOutput, error) {
		a, err := s.agents.Update(ctx, input.AgentID, agents.UpdateInput{
			Scopes:    input.Body.Scopes,
			CanRefund: input.Body.CanRefund,
			Active:    input.Body.Active,
		})
		if err != nil {
			return nil, agentAdminError(err)
		}
		return &AgentOutput{Body: agentView(a)}, nil
	})

	// --- Rotate credential ---
	huma.Register(api, huma.Operation{
		OperationID: "rotateAgentCredential",
		Method:      http.MethodPost,
		Path:        "/api/admin/agents/{agentID}/rotate",
		Tags:        []string{"Admin"},
		Errors:      []int{400, 404},
	}, func(ctx context.Context, input *RotateAgentInput) (*AgentSecretOutput, error) {
		a, secret, err := s.agents.Rotate(ctx, input.AgentID, input.Body.Secret, input.Body.PublicKey)
		if err != nil {
			return nil, agentAdminError(err)
		}
		out := &AgentSecretOutput{}
		out.Body.AgentView = agentView(a)
		out.Body.Secret = secret
		return out, nil
	})

	// --- Delete agent ---
	huma.Register(api, huma.Operation{
		OperationID:   "deleteAgent",
		Method:        http.MethodDelete,
		Path:          "/api/admin/agents/{agentID}",
		Tags:          []string{"Admin"},
		DefaultStatus: 204,
		Errors:        []int{404},
	}, func(ctx context.Context, input *AgentIDParam) (*struct{}, error) {
		if err := s.agents.Delete(ctx, input.AgentID); err != nil {
			return nil, agentAdminError(err)
		}
		return nil, nil
	})
}

func (s *Server) registerAdminEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listEvents",
		Method:      http.MethodGet,
		Path:        "/api/admin/events",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *ListEventsInput) (*ListEventsOutput, error) {
		events, err := s.store.ListEvents(ctx, input.Limit)
		if err != nil {
			return nil, internalError(err)
		}
		out := &ListEventsOutput{}
		out.Body.Events = make([]EventView, 0, len(events))
		for _, e := range events {
			v := EventView{
				ID:        e.ID,
				Event:     e.Event,
				AgentID:   e.AgentID,
				OrderID:   e.OrderID,
				IP:        e.IP,
				UserAgent: e.UserAgent,
				CreatedAt: e.CreatedAt,
			}
			_ = stdjson.Unmarshal(e.Data, &v.Data)
			out.Body.Events = append(out.Body.Events, v)
		}
		return out, nil
	})
}

func (s *Server) registerAdminBackup(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "createBackup",
		Method:      http.MethodPost,
		Path:        "/api/admin/backup",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *struct{}) (*BackupOutput, error) {
		key, err := s.backups.RunOnce(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		out := &BackupOutput{}
		out.Body.Key = key
		return out, nil
	})
}

// agentAdminError maps agents service errors to responses.
func agentAdminError(err error) error {
	switch {
	case errors.Is(err, agents.ErrNotFound):
		return newAgentError(http.StatusNotFound, "agent_not_found", "Agent not found", nil)
	case errors.Is(err, agents.ErrExists):
		return newAgentError(http.StatusConflict, "agent_exists", "Agent already exists", nil)
	case errors.Is(err, agents.ErrInvalidAgent):
		return newAgentError(http.StatusBadRequest, "invalid_agent", err.Error(), nil)
	default:
		return internalError(err)
	}
}

func agentView(a *agents.Agent) AgentView {
	scopes := a.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return AgentView{
		ID:               a.ID,
		KeyType:          string(a.KeyType),
		CredentialPrefix: a.CredentialPrefix,
		Scopes:           scopes,
		CanRefund:        a.CanRefund,
		Active:           a.Active,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}
