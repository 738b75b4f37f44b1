package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"pilotgate/internal/app"
	"pilotgate/internal/domain"
	"pilotgate/internal/engine/policy"
	"pilotgate/internal/engine/sla"
	"pilotgate/internal/events"
	"pilotgate/internal/repo"
)

func registerTransitions(api huma.API, s app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "check-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transitions/check",
		Summary:     "Check whether the caller may move the project to a state",
		Description: "Denials are reported in the result, never as an error status.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      TransitionRequest `json:"body"`
	}) (*output[TransitionCheckResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := domain.State(strings.TrimSpace(input.Body.Target))
		res, err := s.CheckTransition(ctx, actor, input.ProjectID, target)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := TransitionCheckResponse{
			ProjectID:  input.ProjectID,
			To:         target,
			Allowed:    res.Allowed,
			Reason:     res.Reason,
			Transition: res.Transition,
		}
		// Another tenant's state stays hidden.
		if p, err := s.Repo.GetProject(ctx, input.ProjectID); err == nil && p.OrgID == actor.OrgID {
			resp.From = p.State
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Move the project to the next state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      TransitionRequest `json:"body"`
	}) (*output[domain.Project], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := s.ApplyTransition(ctx, actor, input.ProjectID, domain.State(strings.TrimSpace(input.Body.Target)))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-blockers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/blockers",
		Summary:     "Every reason the next transition is refused for the caller",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[BlockersResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		blockers, err := s.Blockers(ctx, actor, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		p, err := s.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(BlockersResponse{
			ProjectID: p.ID,
			State:     p.State,
			Progress:  s.Engine.Progress(p.State),
			Blockers:  nonNilSlice(blockers),
		}), nil
	})
}

func registerCompliance(api huma.API, s app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-compliance",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/compliance",
		Summary:     "Evaluate policy rules against the project snapshot",
		Description: "Only rules scoped to the current phase run unless all_phases is set.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		AllPhases bool   `query:"all_phases"`
	}) (*output[policy.Summary], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sum, err := s.EvaluateCompliance(ctx, actor, input.ProjectID, input.AllPhases)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		sum.Results = nonNilSlice(sum.Results)
		return respond(sum), nil
	})
}

func registerEscalations(api huma.API, s app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List SLA escalation records",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID       string `query:"project_id"`
		IncludeResolved bool   `query:"include_resolved"`
	}) (*output[[]sla.Record], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.ListEscalations(ctx, actor, input.ProjectID, input.IncludeResolved)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tick-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/tick",
		Summary:     "Re-evaluate open escalations of the caller's organization",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[TickResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		changes, err := s.TickEscalations(ctx, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(TickResponse{Changes: changeResponses(changes)}), nil
	})
}

func registerEvents(api huma.API, s app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Query the audit log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string   `query:"project_id"`
		Types     []string `query:"type"`
		Since     string   `query:"since" doc:"RFC 3339 timestamp"`
		Limit     int      `query:"limit" default:"50"`
		Cursor    string   `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		f := repo.EventFilter{ProjectID: input.ProjectID, Limit: limit + 1}
		for _, t := range input.Types {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, events.Type(t))
			}
		}
		if input.Since != "" {
			since, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since", map[string]any{"since": input.Since})
			}
			f.Since = since
		}
		if input.Cursor != "" {
			before, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || before <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.Before = before
		}
		items, err := s.QueryEvents(ctx, actor, f)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.Items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		return respond(resp), nil
	})
}

func registerRBAC(api huma.API, s app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/rbac/roles",
		Summary:     "Roles and their explicit permissions",
	}, func(ctx context.Context, _ *struct{}) (*output[[]RoleResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roles := s.Engine.Auth.Roles()
		out := make([]RoleResponse, 0, len(roles))
		for _, r := range roles {
			out = append(out, RoleResponse{ID: r, Permissions: nonNilSlice(s.Engine.Auth.Permissions(r))})
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.Actor.ID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return respond(WhoAmIResponse{
			ActorID:     p.Actor.ID,
			OrgID:       p.Actor.OrgID,
			Role:        p.Actor.Role,
			Source:      p.Source,
			Permissions: nonNilSlice(s.Engine.Auth.Permissions(p.Actor.Role)),
		}), nil
	})
}
