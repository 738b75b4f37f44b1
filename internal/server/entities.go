package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pilotgate/internal/app"
	"pilotgate/internal/domain"
)

var entityErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

// registerEntities exposes submission of the snapshot entities the engine
// reads: assets, gate reviews, risks, policies, control checks and members.
func registerEntities(api huma.API, s app.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-asset",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/assets",
		Summary:       "Register a data asset",
		DefaultStatus: http.StatusCreated,
		Errors:        entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      AssetRequest `json:"body"`
	}) (*output[domain.DataAsset], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.AddAsset(ctx, actor, input.ProjectID, app.AssetInput{
			Name:           input.Body.Name,
			Classification: input.Body.Classification,
			ContainsPII:    input.Body.ContainsPII,
			Approved:       input.Body.Approved,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-asset",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/assets/{asset_id}/approval",
		Summary:     "Set asset approval",
		Errors:      entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		AssetID   string               `path:"asset_id"`
		Body      AssetApprovalRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.ApproveAsset(ctx, actor, input.ProjectID, input.AssetID, input.Body.Approved); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-gate",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/gates",
		Summary:       "Submit a gate review decision",
		Description:   "An empty or pending decision opens a review obligation; any other decision resolves it.",
		DefaultStatus: http.StatusCreated,
		Errors:        entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      GateRequest `json:"body"`
	}) (*output[domain.GateReview], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := s.SubmitGate(ctx, actor, input.ProjectID, app.GateInput{
			GateType: input.Body.GateType,
			Decision: domain.Decision(input.Body.Decision),
			Notes:    input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-risk",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/risks",
		Summary:       "Record a risk",
		DefaultStatus: http.StatusCreated,
		Errors:        entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      RiskRequest `json:"body"`
	}) (*output[domain.Risk], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		k, err := s.AddRisk(ctx, actor, input.ProjectID, app.RiskInput{
			Title:      input.Body.Title,
			Tier:       input.Body.Tier,
			Mitigation: input.Body.Mitigation,
			Owner:      input.Body.Owner,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(k), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mitigate-risk",
		Method:      http.MethodPut,
		Path:        "/risks/{risk_id}/mitigation",
		Summary:     "Record a risk mitigation",
		Errors:      entityErrors,
	}, func(ctx context.Context, input *struct {
		RiskID string            `path:"risk_id"`
		Body   MitigationRequest `json:"body"`
	}) (*output[domain.Risk], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		k, err := s.UpdateRiskMitigation(ctx, actor, input.RiskID, input.Body.Mitigation, input.Body.Owner)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(k), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-policy",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/policies",
		Summary:       "Add a usage policy",
		DefaultStatus: http.StatusCreated,
		Errors:        entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      PolicyRequest `json:"body"`
	}) (*output[domain.Policy], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pol, err := s.AddPolicy(ctx, actor, input.ProjectID, input.Body.Name, input.Body.Status)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(pol), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-policy-status",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/policies/{policy_id}/status",
		Summary:     "Set policy status",
		Errors:      entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		PolicyID  string              `path:"policy_id"`
		Body      PolicyStatusRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.SetPolicyStatus(ctx, actor, input.ProjectID, input.PolicyID, input.Body.Status); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-control",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/controls",
		Summary:       "Record a security control check",
		DefaultStatus: http.StatusCreated,
		Errors:        entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      ControlRequest `json:"body"`
	}) (*output[domain.ControlCheck], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := s.RecordControl(ctx, actor, input.ProjectID, input.Body.ControlID, input.Body.Result)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-member",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/members",
		Summary:       "Assign a team member role",
		DefaultStatus: http.StatusCreated,
		Errors:        entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      MemberRequest `json:"body"`
	}) (*output[domain.TeamMember], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := s.AssignMember(ctx, actor, input.ProjectID, input.Body.UserID, input.Body.Role)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-member",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/members/{user_id}",
		Summary:       "Remove a team member role",
		DefaultStatus: http.StatusNoContent,
		Errors:        entityErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		UserID    string `path:"user_id"`
		Role      string `query:"role" required:"true"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.RemoveMember(ctx, actor, input.ProjectID, input.UserID, input.Role); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}
