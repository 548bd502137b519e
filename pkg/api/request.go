package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"netauth/pkg/policy"
)

var validate = validator.New()

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func queryID(r *http.Request, key string) (uint, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return uint(id), nil
}

type credentials struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8"`
}

type createUserRequest struct {
	credentials
	Role string `json:"role" validate:"required,oneof=Administrator Operator Viewer Auditor"`
}

type createIdentityRequest struct {
	Name     string `json:"name" validate:"required,max=19"`
	FullName string `json:"fullName" validate:"max=128"`
	Email    string `json:"email" validate:"omitempty,email"`
	IP       string `json:"ipAddress" validate:"omitempty,ipv4"`
	Allocate bool   `json:"allocate"`
}

func (req createIdentityRequest) input() policy.IdentityInput {
	return policy.IdentityInput{Name: req.Name, FullName: req.FullName, Email: req.Email, IP: req.IP, Allocate: req.Allocate}
}

type identityRef struct {
	IdentityID uint `json:"identityId" validate:"required"`
}

type setActiveRequest struct {
	IdentityID uint  `json:"identityId" validate:"required"`
	Active     *bool `json:"active" validate:"required"`
}

type routeRequest struct {
	IdentityID  uint   `json:"identityId" validate:"required"`
	Route       string `json:"route" validate:"required"`
	Description string `json:"description" validate:"max=255"`
}

type removeRouteRequest struct {
	IdentityID uint `json:"identityId" validate:"required"`
	RouteID    uint `json:"routeId" validate:"required"`
}

type validateRouteRequest struct {
	Route string `json:"route" validate:"required"`
}

type ruleRequest struct {
	IdentityID  uint   `json:"identityId" validate:"required"`
	Target      string `json:"target" validate:"required"`
	Protocol    string `json:"protocol"`
	Port        string `json:"port"`
	Action      string `json:"action"`
	Description string `json:"description" validate:"max=255"`
}

func (req ruleRequest) input() policy.RuleInput {
	return policy.RuleInput{Target: req.Target, Protocol: req.Protocol, Port: req.Port, Action: req.Action, Description: req.Description}
}

type confirmRequest struct {
	RuleID       uint   `json:"ruleId" validate:"required"`
	Confirmation string `json:"confirmation" validate:"required"`
}

type validationResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type applyResponse struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message"`
	Result  *policy.Result `json:"result,omitempty"`
}
