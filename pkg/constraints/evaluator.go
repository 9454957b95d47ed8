package constraints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noumena/policyplane/pkg/observability"
	"github.com/noumena/policyplane/pkg/policy"
)

// ForwardingAuthority is the subset of the authority client the evaluator
// needs to forward approval-workflow requests.
type ForwardingAuthority interface {
	Evaluate(ctx context.Context, instanceID string, req policy.EvaluationRequest) (*policy.Decision, error)
}

// Evaluator implements POST /evaluate and GET /health for the constraint
// evaluator service: the synchronous decision endpoint in the
// request-authorization path.
type Evaluator struct {
	cache     *Cache
	authority ForwardingAuthority
	schema    *jsonschema.Schema
	obs       *observability.Provider
}

// NewEvaluator constructs an Evaluator. Panics only on a malformed embedded
// schema, which would be a programming error, not a runtime condition.
func NewEvaluator(cache *Cache, authority ForwardingAuthority) *Evaluator {
	schema := compileRequestSchema()
	return &Evaluator{cache: cache, authority: authority, schema: schema}
}

// WithObservability attaches a tracing/metrics provider; each decision is
// then traced as a span carrying service/tool/decision attributes.
func (e *Evaluator) WithObservability(obs *observability.Provider) *Evaluator {
	e.obs = obs
	return e
}

func (e *Evaluator) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/evaluate", e.handleEvaluate)
	mux.HandleFunc("/health", e.handleHealth)
}

func (e *Evaluator) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := e.schema.Validate(generic); err != nil {
		http.Error(w, fmt.Sprintf("request does not match schema: %v", err), http.StatusBadRequest)
		return
	}

	var req policy.EvaluationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	decision := e.evaluate(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

// evaluate implements the fail-closed decision algorithm: absent service
// denies, absent tool config forwards to the authority's approval
// workflow, constraints evaluate sequentially with first-violation
// short-circuit, and allow requires both all constraints passing and
// requiresApproval == false.
func (e *Evaluator) evaluate(ctx context.Context, req policy.EvaluationRequest) policy.Decision {
	if e.obs == nil {
		return e.evaluateInner(ctx, req)
	}
	ctx, span := e.obs.StartSpan(ctx, "evaluate")
	defer span.End()
	decision := e.evaluateInner(ctx, req)
	observability.AddSpanEvent(ctx, "evaluate.decision",
		observability.EvaluateOperation(req.ServiceName, req.ToolName, decision.Decision)...)
	e.obs.RecordRequest(ctx, observability.EvaluateOperation(req.ServiceName, req.ToolName, decision.Decision)...)
	return decision
}

func (e *Evaluator) evaluateInner(ctx context.Context, req policy.EvaluationRequest) policy.Decision {
	snapshot, ok := e.cache.Lookup(req.ServiceName)
	if !ok {
		return policy.Decision{
			Decision: policy.DecisionDeny,
			Message:  fmt.Sprintf("No governance instance for service '%s'", req.ServiceName),
		}
	}

	toolConfig, ok := snapshot.ToolConfigs[req.ToolName]
	if !ok {
		return e.forward(ctx, snapshot.InstanceID, req)
	}

	args := policy.ParseArguments(req.Arguments)
	if ok, msg := policy.EvaluateConstraints(toolConfig.Constraints, args); !ok {
		return policy.Decision{Decision: policy.DecisionDeny, Message: msg}
	}

	if !toolConfig.RequiresApproval {
		return policy.Decision{Decision: policy.DecisionAllow, Message: "Constraints satisfied"}
	}

	return e.forward(ctx, snapshot.InstanceID, req)
}

func (e *Evaluator) forward(ctx context.Context, instanceID string, req policy.EvaluationRequest) policy.Decision {
	dec, err := e.authority.Evaluate(ctx, instanceID, req)
	if err != nil {
		return policy.Decision{
			Decision: policy.DecisionDeny,
			Message:  fmt.Sprintf("Governance evaluation failed: %v", err),
		}
	}
	return *dec
}

type healthResponse struct {
	Status         string `json:"status"`
	CachedServices int    `json:"cached_services"`
}

func (e *Evaluator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "healthy", CachedServices: e.cache.CachedServices()})
}
