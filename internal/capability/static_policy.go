package capability

import (
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/hrflow/model"
)

// capabilityPattern accepts "resource:action[:scope]" with an optional
// trailing ":*", or a bare "*".
var capabilityPattern = regexp.MustCompile(`^(\*|[a-z_]+(:[a-z_]+)*(:\*)?)$`)

// StaticPolicyEvaluator maps roles to capabilities from a YAML file:
//
//	roles:
//	  hr_admin: ["ledger:*", "requests:*"]
//	  hr_viewer: ["ledger:view:any", "requests:view:any"]
//
// A reload that fails leaves the previous policy in force.
type StaticPolicyEvaluator struct {
	path   string
	policy atomic.Pointer[map[string]model.CapabilitySet]
}

// NewStaticPolicyEvaluator loads the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := NewEmptyPolicyEvaluator()
	e.path = path
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEmptyPolicyEvaluator returns an evaluator that grants nothing. Callers
// can still act on their own requests and assigned steps.
func NewEmptyPolicyEvaluator() *StaticPolicyEvaluator {
	e := &StaticPolicyEvaluator{}
	empty := map[string]model.CapabilitySet{}
	e.policy.Store(&empty)
	return e
}

// ResolveCapabilities unions the capabilities of every role the caller holds.
// Unknown roles contribute nothing.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	byRole := *e.policy.Load()
	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for c := range byRole[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Evaluate reports whether the caller holds capability.
func (e *StaticPolicyEvaluator) Evaluate(rctx *model.RequestContext, capability string) (bool, error) {
	caps, err := e.ResolveCapabilities(rctx)
	if err != nil {
		return false, err
	}
	return caps.Has(capability), nil
}

// Roles returns the number of roles in the loaded policy.
func (e *StaticPolicyEvaluator) Roles() int {
	return len(*e.policy.Load())
}

// Sync reloads the policy file. An evaluator without a path keeps its empty
// policy.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	byRole, err := loadPolicy(e.path)
	if err != nil {
		return err
	}
	e.policy.Store(&byRole)
	return nil
}

func loadPolicy(path string) (map[string]model.CapabilitySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capability: reading policy file %s: %w", path, err)
	}

	var doc struct {
		Roles map[string][]string `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("capability: parsing policy file %s: %w", path, err)
	}

	byRole := make(map[string]model.CapabilitySet, len(doc.Roles))
	for role, list := range doc.Roles {
		set := make(model.CapabilitySet, len(list))
		for _, c := range list {
			if !capabilityPattern.MatchString(c) {
				return nil, fmt.Errorf("capability: policy file %s: role %q: malformed capability %q", path, role, c)
			}
			set[c] = true
		}
		byRole[role] = set
	}
	return byRole, nil
}
