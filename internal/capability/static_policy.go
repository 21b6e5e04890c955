package capability

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/approvals/model"
)

// capabilityPrefix is the namespace every granted capability must live in.
const capabilityPrefix = "approvals:"

// policyFile maps role names to capability strings. Subjects lists
// capabilities granted to individual subject ids regardless of role.
type policyFile struct {
	Roles    map[string][]string `yaml:"roles"`
	Subjects map[string][]string `yaml:"subjects"`
}

type compiledPolicy struct {
	roles    map[string]model.CapabilitySet
	subjects map[string]model.CapabilitySet
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file. The
// file is compiled once per Sync and swapped in atomically.
type StaticPolicyEvaluator struct {
	path   string
	policy atomic.Pointer[compiledPolicy]
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context plus any granted to the subject directly.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	p := e.policy.Load()
	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for c := range p.roles[role] {
			caps[c] = true
		}
	}
	for c := range p.subjects[rctx.SubjectID] {
		caps[c] = true
	}
	return caps, nil
}

// Sync reloads the policy file from disk. A file that fails to parse or
// grants a capability outside the approvals namespace leaves the previous
// policy in place.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var raw policyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	roles, err := compileGrants("role", raw.Roles)
	if err != nil {
		return fmt.Errorf("capability: policy file %s: %w", e.path, err)
	}
	subjects, err := compileGrants("subject", raw.Subjects)
	if err != nil {
		return fmt.Errorf("capability: policy file %s: %w", e.path, err)
	}

	e.policy.Store(&compiledPolicy{roles: roles, subjects: subjects})
	return nil
}

func compileGrants(kind string, grants map[string][]string) (map[string]model.CapabilitySet, error) {
	names := make([]string, 0, len(grants))
	for name := range grants {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]model.CapabilitySet, len(grants))
	for _, name := range names {
		set := make(model.CapabilitySet, len(grants[name]))
		for _, c := range grants[name] {
			if !strings.HasPrefix(c, capabilityPrefix) {
				return nil, fmt.Errorf("%s %q grants %q outside the %s namespace", kind, name, c, strings.TrimSuffix(capabilityPrefix, ":"))
			}
			set[c] = true
		}
		out[name] = set
	}
	return out, nil
}
