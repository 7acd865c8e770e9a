// Package servicegraph describes the services a deployment brings up and the
// dependency order between them.
package servicegraph

import (
	"fmt"
	"sort"
	"strings"
)

// Role classifies a service for phase bookkeeping. Zero or one service may
// hold each of the application and proxy roles; everything else is a
// dependency started before the application.
type Role string

const (
	RoleDatastore   Role = "datastore"
	RoleCache       Role = "cache"
	RoleApplication Role = "application"
	RoleProxy       Role = "proxy"
)

// ProbeSpec describes a service's readiness probe.
type ProbeSpec struct {
	Type   string `yaml:"type"` // http, tcp, sql or cmd
	Target string `yaml:"target"`
	Args   []string `yaml:"args,omitempty"`
}

// ActionSpec is a start or stop action, executed as a command.
type ActionSpec struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// ServiceSpec declares one service. Critical services abort the run when
// their health gate times out; non-critical ones only degrade the outcome.
type ServiceSpec struct {
	Name      string     `yaml:"name"`
	Role      Role       `yaml:"role,omitempty"`
	DependsOn []string   `yaml:"depends_on,omitempty"`
	Probe     ProbeSpec  `yaml:"probe"`
	Start     ActionSpec `yaml:"start"`
	Stop      ActionSpec `yaml:"stop"`
	Critical  *bool      `yaml:"critical,omitempty"`
}

// IsCritical defaults to true when the spec does not say otherwise.
func (s ServiceSpec) IsCritical() bool {
	return s.Critical == nil || *s.Critical
}

// CyclicDependencyError reports that no valid startup order exists.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("service dependencies contain a cycle: %s", strings.Join(e.Members, ", "))
}

// Graph is an immutable, validated service dependency graph.
type Graph struct {
	specs  []ServiceSpec
	byName map[string]int
	order  []string // topological, declaration-order tiebreak
}

// New validates the specs and computes a deterministic topological order.
// Ties are broken by declaration order.
func New(specs []ServiceSpec) (*Graph, error) {
	byName := make(map[string]int, len(specs))
	roleHolder := map[Role]string{}
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("service at index %d has no name", i)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", s.Name)
		}
		byName[s.Name] = i

		if s.Role == RoleApplication || s.Role == RoleProxy {
			if prev, taken := roleHolder[s.Role]; taken {
				return nil, fmt.Errorf("role %q held by both %q and %q, at most one service may hold it", s.Role, prev, s.Name)
			}
			roleHolder[s.Role] = s.Name
		}
	}

	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", s.Name, dep)
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	// Kahn's algorithm; the ready list is kept in declaration order so the
	// resulting plan is stable across runs.
	var ready []string
	for _, s := range specs {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	order := make([]string, 0, len(specs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.SliceStable(ready, func(i, j int) bool {
			return byName[ready[i]] < byName[ready[j]]
		})
	}

	if len(order) != len(specs) {
		var members []string
		for _, s := range specs {
			if indegree[s.Name] > 0 {
				members = append(members, s.Name)
			}
		}
		return nil, &CyclicDependencyError{Members: members}
	}

	return &Graph{specs: specs, byName: byName, order: order}, nil
}

// Plan returns the services in startup order. The slice is a copy; the plan
// is immutable once computed.
func (g *Graph) Plan() []ServiceSpec {
	plan := make([]ServiceSpec, len(g.order))
	for i, name := range g.order {
		plan[i] = g.specs[g.byName[name]]
	}
	return plan
}

// Service looks a spec up by name.
func (g *Graph) Service(name string) (ServiceSpec, bool) {
	i, ok := g.byName[name]
	if !ok {
		return ServiceSpec{}, false
	}
	return g.specs[i], true
}

// NextReady returns the first service, in plan order, that has not started
// and whose dependencies have all completed. It returns false when nothing
// is ready, either because everything started or because the caller must
// wait for in-flight services to complete.
func (g *Graph) NextReady(completed, started map[string]bool) (ServiceSpec, bool) {
	for _, name := range g.order {
		if started[name] || completed[name] {
			continue
		}
		blocked := false
		for _, dep := range g.specs[g.byName[name]].DependsOn {
			if !completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			return g.specs[g.byName[name]], true
		}
	}
	return ServiceSpec{}, false
}

// ByRole returns the first service declared with the given role.
func (g *Graph) ByRole(role Role) (ServiceSpec, bool) {
	for _, s := range g.specs {
		if s.Role == role {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

// Len returns the number of services in the graph.
func (g *Graph) Len() int { return len(g.specs) }
