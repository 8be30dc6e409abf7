package backend

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
)

//go:embed permits.json
var defaultConfiguration string

// DefaultConfiguration returns the built-in permission table of the bookstore
func DefaultConfiguration() string {
	return defaultConfiguration
}

// Configuration holds the permission table of the bookstore: for each resource the list of
// permits. A resource is a path of singular names like "account/cart"; a permit selector
// must name one of its components.
type Configuration struct {
	Resources []resourceConfiguration `json:"resources"`
}

// resourceConfiguration describes the permits of a resource
type resourceConfiguration struct {
	Resource    string          `json:"resource"`
	Permits     []access.Permit `json:"permits"`
	Description string          `json:"description"`
}

// the resources every configuration must describe
var requiredResources = []string{
	"book", "book/review", "account/review", "account", "account/roles", "account/cart",
	"account/order", "order", "settings", "statistics", "version",
}

// parseConfiguration parses and checks a permission table
func parseConfiguration(data string) (map[string][]access.Permit, error) {
	var config Configuration
	if err := json.Unmarshal([]byte(data), &config); err != nil {
		return nil, fmt.Errorf("parse error in backend configuration: %w", err)
	}
	permits := map[string][]access.Permit{}
	for _, rc := range config.Resources {
		if _, ok := permits[rc.Resource]; ok {
			return nil, fmt.Errorf("resource %s configured twice", rc.Resource)
		}
		resources := strings.Split(rc.Resource, "/")
		for _, p := range rc.Permits {
			for _, s := range p.Selectors {
				if !contains(resources, s) {
					return nil, fmt.Errorf("resource %s: selector %s is not part of the resource", rc.Resource, s)
				}
			}
		}
		if rc.Permits == nil {
			rc.Permits = []access.Permit{}
		}
		permits[rc.Resource] = rc.Permits
	}
	for _, resource := range requiredResources {
		if _, ok := permits[resource]; !ok {
			return nil, fmt.Errorf("resource %s is not configured", resource)
		}
	}
	return permits, nil
}

// isAuthorized checks the request's authorization against the permits of resource. params holds the
// identifiers the selectors are matched against, e.g. "account_id".
func (b *Backend) isAuthorized(auth *access.Authorization, resource string, operation core.Operation, params map[string]string) bool {
	return auth.IsAuthorized(strings.Split(resource, "/"), operation, params, b.permits[resource])
}
