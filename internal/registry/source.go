package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/CybercentreCanada/clue/internal/classification"
	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/selector"
)

// Source describes one backend plugin reachable over HTTP.
type Source struct {
	Name              string   `json:"name" mapstructure:"name"`
	URL               string   `json:"url" mapstructure:"url"`
	Classification    string   `json:"classification" mapstructure:"classification"`
	MaxClassification string   `json:"max_classification" mapstructure:"max_classification"`
	Maintainer        string   `json:"maintainer,omitempty" mapstructure:"maintainer"`
	DatahubLink       string   `json:"datahub_link,omitempty" mapstructure:"datahub_link"`
	DocumentationLink string   `json:"documentation_link,omitempty" mapstructure:"documentation_link"`
	SupportedTypes    []string `json:"supported_types,omitempty" mapstructure:"supported_types"`
	// MaxTimeout caps a single call in seconds. Zero defers to the request.
	MaxTimeout float64 `json:"max_timeout,omitempty" mapstructure:"max_timeout"`
	// Quota is the number of simultaneous calls one user may have in flight.
	Quota int64 `json:"quota,omitempty" mapstructure:"quota"`
	// OBOTarget names the downstream audience for token exchange. It is also
	// the quota destination when set.
	OBOTarget string `json:"obo_target,omitempty" mapstructure:"obo_target"`
	BuiltIn   bool   `json:"built_in" mapstructure:"-"`
}

// Timeout returns MaxTimeout as a duration.
func (s Source) Timeout() time.Duration {
	return time.Duration(s.MaxTimeout * float64(time.Second))
}

// Destination is the quota destination for the source.
func (s Source) Destination() string {
	if s.OBOTarget != "" {
		return s.OBOTarget
	}
	return s.Name
}

// Endpoint joins path onto the source base URL.
func (s Source) Endpoint(path string) string {
	return strings.TrimRight(s.URL, "/") + "/" + strings.TrimLeft(path, "/")
}

// TypeSet returns the declared supported types as a set.
func (s Source) TypeSet() map[string]struct{} {
	return selector.TypeSet(s.SupportedTypes)
}

// Source names are stricter than action and fetcher ids, which may use
// underscores.
var namePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

func validName(name string) bool {
	return namePattern.MatchString(name)
}

// normalize canonicalizes the descriptor so equal sources serialize equally.
func (s Source) normalize(engine classification.Engine, ceiling string) (Source, error) {
	is := &models.ValidationError{}
	fail := func(path, reason string) {
		is.Issues = append(is.Issues, models.FieldError{Path: path, Reason: reason})
	}

	s.Name = strings.ToLower(strings.TrimSpace(s.Name))
	if !validName(s.Name) {
		fail("name", "name must contain only lowercase letters, digits and hyphens")
	}

	if s.URL == "" {
		fail("url", "Field required")
	} else if u, err := models.NormalizeURL(s.URL); err != nil {
		fail("url", "Input should be a valid URL")
	} else {
		s.URL = u
	}

	for _, link := range []struct {
		path string
		val  *string
	}{{"datahub_link", &s.DatahubLink}, {"documentation_link", &s.DocumentationLink}} {
		if *link.val == "" {
			continue
		}
		if u, err := models.NormalizeURL(*link.val); err != nil {
			fail(link.path, "Input should be a valid URL")
		} else {
			*link.val = u
		}
	}

	if s.Classification == "" {
		fail("classification", "Field required")
	} else if c, err := engine.Normalize(s.Classification, true); err != nil {
		fail("classification", err.Error())
	} else if ok, _ := engine.IsAccessible(c, ceiling); !ok {
		fail("classification", fmt.Sprintf("%s exceeds the maximum classification of this deployment (%s)", c, ceiling))
	} else {
		s.Classification = c
	}

	if s.MaxClassification == "" {
		s.MaxClassification = ceiling
	} else if c, err := engine.Normalize(s.MaxClassification, true); err != nil {
		fail("max_classification", err.Error())
	} else if ok, _ := engine.IsAccessible(c, ceiling); !ok {
		fail("max_classification", fmt.Sprintf("%s exceeds the maximum classification of this deployment (%s)", c, ceiling))
	} else {
		s.MaxClassification = c
	}

	if len(s.SupportedTypes) > 0 {
		for _, t := range s.SupportedTypes {
			if len(selector.TypeSet([]string{t})) == 0 {
				fail("supported_types", "Unknown selector type "+t)
			}
		}
		set := selector.TypeSet(s.SupportedTypes)
		types := make([]string, 0, len(set))
		for t := range set {
			types = append(types, t)
		}
		sort.Strings(types)
		s.SupportedTypes = types
	}

	if s.MaxTimeout < 0 {
		fail("max_timeout", "Input should be greater than or equal to 0")
	}
	if s.Quota < 0 {
		fail("quota", "Input should be greater than or equal to 0")
	}

	if len(is.Issues) > 0 {
		return Source{}, fmt.Errorf("%w: %w", ErrInvalid, is)
	}
	return s, nil
}

// member is the normalized JSON form stored in the shared set.
func (s Source) member() (string, error) {
	s.BuiltIn = false
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// TokenExchanger trades the caller's token for one scoped to a downstream
// audience.
type TokenExchanger interface {
	Exchange(ctx context.Context, token, audience string) (string, error)
}

// Capabilities are optional behaviours attached to a source once, when it is
// loaded. Nil fields mean the capability is absent.
type Capabilities struct {
	TokenExchange TokenExchanger
}

// CapabilityResolver computes a source's capabilities.
type CapabilityResolver func(Source) Capabilities

// Entry is a routable source with its resolved capabilities.
type Entry struct {
	Source
	Caps Capabilities
}
