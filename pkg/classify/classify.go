// Package classify maps inbound HTTP requests to rate-limitable actions.
//
// Classification is a static, ordered pattern match over method and path.
// The first route whose method, path pattern and condition all match wins.
// Path patterns are slash separated; a segment written as {name} captures
// any non-empty segment into the match parameters.
//
//	c := classify.New()
//	m, ok := c.Classify(classify.Request{Method: "GET", Path: "/v1/images/42"})
//	// m.Action == classify.ActionDownload, m.Params["id"] == "42"
package classify

import (
	"fmt"
	"net/http"
	"strings"

	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
)

// Request is the part of an inbound request the classifier looks at.
type Request struct {
	Method      string
	Path        string
	HasBody     bool
	HasLocation bool
}

// FromHTTP extracts a classification request from r.
func FromHTTP(r *http.Request) Request {
	hasBody := r.ContentLength > 0 ||
		(r.ContentLength < 0 && r.Body != nil && r.Body != http.NoBody)
	return Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		HasBody:     hasBody,
		HasLocation: r.Header.Get("Location") != "",
	}
}

// Condition is an extra predicate a route may require.
type Condition func(Request) bool

// HasBodyOrLocation matches requests that carry a body or a Location header.
func HasBodyOrLocation(r Request) bool {
	return r.HasBody || r.HasLocation
}

// Not negates c.
func Not(c Condition) Condition {
	return func(r Request) bool { return !c(r) }
}

// Match is the result of a successful classification.
type Match struct {
	Action Action
	Params map[string]string
}

type route struct {
	method   string
	segments []string
	cond     Condition
	action   Action
}

// Classifier holds an ordered route table. It is safe for concurrent use
// once all routes are registered.
type Classifier struct {
	routes []route
}

// New returns a classifier with the image API routes registered.
func New() *Classifier {
	c := &Classifier{}
	c.mustRoute(http.MethodGet, "/{api_version}/images", ActionList, nil)
	c.mustRoute(http.MethodGet, "/{api_version}/images/detail", ActionList, nil)
	c.mustRoute(http.MethodHead, "/{api_version}/images/{id}", ActionList, nil)
	c.mustRoute(http.MethodGet, "/{api_version}/images/{id}", ActionDownload, nil)
	c.mustRoute(http.MethodPost, "/{api_version}/images", ActionRegister, Not(HasBodyOrLocation))
	c.mustRoute(http.MethodPost, "/{api_version}/images", ActionUpload, HasBodyOrLocation)
	c.mustRoute(http.MethodPut, "/{api_version}/images/{id}", ActionUpload, HasBodyOrLocation)
	c.mustRoute(http.MethodPut, "/{api_version}/images/{id}", ActionUpdate, nil)
	return c
}

// Empty returns a classifier with no routes.
func Empty() *Classifier {
	return &Classifier{}
}

// Route appends a route. cond may be nil.
func (c *Classifier) Route(method, pattern string, action Action, cond Condition) error {
	if method == "" {
		return admiterrors.NewValidationError("classify", "method", method, "cannot be empty")
	}
	if !strings.HasPrefix(pattern, "/") {
		return admiterrors.NewValidationError("classify", "pattern", pattern, "must start with /")
	}
	if !action.Valid() {
		return admiterrors.NewValidationError("classify", "action", action, "unknown action").
			WithHint(fmt.Sprintf("use one of %v", allActions))
	}

	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	for _, s := range segments {
		if s == "" {
			return admiterrors.NewValidationError("classify", "pattern", pattern, "empty path segment")
		}
	}

	c.routes = append(c.routes, route{
		method:   strings.ToUpper(method),
		segments: segments,
		cond:     cond,
		action:   action,
	})
	return nil
}

func (c *Classifier) mustRoute(method, pattern string, action Action, cond Condition) {
	if err := c.Route(method, pattern, action, cond); err != nil {
		panic(err)
	}
}

// Classify returns the action of the first matching route.
func (c *Classifier) Classify(req Request) (Match, bool) {
	if !strings.HasPrefix(req.Path, "/") {
		return Match{}, false
	}
	parts := strings.Split(strings.TrimPrefix(req.Path, "/"), "/")

	for _, rt := range c.routes {
		if rt.method != req.Method {
			continue
		}
		params, ok := matchSegments(rt.segments, parts)
		if !ok {
			continue
		}
		if rt.cond != nil && !rt.cond(req) {
			continue
		}
		return Match{Action: rt.action, Params: params}, true
	}
	return Match{}, false
}

// ClassifyHTTP classifies r.
func (c *Classifier) ClassifyHTTP(r *http.Request) (Match, bool) {
	return c.Classify(FromHTTP(r))
}

func matchSegments(pattern, parts []string) (map[string]string, bool) {
	if len(pattern) != len(parts) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range pattern {
		part := parts[i]
		if part == "" {
			return nil, false
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params[seg[1:len(seg)-1]] = part
			continue
		}
		if seg != part {
			return nil, false
		}
	}
	return params, true
}
