package model

import (
	"context"
	"errors"
	"strings"
)

// RequestContext is the authenticated caller of one request. Handlers treat
// it as read-only; BindTo derives a copy rather than mutating it.
//
// Roles are the token roles. Policy decisions use business-application roles
// from the user directory instead.
type RequestContext struct {
	SubjectID     string
	Email         string
	BusinessApp   string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

var (
	errNoSubject      = errors.New("subject id is required")
	errBadBusinessApp = errors.New("business application must not contain " + KindSeparator)
)

// Validate reports a missing subject or a business application name that
// would break resource-kind construction.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if strings.Contains(rc.BusinessApp, KindSeparator) {
		errs = append(errs, errBadBusinessApp)
	}
	return errors.Join(errs...)
}

// BindTo returns a copy of rc scoped to businessApp.
func (rc *RequestContext) BindTo(businessApp string) (*RequestContext, error) {
	bound := *rc
	bound.BusinessApp = businessApp
	if err := bound.Validate(); err != nil {
		return nil, err
	}
	return &bound, nil
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
