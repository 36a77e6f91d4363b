// Package origin decides whether a cross-origin request may be admitted and
// computes the Access-Control-Allow-Origin value that goes with the answer.
//
// A Policy is built once at startup and never mutated afterwards, so a single
// value can be shared by every request goroutine without locking.
package origin

import "strings"

// Wildcard is the header value that allows any origin.
const Wildcard = "*"

// Decision is the outcome of checking one request's origin.
type Decision struct {
	// Admitted is true when the request may proceed.
	Admitted bool

	// Origin is the origin the request carried ("" when absent).
	Origin string

	// AllowOrigin is the exact value for the Access-Control-Allow-Origin
	// header. Empty means the header must not be sent.
	AllowOrigin string
}

// Option tweaks a Policy at construction time.
type Option func(*Policy)

// Reflect makes a permit-all policy echo the caller's origin instead of "*".
// Requests without an origin still get "*".
func Reflect() Option {
	return func(p *Policy) { p.reflect = true }
}

// RejectWildcard sends "*" on rejected requests instead of omitting the header.
func RejectWildcard() Option {
	return func(p *Policy) { p.rejectWildcard = true }
}

// ServeRejected lets rejected upgrade requests through anyway. The decision
// is still reported so callers can log and count it.
func ServeRejected() Option {
	return func(p *Policy) { p.serveRejected = true }
}

// Policy is either permit-all or a fixed allow-list of origins.
type Policy struct {
	permitAll      bool
	reflect        bool
	rejectWildcard bool
	serveRejected  bool
	allowed        map[string]struct{}
}

// PermitAll returns a policy that admits every request, including ones with
// no Origin header.
func PermitAll(opts ...Option) *Policy {
	p := &Policy{permitAll: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AllowList returns a policy that admits a request only when its origin is one
// of origins. Comparison is exact after trimming surrounding whitespace.
func AllowList(origins []string, opts ...Option) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admit checks origin and returns the decision. It has no side effects.
func (p *Policy) Admit(origin string) Decision {
	d := Decision{Origin: origin}
	if p.permitAll {
		d.Admitted = true
		d.AllowOrigin = Wildcard
		if p.reflect && origin != "" {
			d.AllowOrigin = origin
		}
		return d
	}

	if origin != "" {
		if _, ok := p.allowed[origin]; ok {
			d.Admitted = true
			d.AllowOrigin = origin
			return d
		}
	}
	if p.rejectWildcard {
		d.AllowOrigin = Wildcard
	}
	return d
}

// PermitsAll reports whether this is a permit-all policy.
func (p *Policy) PermitsAll() bool { return p.permitAll }

// RefuseRejected reports whether a rejected upgrade must be refused outright
// rather than served with the rejection only logged.
func (p *Policy) RefuseRejected() bool { return !p.serveRejected }

// Origins returns the configured allow-list in no particular order.
func (p *Policy) Origins() []string {
	out := make([]string, 0, len(p.allowed))
	for o := range p.allowed {
		out = append(out, o)
	}
	return out
}

// Vary reports whether responses depend on the request origin and therefore
// need a "Vary: Origin" header for caches.
func (p *Policy) Vary() bool {
	return !p.permitAll || p.reflect
}
