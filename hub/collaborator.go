package hub

import (
	"context"
	"fmt"
	"net/http"

	gohttp "github.com/panyam/collabws/http"
)

// Collaborator takes ownership of a connection's message stream for document
// synchronization. Attach is called once per connection after it has been
// registered; it typically installs a message handler and a close observer
// on conn and returns. A returned error (or a panic) makes the hub notify the
// peer and close the connection with an internal-error code.
type Collaborator interface {
	Attach(ctx context.Context, conn *gohttp.Handle, req *http.Request) error
}

// CollaboratorFunc adapts a plain function to Collaborator.
type CollaboratorFunc func(ctx context.Context, conn *gohttp.Handle, req *http.Request) error

// Attach calls f.
func (f CollaboratorFunc) Attach(ctx context.Context, conn *gohttp.Handle, req *http.Request) error {
	return f(ctx, conn, req)
}

// attachIsolated runs the collaborator and converts a panic into an error so
// a misbehaving collaborator cannot take down the accept goroutine.
func attachIsolated(ctx context.Context, c Collaborator, conn *gohttp.Handle, req *http.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collaborator panic: %v", r)
		}
	}()
	return c.Attach(ctx, conn, req)
}
