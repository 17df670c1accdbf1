package broker

import (
	"context"
	"fmt"
)

// StubPort is the placeholder for a venue whose adapter has not been
// implemented. It must refuse to connect rather than silently no-op any
// placement: a caller that ignores the connect error and somehow obtains a
// Session would otherwise trade against nothing.
type StubPort struct {
	VenueName string
}

func NewStub(name string) *StubPort { return &StubPort{VenueName: name} }

func (s *StubPort) Name() string { return s.VenueName }

func (s *StubPort) Connect(ctx context.Context, creds Credentials, env Environment) (Session, error) {
	return nil, fmt.Errorf("broker %q is not implemented: refusing to connect", s.VenueName)
}
