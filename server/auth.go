package server

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned by an Authorizer that denies a join.
var ErrUnauthorized = errors.New("participant not authorized")

// Authorizer decides whether a participant may join a document.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, docID, participantID string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, docID, participantID string) error

func (f AuthorizerFunc) AuthorizeJoin(ctx context.Context, docID, participantID string) error {
	return f(ctx, docID, participantID)
}

// AllowAll admits every participant.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, string, string) error { return nil })

// AllowList admits only the listed participants. An empty list admits nobody.
type AllowList map[string]struct{}

func NewAllowList(participants ...string) AllowList {
	l := make(AllowList, len(participants))
	for _, p := range participants {
		l[p] = struct{}{}
	}
	return l
}

func (l AllowList) AuthorizeJoin(_ context.Context, docID, participantID string) error {
	if _, ok := l[participantID]; !ok {
		return fmt.Errorf("%w: %q on %q", ErrUnauthorized, participantID, docID)
	}
	return nil
}
