package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"blab/internal/domain"
	"blab/internal/repo"
)

// ForbiddenError indicates the acting member may not touch a private record.
type ForbiddenError struct {
	Entity string
	Name   string
	Actor  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s %q is private; %s is not among its responsible members", e.Entity, e.Name, e.Actor)
}

// UnknownActorError indicates the acting member reference names nobody.
type UnknownActorError struct {
	Ref string
}

func (e UnknownActorError) Error() string {
	return fmt.Sprintf("acting member %q not found", e.Ref)
}

// Service resolves acting members and checks record scope.
type Service struct {
	Repo repo.Repo
}

// Actor resolves ref as a member id or username. An empty ref yields nil:
// no acting member constraint.
func (s Service) Actor(ctx context.Context, ref string) (*domain.Member, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	m, err := s.Repo.MemberByUsername(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		m, err = s.Repo.GetMember(ctx, ref)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, UnknownActorError{Ref: ref}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CanMutateItem allows any change to public items. Private items may only be
// changed by one of their responsible members, unless no actor is set.
func CanMutateItem(it domain.Item, actor *domain.Member) error {
	if actor == nil || !it.IsPrivate() {
		return nil
	}
	for _, name := range it.ResponsibleMembers {
		if strings.EqualFold(name, actor.Name) || strings.EqualFold(name, actor.Username) {
			return nil
		}
	}
	return ForbiddenError{Entity: "item", Name: it.Name, Actor: actor.Name}
}
