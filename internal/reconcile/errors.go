package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/EgorLis/presencebot/internal/guild"
)

// Kind: на каком шаге цикла случилась ошибка.
type Kind int

const (
	KindListCommunities Kind = iota + 1
	KindEnsureRole
	KindListMembers
	KindSyncMember
)

func (k Kind) String() string {
	switch k {
	case KindListCommunities:
		return "list_communities"
	case KindEnsureRole:
		return "ensure_role"
	case KindListMembers:
		return "list_members"
	case KindSyncMember:
		return "sync_member"
	default:
		return "unknown"
	}
}

type StepError struct {
	Kind        Kind
	CommunityID string
	MemberID    string
	Err         error
}

func (e *StepError) Error() string {
	switch {
	case e.MemberID != "":
		return fmt.Sprintf("%s (community %s, member %s): %v", e.Kind, e.CommunityID, e.MemberID, e.Err)
	case e.CommunityID != "":
		return fmt.Sprintf("%s (community %s): %v", e.Kind, e.CommunityID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *StepError) Unwrap() error { return e.Err }

// Action: что делать циклу с ошибкой.
type Action int

const (
	ActionAbandonCycle Action = iota
	ActionSkipCommunity
	ActionAbortProcess
)

func (a Action) String() string {
	switch a {
	case ActionSkipCommunity:
		return "skip_community"
	case ActionAbortProcess:
		return "abort_process"
	default:
		return "abandon_cycle"
	}
}

type Policy interface {
	Decide(err error) Action
}

type PolicyFunc func(err error) Action

func (f PolicyFunc) Decide(err error) Action { return f(err) }

// DefaultPolicy: если не смогли создать роль, пропускаем сообщество. Отменён контекст
// или токен не принят: выходим. Остальное: бросаем цикл и пробуем позже.
var DefaultPolicy Policy = PolicyFunc(defaultDecide)

func defaultDecide(err error) Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, guild.ErrUnauthorized) {
		return ActionAbortProcess
	}
	var se *StepError
	if errors.As(err, &se) && se.Kind == KindEnsureRole {
		return ActionSkipCommunity
	}
	return ActionAbandonCycle
}
