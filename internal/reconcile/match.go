package reconcile

import (
	"strings"

	"github.com/EgorLis/presencebot/internal/guild"
)

// Matcher решает, есть ли триггер в presence участника.
// Сравнение: точная подстрока с учётом регистра.
type Matcher struct {
	Trigger string
	// MatchState: дополнительно смотреть State/Details (текст кастомного статуса).
	MatchState bool
}

func (m Matcher) Matches(acts []guild.Activity) bool {
	if m.Trigger == "" {
		return false
	}
	for _, a := range acts {
		if strings.Contains(a.Name, m.Trigger) {
			return true
		}
		if m.MatchState && (strings.Contains(a.State, m.Trigger) || strings.Contains(a.Details, m.Trigger)) {
			return true
		}
	}
	return false
}

// Verdict: два булева, из которых выводится действие над ролью.
type Verdict struct {
	HasStatus bool
	HasRole   bool
}

type Change int

const (
	ChangeNone Change = iota
	ChangeAdd
	ChangeRemove
)

func (c Change) String() string {
	switch c {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	default:
		return "none"
	}
}

// Evaluate считает вердикт для участника. roleID == "" значит, что роли
// в сообществе нет, и HasRole всегда false.
func Evaluate(m guild.Member, roleID string, matcher Matcher) Verdict {
	return Verdict{
		HasStatus: matcher.Matches(m.Activities),
		HasRole:   m.HasRole(roleID),
	}
}

func (v Verdict) Change() Change {
	switch {
	case v.HasStatus && !v.HasRole:
		return ChangeAdd
	case !v.HasStatus && v.HasRole:
		return ChangeRemove
	default:
		return ChangeNone
	}
}
