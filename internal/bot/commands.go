package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EgorLis/presencebot/internal/guild"
	"github.com/EgorLis/presencebot/internal/reconcile"
)

var errNoCommunity = errors.New("command is only available inside a server")

// Invocation: кто и что написал.
type Invocation struct {
	CommunityID string
	ChannelID   string
	AuthorID    string
	Text        string
}

// Refresher делает внеочередной проход по сообществу. Реализует *reconcile.Service.
type Refresher interface {
	Refresh(ctx context.Context, communityID string) (reconcile.Report, error)
}

// Responder отвечает на $help, $checkme, $ping и, если включено,
// на $stats и $refresh. Состояния не хранит.
type Responder struct {
	prefix   string
	roleName string
	matcher  reconcile.Matcher
	client   guild.Client

	refresher Refresher // nil: $stats и $refresh выключены
}

func NewResponder(prefix, roleName string, matcher reconcile.Matcher, client guild.Client) *Responder {
	return &Responder{prefix: prefix, roleName: roleName, matcher: matcher, client: client}
}

// EnableExtras включает $stats и $refresh.
func (r *Responder) EnableExtras(ref Refresher) {
	r.refresher = ref
}

// HandleCommand возвращает ответ и handled=true, если команда известна.
// Неизвестные команды и текст без префикса молча игнорируются.
func (r *Responder) HandleCommand(ctx context.Context, inv Invocation) (string, bool, error) {
	text := strings.TrimSpace(inv.Text)
	if !strings.HasPrefix(text, r.prefix) {
		return "", false, nil
	}
	rest := strings.TrimPrefix(text, r.prefix)
	if rest == "" || strings.TrimLeft(rest, " \t") != rest {
		return "", false, nil
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false, nil
	}

	cmd := fields[0]
	if r.refresher != nil {
		switch cmd {
		case "stats":
			return answer(r.stats(ctx, inv))
		case "refresh":
			return answer(r.refresh(ctx, inv))
		}
	}

	switch cmd {
	case "help":
		return r.help(), true, nil

	case "checkme":
		return answer(r.checkMe(ctx, inv))

	case "ping":
		return formatLatency(r.client.Latency()), true, nil

	default:
		return "", false, nil
	}
}

func answer(text string, err error) (string, bool, error) {
	if err != nil {
		return "", true, err
	}
	return text, true, nil
}

func (r *Responder) help() string {
	lines := []string{
		"**⚡ Bot Commands:**",
		"• " + r.prefix + "help",
		"• " + r.prefix + "checkme",
		"• " + r.prefix + "ping",
	}
	if r.refresher != nil {
		lines = append(lines, "• "+r.prefix+"stats", "• "+r.prefix+"refresh")
	}
	return strings.Join(lines, "\n")
}

func (r *Responder) checkMe(ctx context.Context, inv Invocation) (string, error) {
	if inv.CommunityID == "" {
		return "", errNoCommunity
	}
	member, err := r.client.Member(ctx, inv.CommunityID, inv.AuthorID)
	if err != nil {
		return "", fmt.Errorf("checkme: member: %w", err)
	}
	roles, err := r.client.Roles(ctx, inv.CommunityID)
	if err != nil {
		return "", fmt.Errorf("checkme: roles: %w", err)
	}

	roleID := ""
	if role, ok := guild.FindRole(roles, r.roleName); ok {
		roleID = role.ID
	}
	v := reconcile.Evaluate(member, roleID, r.matcher)

	return fmt.Sprintf("✅ Status: %s\n✅ Role: %s", yesNo(v.HasStatus), yesNo(v.HasRole)), nil
}

// stats: сколько живых (не ботов) участников держат роль.
func (r *Responder) stats(ctx context.Context, inv Invocation) (string, error) {
	if inv.CommunityID == "" {
		return "", errNoCommunity
	}
	roles, err := r.client.Roles(ctx, inv.CommunityID)
	if err != nil {
		return "", fmt.Errorf("stats: roles: %w", err)
	}
	role, ok := guild.FindRole(roles, r.roleName)
	if !ok {
		return fmt.Sprintf("❌ `%s` role not found!", r.roleName), nil
	}
	members, err := r.client.Members(ctx, inv.CommunityID)
	if err != nil {
		return "", fmt.Errorf("stats: members: %w", err)
	}

	total, with := 0, 0
	for _, m := range members {
		if m.Bot {
			continue
		}
		total++
		if m.HasRole(role.ID) {
			with++
		}
	}
	pct := 0.0
	if total > 0 {
		pct = float64(with) / float64(total) * 100
	}
	return fmt.Sprintf("📊 `%s`: %d/%d members (%.1f%%)", r.roleName, with, total, pct), nil
}

// refresh: только для тех, у кого есть Manage Roles.
func (r *Responder) refresh(ctx context.Context, inv Invocation) (string, error) {
	if inv.CommunityID == "" {
		return "", errNoCommunity
	}
	ok, err := r.client.CanManageRoles(ctx, inv.CommunityID, inv.ChannelID, inv.AuthorID)
	if err != nil {
		return "", fmt.Errorf("refresh: permissions: %w", err)
	}
	if !ok {
		return "❌ You need Manage Roles permission to use this command!", nil
	}
	rep, err := r.refresher.Refresh(ctx, inv.CommunityID)
	if err != nil {
		return "", fmt.Errorf("refresh: %w", err)
	}
	return fmt.Sprintf("✅ Refresh complete: checked %d members, updated %d roles", rep.Members, rep.Added+rep.Removed), nil
}

func formatLatency(d time.Duration) string {
	return fmt.Sprintf("🏓 %dms", d.Round(time.Millisecond).Milliseconds())
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}
