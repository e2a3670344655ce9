package discordclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/EgorLis/presencebot/internal/guild"
)

const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildPresences |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

type Config struct {
	Token string
	// StatusText: что показывать в "Играет в ..." после подключения.
	StatusText string
}

// Message: входящее сообщение из канала сообщества.
type Message struct {
	ID          string
	ChannelID   string
	CommunityID string
	AuthorID    string
	AuthorName  string
	AuthorBot   bool
	Content     string
}

// Client: обёртка над discordgo.Session, реализует guild.Client.
type Client struct {
	session    *discordgo.Session
	log        *zap.Logger
	statusText string

	ready     chan struct{}
	readyOnce sync.Once
	// тег бота из последнего READY; State.User читать без локов нельзя
	tag atomic.Pointer[string]

	// "События" (аналог EventEmitter)
	OnReady        func()
	OnMessage      func(Message)
	OnDisconnected func()
}

var _ guild.Client = (*Client)(nil)

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("discordclient: empty token")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discordclient: new session: %w", err)
	}
	s.Identify.Intents = Intents
	return newWithSession(s, cfg.StatusText, log), nil
}

func newWithSession(s *discordgo.Session, statusText string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		session:    s,
		log:        log.Named("discord"),
		statusText: statusText,
		ready:      make(chan struct{}),
	}
	s.AddHandler(c.onReady)
	s.AddHandler(c.onGuildCreate)
	s.AddHandler(c.onMessageCreate)
	s.AddHandler(c.onDisconnect)
	return c
}

// Open подключается к гейтвею. Готовность: через Ready().
func (c *Client) Open() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discordclient: open: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.session.Close()
}

// Ready закрывается после первого READY от гейтвея.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// UserTag: имя бота; до подключения пустая строка.
func (c *Client) UserTag() string {
	if p := c.tag.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Client) Send(ctx context.Context, channelID, text string) error {
	_, err := c.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return mapErr(err)
}

// CanManageRoles: есть ли у участника Manage Roles (или Administrator) в канале.
func (c *Client) CanManageRoles(ctx context.Context, communityID, channelID, memberID string) (bool, error) {
	perms, err := c.session.State.UserChannelPermissions(memberID, channelID)
	if err != nil {
		return false, mapErr(err)
	}
	return perms&(discordgo.PermissionManageRoles|discordgo.PermissionAdministrator) != 0, nil
}

func (c *Client) Latency() time.Duration {
	return c.session.HeartbeatLatency()
}

func (c *Client) Communities(ctx context.Context) ([]guild.Community, error) {
	st := c.session.State
	st.RLock()
	defer st.RUnlock()

	out := make([]guild.Community, 0, len(st.Guilds))
	for _, g := range st.Guilds {
		if g.Unavailable {
			continue
		}
		out = append(out, guild.Community{ID: g.ID, Name: g.Name})
	}
	return out, nil
}

func (c *Client) Members(ctx context.Context, communityID string) ([]guild.Member, error) {
	st := c.session.State
	g, err := st.Guild(communityID)
	if err != nil {
		return nil, mapErr(err)
	}

	st.RLock()
	defer st.RUnlock()

	presences := make(map[string]*discordgo.Presence, len(g.Presences))
	for _, p := range g.Presences {
		if p != nil && p.User != nil {
			presences[p.User.ID] = p
		}
	}
	out := make([]guild.Member, 0, len(g.Members))
	for _, m := range g.Members {
		if m == nil || m.User == nil {
			continue
		}
		out = append(out, toMember(m, presences[m.User.ID]))
	}
	return out, nil
}

// Member берёт участника из кэша, при промахе: через REST (тогда без presence).
func (c *Client) Member(ctx context.Context, communityID, memberID string) (guild.Member, error) {
	st := c.session.State
	m, err := st.Member(communityID, memberID)
	if err != nil {
		m, err = c.session.GuildMember(communityID, memberID, discordgo.WithContext(ctx))
		if err != nil {
			return guild.Member{}, mapErr(err)
		}
	}
	p, _ := st.Presence(communityID, memberID)

	st.RLock()
	defer st.RUnlock()
	return toMember(m, p), nil
}

// Roles читаются из кэша состояния: гейтвей сам присылает GUILD_ROLE_* события.
func (c *Client) Roles(ctx context.Context, communityID string) ([]guild.Role, error) {
	st := c.session.State
	g, err := st.Guild(communityID)
	if err != nil {
		return nil, mapErr(err)
	}

	st.RLock()
	defer st.RUnlock()
	out := make([]guild.Role, 0, len(g.Roles))
	for _, r := range g.Roles {
		out = append(out, toRole(r))
	}
	return out, nil
}

func (c *Client) CreateRole(ctx context.Context, communityID, name string, color int) (guild.Role, error) {
	r, err := c.session.GuildRoleCreate(communityID, &discordgo.RoleParams{
		Name:  name,
		Color: &color,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return guild.Role{}, mapErr(err)
	}
	// не ждём GUILD_ROLE_CREATE, чтобы следующий цикл не создал дубль
	_ = c.session.State.RoleAdd(communityID, r)
	return toRole(r), nil
}

func (c *Client) AddRole(ctx context.Context, communityID, memberID, roleID string) error {
	return mapErr(c.session.GuildMemberRoleAdd(communityID, memberID, roleID, discordgo.WithContext(ctx)))
}

func (c *Client) RemoveRole(ctx context.Context, communityID, memberID, roleID string) error {
	return mapErr(c.session.GuildMemberRoleRemove(communityID, memberID, roleID, discordgo.WithContext(ctx)))
}

// ========================= события =========================

func (c *Client) onReady(s *discordgo.Session, r *discordgo.Ready) {
	tag := ""
	if r.User != nil {
		tag = r.User.String()
		c.tag.Store(&tag)
	}
	c.log.Info("gateway ready", zap.String("user", tag), zap.Int("guilds", len(r.Guilds)))

	if c.statusText != "" {
		if err := s.UpdateGameStatus(0, c.statusText); err != nil {
			c.log.Warn("update status", zap.Error(err))
		}
	}

	c.readyOnce.Do(func() { close(c.ready) })
	if c.OnReady != nil {
		c.OnReady()
	}
}

// onGuildCreate догружает участников с presence: для больших гильдий
// гейтвей присылает только часть списка.
func (c *Client) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	if g.MemberCount > 0 && len(g.Members) >= g.MemberCount {
		return
	}
	if err := s.RequestGuildMembers(g.ID, "", 0, "", true); err != nil {
		c.log.Warn("request guild members", zap.String("guild", g.ID), zap.Error(err))
	}
}

func (c *Client) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if c.OnMessage == nil || m.Message == nil || m.Author == nil {
		return
	}
	c.OnMessage(Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		CommunityID: m.GuildID,
		AuthorID:    m.Author.ID,
		AuthorName:  m.Author.Username,
		AuthorBot:   m.Author.Bot,
		Content:     m.Content,
	})
}

func (c *Client) onDisconnect(s *discordgo.Session, _ *discordgo.Disconnect) {
	c.log.Warn("gateway disconnected")
	if c.OnDisconnected != nil {
		c.OnDisconnected()
	}
}

// ========================= преобразования =========================

func toMember(m *discordgo.Member, p *discordgo.Presence) guild.Member {
	out := guild.Member{
		ID:      m.User.ID,
		Name:    m.User.Username,
		Bot:     m.User.Bot,
		Status:  guild.StatusOffline,
		RoleIDs: append([]string(nil), m.Roles...),
	}
	if p == nil {
		return out
	}
	out.Status = guild.ParseStatus(string(p.Status))
	for _, a := range p.Activities {
		if a == nil {
			continue
		}
		out.Activities = append(out.Activities, guild.Activity{Name: a.Name, State: a.State, Details: a.Details})
	}
	return out
}

func toRole(r *discordgo.Role) guild.Role {
	return guild.Role{ID: r.ID, Name: r.Name, Color: r.Color}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return fmt.Errorf("%w: %v", guild.ErrNotFound, err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", guild.ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", guild.ErrNotFound, err)
		}
	}
	return err
}
