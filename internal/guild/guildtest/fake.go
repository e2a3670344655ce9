// Package guildtest: in-memory реализация guild.Client для тестов.
package guildtest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/EgorLis/presencebot/internal/guild"
)

type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpCreate Op = "create"
)

// Call: одна мутация, которую бот отправил на платформу.
type Call struct {
	Op          Op
	CommunityID string
	MemberID    string
	RoleID      string
}

type community struct {
	info    guild.Community
	roles   []guild.Role
	members []guild.Member
}

type Fake struct {
	mu          sync.Mutex
	communities []*community
	calls       []Call
	nextRole    int

	LatencyValue time.Duration

	// ошибки по community ID
	CreateRoleErr  map[string]error
	MembersErr     map[string]error
	AddRoleErr     map[string]error
	CommunitiesErr error

	// у кого есть Manage Roles, по member ID
	RoleManagers map[string]bool
}

func New() *Fake {
	return &Fake{
		CreateRoleErr: map[string]error{},
		MembersErr:    map[string]error{},
		AddRoleErr:    map[string]error{},
		RoleManagers:  map[string]bool{},
	}
}

func (f *Fake) AddCommunity(id, name string, roles ...guild.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.communities = append(f.communities, &community{
		info:  guild.Community{ID: id, Name: name},
		roles: slices.Clone(roles),
	})
}

func (f *Fake) AddMember(communityID string, m guild.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(communityID)
	if c == nil {
		panic("guildtest: unknown community " + communityID)
	}
	c.members = append(c.members, m)
}

// SetActivities меняет presence участника, как будто он сменил статус.
func (f *Fake) SetActivities(communityID, memberID string, acts ...guild.Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(communityID)
	if c == nil {
		return
	}
	for i := range c.members {
		if c.members[i].ID == memberID {
			c.members[i].Activities = acts
		}
	}
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *Fake) ResetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// CallsFor: мутации по конкретному участнику.
func (f *Fake) CallsFor(memberID string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.MemberID == memberID {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) find(id string) *community {
	for _, c := range f.communities {
		if c.info.ID == id {
			return c
		}
	}
	return nil
}

func (f *Fake) Communities(ctx context.Context) ([]guild.Community, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommunitiesErr != nil {
		return nil, f.CommunitiesErr
	}
	out := make([]guild.Community, 0, len(f.communities))
	for _, c := range f.communities {
		out = append(out, c.info)
	}
	return out, nil
}

func (f *Fake) Members(ctx context.Context, communityID string) ([]guild.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MembersErr[communityID]; err != nil {
		return nil, err
	}
	c := f.find(communityID)
	if c == nil {
		return nil, guild.ErrNotFound
	}
	out := make([]guild.Member, len(c.members))
	for i, m := range c.members {
		m.RoleIDs = slices.Clone(m.RoleIDs)
		out[i] = m
	}
	return out, nil
}

func (f *Fake) Member(ctx context.Context, communityID, memberID string) (guild.Member, error) {
	members, err := f.Members(ctx, communityID)
	if err != nil {
		return guild.Member{}, err
	}
	for _, m := range members {
		if m.ID == memberID {
			return m, nil
		}
	}
	return guild.Member{}, guild.ErrNotFound
}

func (f *Fake) Roles(ctx context.Context, communityID string) ([]guild.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(communityID)
	if c == nil {
		return nil, guild.ErrNotFound
	}
	return slices.Clone(c.roles), nil
}

func (f *Fake) CreateRole(ctx context.Context, communityID, name string, color int) (guild.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.CreateRoleErr[communityID]; err != nil {
		return guild.Role{}, err
	}
	c := f.find(communityID)
	if c == nil {
		return guild.Role{}, guild.ErrNotFound
	}
	f.nextRole++
	r := guild.Role{ID: fmt.Sprintf("role-%d", f.nextRole), Name: name, Color: color}
	c.roles = append(c.roles, r)
	f.calls = append(f.calls, Call{Op: OpCreate, CommunityID: communityID, RoleID: r.ID})
	return r, nil
}

func (f *Fake) AddRole(ctx context.Context, communityID, memberID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.AddRoleErr[communityID]; err != nil {
		return err
	}
	m := f.member(communityID, memberID)
	if m == nil {
		return guild.ErrNotFound
	}
	if !slices.Contains(m.RoleIDs, roleID) {
		m.RoleIDs = append(m.RoleIDs, roleID)
	}
	f.calls = append(f.calls, Call{Op: OpAdd, CommunityID: communityID, MemberID: memberID, RoleID: roleID})
	return nil
}

func (f *Fake) RemoveRole(ctx context.Context, communityID, memberID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.member(communityID, memberID)
	if m == nil {
		return guild.ErrNotFound
	}
	m.RoleIDs = slices.DeleteFunc(m.RoleIDs, func(id string) bool { return id == roleID })
	f.calls = append(f.calls, Call{Op: OpRemove, CommunityID: communityID, MemberID: memberID, RoleID: roleID})
	return nil
}

func (f *Fake) CanManageRoles(ctx context.Context, communityID, channelID, memberID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.member(communityID, memberID) == nil {
		return false, guild.ErrNotFound
	}
	return f.RoleManagers[memberID], nil
}

func (f *Fake) Latency() time.Duration {
	return f.LatencyValue
}

func (f *Fake) member(communityID, memberID string) *guild.Member {
	c := f.find(communityID)
	if c == nil {
		return nil
	}
	for i := range c.members {
		if c.members[i].ID == memberID {
			return &c.members[i]
		}
	}
	return nil
}
