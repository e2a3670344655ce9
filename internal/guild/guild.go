// Package guild описывает то, что бот видит на платформе: сообщества (гильдии),
// их участников, присутствие (presence) и роли. Все объекты принадлежат платформе,
// бот их только читает и отправляет запросы add/remove role.
//
// Client: узкий интерфейс возможностей клиента платформы. Реальная реализация
// живёт в internal/discordclient, фейк для тестов: в internal/guild/guildtest.
package guild

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// ParseStatus приводит статус платформы к нашему enum. invisible для остальных
// участников выглядит как offline, неизвестное значение: тоже offline.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusOnline, StatusIdle, StatusDND:
		return Status(s)
	default:
		return StatusOffline
	}
}

type Community struct {
	ID   string
	Name string
}

type Role struct {
	ID    string
	Name  string
	Color int
}

type Activity struct {
	Name    string
	State   string
	Details string
}

type Member struct {
	ID         string
	Name       string
	Bot        bool
	Status     Status
	Activities []Activity
	RoleIDs    []string
}

func (m Member) HasRole(roleID string) bool {
	if roleID == "" {
		return false
	}
	return slices.Contains(m.RoleIDs, roleID)
}

// Client: то, что нужно боту от платформы.
type Client interface {
	Communities(ctx context.Context) ([]Community, error)
	Members(ctx context.Context, communityID string) ([]Member, error)
	Member(ctx context.Context, communityID, memberID string) (Member, error)
	Roles(ctx context.Context, communityID string) ([]Role, error)
	CreateRole(ctx context.Context, communityID, name string, color int) (Role, error)
	AddRole(ctx context.Context, communityID, memberID, roleID string) error
	RemoveRole(ctx context.Context, communityID, memberID, roleID string) error

	// CanManageRoles: право Manage Roles у участника в канале.
	CanManageRoles(ctx context.Context, communityID, channelID, memberID string) (bool, error)

	// Latency: последний замер heartbeat до гейтвея.
	Latency() time.Duration
}

// FindRole ищет роль по точному имени.
func FindRole(roles []Role, name string) (Role, bool) {
	for _, r := range roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}
