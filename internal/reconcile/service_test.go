package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EgorLis/presencebot/internal/guild"
	"github.com/EgorLis/presencebot/internal/guild/guildtest"
	"github.com/EgorLis/presencebot/internal/reconcile"
)

const (
	roleID  = "r-pic"
	trigger = "/Asclade"
)

func testOptions() reconcile.Options {
	opts := reconcile.DefaultOptions()
	opts.MemberDelay = 0
	opts.Interval = 10 * time.Millisecond
	opts.ErrorBackoff = 10 * time.Millisecond
	return opts
}

func newFake() *guildtest.Fake {
	f := guildtest.New()
	f.AddCommunity("g1", "Main", guild.Role{ID: roleID, Name: "Pic Perms"})
	return f
}

func online(id string, acts []guild.Activity, roles ...string) guild.Member {
	return guild.Member{ID: id, Name: id, Status: guild.StatusOnline, Activities: acts, RoleIDs: roles}
}

func TestCycleAddsRoleOnTrigger(t *testing.T) {
	f := newFake()
	f.AddMember("g1", online("u1", []guild.Activity{{Name: trigger}}))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	calls := f.CallsFor("u1")
	require.Len(t, calls, 1)
	assert.Equal(t, guildtest.OpAdd, calls[0].Op)
	assert.Equal(t, roleID, calls[0].RoleID)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 0, rep.Removed)
}

func TestCycleRemovesRoleWithoutTrigger(t *testing.T) {
	f := newFake()
	f.AddMember("g1", online("u1", []guild.Activity{{Name: "Minecraft"}}, roleID))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	calls := f.CallsFor("u1")
	require.Len(t, calls, 1)
	assert.Equal(t, guildtest.OpRemove, calls[0].Op)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 0, rep.Added)
}

func TestCycleIsIdempotent(t *testing.T) {
	f := newFake()
	f.AddMember("g1", online("u1", []guild.Activity{{Name: "Playing /AscladeXYZ"}}))
	f.AddMember("g1", online("u2", nil, roleID))
	f.AddMember("g1", online("u3", []guild.Activity{{Name: trigger}}, roleID))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.Calls(), 2)

	f.ResetCalls()
	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.Calls())
	assert.Equal(t, 0, rep.Added+rep.Removed)
}

func TestCycleSkipsBotsAndOffline(t *testing.T) {
	f := newFake()
	acts := []guild.Activity{{Name: trigger}}

	bot := online("bot", acts)
	bot.Bot = true
	off := online("off", acts)
	off.Status = guild.StatusOffline
	offWithRole := online("off2", nil, roleID)
	offWithRole.Status = guild.StatusOffline

	f.AddMember("g1", bot)
	f.AddMember("g1", off)
	f.AddMember("g1", offWithRole)

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.Calls())
	assert.Equal(t, 0, rep.Members)
}

func TestCycleIdleAndDNDAreProcessed(t *testing.T) {
	f := newFake()
	idle := online("idle", []guild.Activity{{Name: trigger}})
	idle.Status = guild.StatusIdle
	dnd := online("dnd", []guild.Activity{{Name: trigger}})
	dnd.Status = guild.StatusDND
	f.AddMember("g1", idle)
	f.AddMember("g1", dnd)

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Added)
}

func TestCycleCaseSensitive(t *testing.T) {
	f := newFake()
	f.AddMember("g1", online("u1", []guild.Activity{{Name: "asclade"}}))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.Calls())
}

func TestCycleCreatesMissingRole(t *testing.T) {
	f := guildtest.New()
	f.AddCommunity("g1", "Main", guild.Role{ID: "other", Name: "Mods"})
	f.AddMember("g1", online("u1", []guild.Activity{{Name: trigger}}))

	opts := testOptions()
	svc := reconcile.New(f, opts, zap.NewNop())
	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, guildtest.OpCreate, calls[0].Op)
	assert.Equal(t, guildtest.OpAdd, calls[1].Op)
	assert.Equal(t, calls[0].RoleID, calls[1].RoleID)
	assert.Equal(t, 1, rep.RolesCreated)

	roles, err := f.Roles(context.Background(), "g1")
	require.NoError(t, err)
	r, ok := guild.FindRole(roles, opts.RoleName)
	require.True(t, ok)
	assert.Equal(t, 0x3498db, r.Color)

	// второй цикл роль уже не создаёт
	f.ResetCalls()
	_, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.Calls())
}

func TestCycleRoleCreateFailureSkipsOnlyThatCommunity(t *testing.T) {
	f := guildtest.New()
	f.AddCommunity("a", "A")
	f.AddCommunity("b", "B", guild.Role{ID: roleID, Name: "Pic Perms"})
	f.CreateRoleErr["a"] = errors.New("missing permissions")
	f.AddMember("a", online("ua", []guild.Activity{{Name: trigger}}))
	f.AddMember("b", online("ub", []guild.Activity{{Name: trigger}}))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.CallsFor("ua"))
	require.Len(t, f.CallsFor("ub"), 1)
	assert.Equal(t, guildtest.OpAdd, f.CallsFor("ub")[0].Op)
	assert.Equal(t, []string{"a"}, rep.SkippedCommunities)
	assert.Equal(t, 1, rep.Communities)
}

func TestCycleMemberErrorAbandonsCycle(t *testing.T) {
	f := guildtest.New()
	f.AddCommunity("a", "A", guild.Role{ID: roleID, Name: "Pic Perms"})
	f.AddCommunity("b", "B", guild.Role{ID: roleID, Name: "Pic Perms"})
	f.AddRoleErr["a"] = errors.New("503")
	f.AddMember("a", online("ua", []guild.Activity{{Name: trigger}}))
	f.AddMember("b", online("ub", []guild.Activity{{Name: trigger}}))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	rep, err := svc.RunCycle(context.Background())
	require.Error(t, err)

	var se *reconcile.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, reconcile.KindSyncMember, se.Kind)
	assert.Equal(t, "ua", se.MemberID)
	assert.Empty(t, f.CallsFor("ub"))
	assert.NotEmpty(t, rep.Err)
}

func TestCustomPolicy(t *testing.T) {
	f := guildtest.New()
	f.AddCommunity("a", "A", guild.Role{ID: roleID, Name: "Pic Perms"})
	f.AddCommunity("b", "B", guild.Role{ID: roleID, Name: "Pic Perms"})
	f.MembersErr["a"] = errors.New("timeout")
	f.AddMember("b", online("ub", []guild.Activity{{Name: trigger}}))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	svc.SetPolicy(reconcile.PolicyFunc(func(error) reconcile.Action { return reconcile.ActionSkipCommunity }))

	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rep.SkippedCommunities)
	assert.Len(t, f.CallsFor("ub"), 1)
}

func TestRunRetriesAfterAbandonedCycle(t *testing.T) {
	f := newFake()
	f.CommunitiesErr = errors.New("gateway hiccup")
	f.AddMember("g1", online("u1", []guild.Activity{{Name: trigger}}))

	var mu sync.Mutex
	var reports []reconcile.Report
	svc := reconcile.New(f, testOptions(), zap.NewNop())
	svc.OnReport = func(r reconcile.Report) {
		mu.Lock()
		reports = append(reports, r)
		n := len(reports)
		mu.Unlock()
		if n == 1 {
			f.CommunitiesErr = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx, nil))

	require.Eventually(t, func() bool { return len(f.CallsFor("u1")) == 1 }, 2*time.Second, 5*time.Millisecond)
	svc.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(reports), 2)
	assert.NotEmpty(t, reports[0].Err)
	assert.Empty(t, reports[1].Err)
}

func TestRunWaitsForReady(t *testing.T) {
	f := newFake()
	f.AddMember("g1", online("u1", []guild.Activity{{Name: trigger}}))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	ready := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx, ready))
	require.Error(t, svc.Start(ctx, ready))

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.Calls())

	close(ready)
	require.Eventually(t, func() bool { return len(f.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop()
}

func TestRunAbortsOnUnauthorized(t *testing.T) {
	f := newFake()
	f.CommunitiesErr = guild.ErrUnauthorized

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	fatal := make(chan error, 1)
	svc.OnFatal = func(err error) { fatal <- err }

	require.NoError(t, svc.Start(context.Background(), nil))

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, guild.ErrUnauthorized)
	case <-time.After(2 * time.Second):
		t.Fatal("expected fatal error")
	}
	svc.Stop()
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFake()
	opts := testOptions()
	opts.Interval = time.Hour

	svc := reconcile.New(f, opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, nil) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCyclePausesBetweenMembers(t *testing.T) {
	f := newFake()
	const n = 4
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		f.AddMember("g1", online(id, []guild.Activity{{Name: trigger}}))
	}

	opts := testOptions()
	opts.MemberDelay = 20 * time.Millisecond
	svc := reconcile.New(f, opts, zap.NewNop())

	start := time.Now()
	rep, err := svc.RunCycle(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, n, rep.Added)
	assert.GreaterOrEqual(t, elapsed, (n-1)*opts.MemberDelay)
}

func TestCyclePauseStopsOnCancel(t *testing.T) {
	f := newFake()
	f.AddMember("g1", online("u1", []guild.Activity{{Name: trigger}}))
	f.AddMember("g1", online("u2", []guild.Activity{{Name: trigger}}))

	opts := testOptions()
	opts.MemberDelay = time.Hour
	svc := reconcile.New(f, opts, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := svc.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	// второй участник обработан до паузы, дальше цикл не пошёл
	assert.Len(t, f.Calls(), 2)
}

func TestPresenceChangeBetweenCycles(t *testing.T) {
	f := newFake()
	f.AddMember("g1", online("u1", []guild.Activity{{Name: "Minecraft"}}))

	svc := reconcile.New(f, testOptions(), zap.NewNop())
	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.Calls())

	f.SetActivities("g1", "u1", guild.Activity{Name: "Custom Status"}, guild.Activity{Name: "Playing " + trigger})
	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)

	f.SetActivities("g1", "u1")
	rep, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Removed)

	calls := f.CallsFor("u1")
	require.Len(t, calls, 2)
	assert.Equal(t, guildtest.OpAdd, calls[0].Op)
	assert.Equal(t, guildtest.OpRemove, calls[1].Op)
}

func TestRefreshTouchesOnlyOneCommunity(t *testing.T) {
	f := guildtest.New()
	f.AddCommunity("a", "A", guild.Role{ID: roleID, Name: "Pic Perms"})
	f.AddCommunity("b", "B", guild.Role{ID: roleID, Name: "Pic Perms"})
	f.AddMember("a", online("ua", []guild.Activity{{Name: trigger}}))
	f.AddMember("b", online("ub", []guild.Activity{{Name: trigger}}))

	var got []reconcile.Report
	svc := reconcile.New(f, testOptions(), zap.NewNop())
	svc.OnReport = func(r reconcile.Report) { got = append(got, r) }

	rep, err := svc.Refresh(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", rep.Community)
	assert.Equal(t, 1, rep.Communities)
	assert.Equal(t, 1, rep.Members)
	assert.Equal(t, 1, rep.Added)
	assert.Len(t, f.CallsFor("ua"), 1)
	assert.Empty(t, f.CallsFor("ub"))
	require.Len(t, got, 1)
	assert.Equal(t, rep.ID, got[0].ID)

	_, err = svc.Refresh(context.Background(), "nope")
	assert.ErrorIs(t, err, guild.ErrNotFound)
}
