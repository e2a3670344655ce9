package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/EgorLis/presencebot/internal/guild"
)

type Options struct {
	RoleName   string
	RoleColor  int
	Trigger    string
	MatchState bool

	Interval     time.Duration // пауза между циклами
	MemberDelay  time.Duration // пауза между участниками
	ErrorBackoff time.Duration // пауза после брошенного цикла
}

func DefaultOptions() Options {
	return Options{
		RoleName:     "Pic Perms",
		RoleColor:    0x3498db,
		Trigger:      "/Asclade",
		Interval:     30 * time.Second,
		MemberDelay:  50 * time.Millisecond,
		ErrorBackoff: 5 * time.Second,
	}
}

func (o Options) Matcher() Matcher {
	return Matcher{Trigger: o.Trigger, MatchState: o.MatchState}
}

// Report: итог одного цикла.
type Report struct {
	ID                 string    `json:"id"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Community          string    `json:"community,omitempty"` // только у Refresh
	Communities        int       `json:"communities"`
	Members            int       `json:"members"`
	Added              int       `json:"added"`
	Removed            int       `json:"removed"`
	RolesCreated       int       `json:"roles_created"`
	SkippedCommunities []string  `json:"skipped_communities,omitempty"`
	Err                string    `json:"error,omitempty"`
}

type Service struct {
	client  guild.Client
	opts    Options
	policy  Policy
	log     *zap.Logger
	limiter *rate.Limiter

	// вызывается после каждого цикла (в том числе брошенного)
	OnReport func(Report)
	// вызывается, если политика решила остановить процесс
	OnFatal func(error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(client guild.Client, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.MemberDelay > 0 {
		lim = rate.NewLimiter(rate.Every(opts.MemberDelay), 1)
	}
	return &Service{
		client:  client,
		opts:    opts,
		policy:  DefaultPolicy,
		log:     log.Named("reconcile"),
		limiter: lim,
	}
}

func (s *Service) SetPolicy(p Policy) {
	if p == nil {
		p = DefaultPolicy
	}
	s.policy = p
}

// RunCycle: один проход по всем сообществам. Ошибка возвращается только если
// политика решила бросить цикл целиком (или остановить процесс).
func (s *Service) RunCycle(ctx context.Context) (Report, error) {
	rep := Report{ID: uuid.NewString(), StartedAt: time.Now()}
	log := s.log.With(zap.String("cycle", rep.ID))

	communities, err := s.client.Communities(ctx)
	if err != nil {
		return s.finish(rep, &StepError{Kind: KindListCommunities, Err: err})
	}

	for _, c := range communities {
		err := s.reconcileCommunity(ctx, c, &rep, log)
		if err == nil {
			rep.Communities++
			continue
		}
		if s.policy.Decide(err) != ActionSkipCommunity {
			return s.finish(rep, err)
		}
		communitiesSkipped.Inc()
		rep.SkippedCommunities = append(rep.SkippedCommunities, c.ID)
		log.Warn("community skipped", zap.String("community", c.Name), zap.Error(err))
	}

	return s.finish(rep, nil)
}

// Refresh: внеочередной проход по одному сообществу, в обход расписания.
// Паузу между участниками делит с основным циклом.
func (s *Service) Refresh(ctx context.Context, communityID string) (Report, error) {
	rep := Report{ID: uuid.NewString(), StartedAt: time.Now(), Community: communityID}
	log := s.log.With(zap.String("cycle", rep.ID), zap.String("refresh", communityID))

	communities, err := s.client.Communities(ctx)
	if err != nil {
		return s.finish(rep, &StepError{Kind: KindListCommunities, Err: err})
	}
	i := slices.IndexFunc(communities, func(c guild.Community) bool { return c.ID == communityID })
	if i < 0 {
		return s.finish(rep, &StepError{Kind: KindListCommunities, CommunityID: communityID, Err: guild.ErrNotFound})
	}

	if err := s.reconcileCommunity(ctx, communities[i], &rep, log); err != nil {
		return s.finish(rep, err)
	}
	rep.Communities = 1
	log.Info("refresh finished", zap.Int("members", rep.Members), zap.Int("added", rep.Added), zap.Int("removed", rep.Removed))
	return s.finish(rep, nil)
}

func (s *Service) reconcileCommunity(ctx context.Context, c guild.Community, rep *Report, log *zap.Logger) error {
	role, err := s.ensureRole(ctx, c, rep, log)
	if err != nil {
		return &StepError{Kind: KindEnsureRole, CommunityID: c.ID, Err: err}
	}

	members, err := s.client.Members(ctx, c.ID)
	if err != nil {
		return &StepError{Kind: KindListMembers, CommunityID: c.ID, Err: err}
	}

	matcher := s.opts.Matcher()
	for _, m := range members {
		if m.Bot || m.Status == guild.StatusOffline {
			continue
		}
		rep.Members++

		if err := s.syncMember(ctx, c, role, m, matcher, rep, log); err != nil {
			return &StepError{Kind: KindSyncMember, CommunityID: c.ID, MemberID: m.ID, Err: err}
		}

		// сглаживаем поток запросов к API
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	return nil
}

func (s *Service) ensureRole(ctx context.Context, c guild.Community, rep *Report, log *zap.Logger) (guild.Role, error) {
	roles, err := s.client.Roles(ctx, c.ID)
	if err != nil {
		return guild.Role{}, err
	}
	if r, ok := guild.FindRole(roles, s.opts.RoleName); ok {
		return r, nil
	}

	r, err := s.client.CreateRole(ctx, c.ID, s.opts.RoleName, s.opts.RoleColor)
	if err != nil {
		return guild.Role{}, err
	}
	rolesCreated.Inc()
	rep.RolesCreated++
	log.Info("role created", zap.String("community", c.Name), zap.String("role", r.Name), zap.String("role_id", r.ID))
	return r, nil
}

func (s *Service) syncMember(ctx context.Context, c guild.Community, role guild.Role, m guild.Member, matcher Matcher, rep *Report, log *zap.Logger) error {
	change := Evaluate(m, role.ID, matcher).Change()
	switch change {
	case ChangeAdd:
		if err := s.client.AddRole(ctx, c.ID, m.ID, role.ID); err != nil {
			return err
		}
		rep.Added++
	case ChangeRemove:
		if err := s.client.RemoveRole(ctx, c.ID, m.ID, role.ID); err != nil {
			return err
		}
		rep.Removed++
	default:
		return nil
	}
	roleMutations.WithLabelValues(change.String()).Inc()
	log.Debug("role updated",
		zap.String("community", c.Name),
		zap.String("member", m.Name),
		zap.String("member_id", m.ID),
		zap.Stringer("change", change))
	return nil
}

func (s *Service) finish(rep Report, err error) (Report, error) {
	rep.FinishedAt = time.Now()
	cycleDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	if rep.Community == "" {
		membersChecked.Set(float64(rep.Members))
	}

	result := "ok"
	if err != nil {
		rep.Err = err.Error()
		result = "abandoned"
		if s.policy.Decide(err) == ActionAbortProcess {
			result = "aborted"
		}
	}
	cyclesTotal.WithLabelValues(result).Inc()

	if s.OnReport != nil {
		s.OnReport(rep)
	}
	return rep, err
}

// Run крутит циклы, пока не отменят ctx. ready: сигнал готовности клиента
// платформы (nil: уже готов). Возвращает ошибку только если политика решила
// остановить процесс.
func (s *Service) Run(ctx context.Context, ready <-chan struct{}) error {
	if ready != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-ready:
		}
	}

	for {
		rep, err := s.RunCycle(ctx)
		wait := s.opts.Interval

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.policy.Decide(err) == ActionAbortProcess {
				s.log.Error("reconcile aborted", zap.String("cycle", rep.ID), zap.Error(err))
				return err
			}
			s.log.Warn("cycle abandoned", zap.String("cycle", rep.ID), zap.Error(err), zap.Duration("retry_in", s.opts.ErrorBackoff))
			wait = s.opts.ErrorBackoff
		} else {
			s.log.Info("cycle finished",
				zap.String("cycle", rep.ID),
				zap.Int("communities", rep.Communities),
				zap.Int("members", rep.Members),
				zap.Int("added", rep.Added),
				zap.Int("removed", rep.Removed),
				zap.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)))
		}

		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// Start запускает Run в фоне. Повторный Start без Stop: ошибка.
func (s *Service) Start(ctx context.Context, ready <-chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("reconcile: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.Run(ctx, ready)

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		if err != nil && s.OnFatal != nil {
			s.OnFatal(err)
		}
	}()
	return nil
}

// Stop отменяет цикл и ждёт выхода горутины. Повторный Stop ничего не делает.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
