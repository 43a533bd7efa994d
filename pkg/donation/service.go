package donation

import (
	"context"
	"sort"

	"github.com/GwanWingYan/microdonate/pkg/infra"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// statusFanOut bounds the goroutines ListProjects keeps waiting on the
// submission slot.
const statusFanOut = 8

// Invoker submits one contract call. *infra.Pipeline implements it.
type Invoker interface {
	Invoke(ctx context.Context, fn infra.Function, params ...infra.Param) (*infra.SubmissionResult, error)
}

// Project is the derived view of one crowdfunding project.
type Project struct {
	Name          string `json:"name"`
	CurrentAmount int64  `json:"current_amount"`
	Goal          int64  `json:"goal"`
}

// Service is the boundary used by the UI. It allows one submission in
// flight at a time, since every call consumes a sequence number of the same
// account.
type Service struct {
	invoker Invoker
	slot    *semaphore.Weighted
	logger  *log.Logger
}

func NewService(invoker Invoker, logger *log.Logger) *Service {
	return &Service{
		invoker: invoker,
		slot:    semaphore.NewWeighted(1),
		logger:  logger,
	}
}

func (s *Service) CreateProject(ctx context.Context, name string, goal float64) (*infra.SubmissionResult, error) {
	return s.write(ctx, infra.CreateProject, infra.Symbol(name), infra.Amount(goal))
}

func (s *Service) Donate(ctx context.Context, project string, amount float64) (*infra.SubmissionResult, error) {
	return s.write(ctx, infra.Donate, infra.Symbol(project), infra.Amount(amount))
}

// Withdraw moves funds out of a project. Only the contract admin may call it.
func (s *Service) Withdraw(ctx context.Context, project string, amount float64) (*infra.SubmissionResult, error) {
	return s.write(ctx, infra.Withdraw, infra.Symbol(project), infra.Amount(amount))
}

// Initialize sets the contract admin. The contract accepts it once.
func (s *Service) Initialize(ctx context.Context, admin string) (*infra.SubmissionResult, error) {
	return s.write(ctx, infra.Init, infra.Address(admin))
}

func (s *Service) GetProjects(ctx context.Context) ([]string, error) {
	d, err := s.read(ctx, infra.GetAllProjects)
	if err != nil {
		return nil, err
	}
	return []string(d.(infra.ProjectNames)), nil
}

func (s *Service) GetProjectStatus(ctx context.Context, name string) (*Project, error) {
	d, err := s.read(ctx, infra.GetProjectStatus, infra.Symbol(name))
	if err != nil {
		return nil, err
	}
	status := d.(infra.ProjectStatus)
	return &Project{
		Name:          name,
		CurrentAmount: status.CurrentAmount,
		Goal:          status.Goal,
	}, nil
}

// ListProjects returns every project with its status, sorted by name.
func (s *Service) ListProjects(ctx context.Context) ([]Project, error) {
	names, err := s.GetProjects(ctx)
	if err != nil {
		return nil, err
	}

	projects := make([]Project, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusFanOut)
	for i, name := range names {
		g.Go(func() error {
			p, err := s.GetProjectStatus(gctx, name)
			if err != nil {
				return errors.WithMessagef(err, "project %s", name)
			}
			projects[i] = *p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

func (s *Service) write(ctx context.Context, fn infra.Function, params ...infra.Param) (*infra.SubmissionResult, error) {
	res, err := s.submit(ctx, fn, params...)
	if err != nil {
		return nil, err
	}
	if _, err := infra.Decode(fn, res.ReturnValue); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) read(ctx context.Context, fn infra.Function, params ...infra.Param) (infra.Decoded, error) {
	res, err := s.submit(ctx, fn, params...)
	if err != nil {
		return nil, err
	}
	return infra.Decode(fn, res.ReturnValue)
}

func (s *Service) submit(ctx context.Context, fn infra.Function, params ...infra.Param) (*infra.SubmissionResult, error) {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return nil, &infra.Error{Kind: infra.NetworkUnavailable, Err: errors.Wrapf(err, "waiting to submit %s", fn)}
	}
	defer s.slot.Release(1)

	s.logger.Debugf("Submitting %s", fn)
	return s.invoker.Invoke(ctx, fn, params...)
}
