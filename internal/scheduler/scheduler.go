// Package scheduler runs cron-scheduled background folder refreshes, one
// schedule per account.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tonimelisma/melisma/internal/config"
	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
)

// RefreshFunc refreshes one account. It is called from the cron goroutine
// pool and from TriggerRefresh.
type RefreshFunc func(ctx context.Context, accountID string) error

// AccountStatus is the refresh status of a scheduled account.
type AccountStatus struct {
	AccountID string    `json:"account_id"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	id       cron.EntryID
	schedule string
	running  bool
	lastRun  time.Time // last successful run
	lastErr  error
}

// Scheduler manages per-account refresh schedules.
type Scheduler struct {
	cron    *cron.Cron
	refresh RefreshFunc
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a Scheduler that calls refresh for due accounts.
func New(refresh RefreshFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		refresh: refresh,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddAccount schedules refreshes of accountID, replacing any existing
// schedule. Returns an error if the cron expression is invalid.
func (s *Scheduler) AddAccount(accountID, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *entry
	if e, ok := s.entries[accountID]; ok {
		s.cron.Remove(e.id)
		prev = e
	}

	id, err := s.cron.AddFunc(cronExpr, func() {
		if s.claim(accountID) {
			s.run(accountID)
		}
	})
	if err != nil {
		if prev != nil {
			delete(s.entries, accountID)
		}
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	e := &entry{id: id, schedule: cronExpr}
	if prev != nil {
		e.running, e.lastRun, e.lastErr = prev.running, prev.lastRun, prev.lastErr
	}
	s.entries[accountID] = e
	s.logger.Info("scheduled folder refresh",
		"account", accountID,
		"schedule", cronExpr,
		"next_run", s.cron.Entry(id).Next)
	return nil
}

// AddAccountsFromConfig schedules every enabled schedule in cfg. A
// schedule names its account by id or by email and is matched against
// accounts. Returns the number scheduled and the per-schedule errors.
func (s *Scheduler) AddAccountsFromConfig(cfg *config.Config, accounts []mail.Account) (int, []error) {
	var errs []error
	scheduled := 0
	for _, sc := range cfg.ScheduledAccounts() {
		id, ok := resolveAccount(accounts, sc.Account)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: no such account", sc.Account))
			continue
		}
		if err := s.AddAccount(id, sc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sc.Account, err))
			continue
		}
		scheduled++
	}
	return scheduled, errs
}

func resolveAccount(accounts []mail.Account, name string) (string, bool) {
	if a, ok := mail.FindAccount(accounts, name); ok {
		return a.ID, true
	}
	for _, a := range accounts {
		if a.Username == name {
			return a.ID, true
		}
	}
	return "", false
}

// RemoveAccount removes the schedule for an account.
func (s *Scheduler) RemoveAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[accountID]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, accountID)
		s.logger.Info("removed schedule", "account", accountID)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop stops the cron, cancels running refreshes and returns a context
// that is done once they have all returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// claim marks accountID running. It reports false if the scheduler is
// stopped, the account is unscheduled or a refresh is already running.
func (s *Scheduler) claim(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[accountID]
	if s.stopped || !ok || e.running {
		return false
	}
	e.running = true
	s.wg.Add(1)
	return true
}

// run executes one refresh. The caller must have claimed the account.
func (s *Scheduler) run(accountID string) {
	defer s.wg.Done()

	s.logger.Info("starting scheduled refresh", "account", accountID)
	start := time.Now()
	err := s.refresh(s.ctx, accountID)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[accountID]
	if !ok {
		return
	}
	e.running = false
	if err != nil {
		e.lastErr = err
		s.logger.Error("scheduled refresh failed",
			"account", accountID,
			"duration", time.Since(start),
			"error", err)
		return
	}
	e.lastRun = time.Now()
	e.lastErr = nil
	s.logger.Info("scheduled refresh completed",
		"account", accountID,
		"duration", time.Since(start))
}

// IsScheduled returns true if the account has a schedule.
func (s *Scheduler) IsScheduled(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[accountID]
	return ok
}

// TriggerRefresh runs a refresh for a scheduled account now.
func (s *Scheduler) TriggerRefresh(accountID string) error {
	s.mu.RLock()
	e, ok := s.entries[accountID]
	stopped := s.stopped
	running := ok && e.running
	s.mu.RUnlock()

	switch {
	case stopped:
		return fmt.Errorf("scheduler is stopped")
	case !ok:
		return fmt.Errorf("account %s is not scheduled", accountID)
	case running:
		return fmt.Errorf("refresh already running for %s", accountID)
	}
	if !s.claim(accountID) {
		return fmt.Errorf("refresh already running for %s", accountID)
	}
	go s.run(accountID)
	return nil
}

// Status returns the status of all scheduled accounts, ordered by id.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]AccountStatus, 0, len(s.entries))
	for id, e := range s.entries {
		st := AccountStatus{
			AccountID: id,
			Running:   e.running,
			LastRun:   e.lastRun,
			NextRun:   s.cron.Entry(e.id).Next,
			Schedule:  e.schedule,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		statuses = append(statuses, st)
	}
	slices.SortFunc(statuses, func(a, b AccountStatus) int { return cmp.Compare(a.AccountID, b.AccountID) })
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// FolderRefresher returns a RefreshFunc that refreshes an account's folder
// list and waits for the result. A fetch that ends in the Error state is
// reported as an error.
func FolderRefresher(repo *folders.Repository) RefreshFunc {
	return func(ctx context.Context, accountID string) error {
		st, err := repo.Sync(ctx, accountID, nil)
		if err != nil {
			return err
		}
		if st.Status == folders.StatusError {
			return errors.New(st.Message)
		}
		return nil
	}
}
