package service

import (
	"fmt"
	"time"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/common/db"
	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/repository"
	"gradeflow/internal/grading/runner"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 60 * time.Second
	defaultLockTTL     = 10 * time.Minute

	lockKeyPrefix = "grading:lock:submission:"
)

// Topics names the queue topics of the grading pipeline.
type Topics struct {
	Main       string
	Retry      string
	DeadLetter string
}

// Service runs submissions through the test runner and owns their
// retry and finalization.
type Service struct {
	database     db.Database
	submissions  repository.SubmissionRepository
	plans        repository.PlanRepository
	teamProjects repository.TeamProjectRepository
	statusCache  *repository.StatusCache
	archive      repository.LogArchive
	locks        cache.LockOps
	producer     mq.Producer
	topics       Topics

	apiRunner     *runner.Sequencer
	consoleRunner *runner.Sequencer

	maxAttempts int
	retryDelay  time.Duration
	lockTTL     time.Duration
	sem         chan struct{}
	now         func() time.Time
	log         *logger.Logger
}

// Config holds service dependencies and settings.
type Config struct {
	Database     db.Database
	Submissions  repository.SubmissionRepository
	Plans        repository.PlanRepository
	TeamProjects repository.TeamProjectRepository
	// StatusCache is invalidated on every write. Optional.
	StatusCache *repository.StatusCache
	// Archive receives a copy of every finalized run. Optional.
	Archive repository.LogArchive
	// Locks guards a submission against concurrent runs. Optional.
	Locks    cache.LockOps
	Producer mq.Producer
	Topics   Topics

	APIExecutor runner.Executor
	// ConsoleExecutor is required only when console projects are graded.
	ConsoleExecutor runner.Executor

	MaxAttempts    int
	RetryDelay     time.Duration
	LockTTL        time.Duration
	WorkerPoolSize int
	Clock          func() time.Time
	Logger         *logger.Logger
}

// NewService creates a grading service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Submissions == nil || cfg.Plans == nil || cfg.TeamProjects == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if cfg.Producer == nil {
		return nil, fmt.Errorf("queue producer is required")
	}
	if cfg.Topics.Main == "" || cfg.Topics.Retry == "" {
		return nil, fmt.Errorf("main and retry topics are required")
	}
	if cfg.APIExecutor == nil {
		return nil, fmt.Errorf("api executor is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	s := &Service{
		database:     cfg.Database,
		submissions:  cfg.Submissions,
		plans:        cfg.Plans,
		teamProjects: cfg.TeamProjects,
		statusCache:  cfg.StatusCache,
		archive:      cfg.Archive,
		locks:        cfg.Locks,
		producer:     cfg.Producer,
		topics:       cfg.Topics,
		apiRunner:    runner.NewSequencer(runner.APIRegistry(cfg.APIExecutor), log.With(zap.String("runner", "api"))),
		maxAttempts:  cfg.MaxAttempts,
		retryDelay:   cfg.RetryDelay,
		lockTTL:      cfg.LockTTL,
		sem:          make(chan struct{}, poolSize),
		now:          cfg.Clock,
		log:          log,
	}
	if cfg.ConsoleExecutor != nil {
		s.consoleRunner = runner.NewSequencer(runner.ConsoleRegistry(cfg.ConsoleExecutor), log.With(zap.String("runner", "console")))
	}
	return s, nil
}
