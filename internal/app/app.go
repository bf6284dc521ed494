// Package app is the application layer between the CLI and the job runner:
// it loads the job file, sets up logging with a per-run id, and constructs a
// wired Runner. The caller must Close when done.
package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"imapcas/internal/config"
	"imapcas/internal/jobs"
)

// App carries the wired dependencies of one CLI invocation.
type App struct {
	Jobs   *config.File
	Runner *jobs.Runner
	Logger *slog.Logger
	RunID  string

	logFile *os.File
}

// New loads the job file and builds a runner. An empty logPath logs to
// stderr only; verbose enables debug records.
func New(jobsPath, logPath string, verbose bool) (*App, error) {
	jf, err := config.Load(jobsPath)
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}

	runID := uuid.New().String()
	logger, logFile, err := newLogger(logPath, runID, verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &App{
		Jobs:    jf,
		Runner:  jobs.NewRunner(nil, logger, nil),
		Logger:  logger,
		RunID:   runID,
		logFile: logFile,
	}, nil
}

// Job returns the named job with its password filled in, prompting when the
// job file omits it.
func (a *App) Job(name string) (*config.Job, error) {
	job, err := a.Jobs.Get(name)
	if err != nil {
		return nil, err
	}
	if err := config.PromptPassword(job); err != nil {
		return nil, err
	}
	return job, nil
}

// JobByRole returns the job carrying the given role, with its password
// filled in.
func (a *App) JobByRole(role string) (*config.Job, error) {
	job, err := a.Jobs.ByRole(role)
	if err != nil {
		return nil, err
	}
	if err := config.PromptPassword(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Close releases the log file.
func (a *App) Close() error {
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}
