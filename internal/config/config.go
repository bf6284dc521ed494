// Package config loads job files: YAML maps of job name to mailbox options.
// The file format is fixed by existing deployments, so option names stay in
// snake_case exactly as documented.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/term"
)

// Job holds the options of one mailbox entry in a job file.
type Job struct {
	// Name is the job-file key, filled in by Load.
	Name string `mapstructure:"-"`

	Server string `mapstructure:"server"`
	// Port defaults to 993.
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	// Password may be empty in the file; callers prompt via PromptPassword.
	Password string `mapstructure:"password"`

	// The TLS options default to a verified implicit-TLS connection;
	// Load applies the defaults, so false here means set in the file.
	TLS              bool `mapstructure:"tls"`
	TLSCheckHostname bool `mapstructure:"tls_check_hostname"`
	TLSVerifyCert    bool `mapstructure:"tls_verify_cert"`

	// Folders restricts operations to an explicit list; empty means
	// discover all.
	Folders           []string `mapstructure:"folders"`
	IgnoreFolderFlags []string `mapstructure:"ignore_folder_flags"`
	IgnoreFolderNames []string `mapstructure:"ignore_folder_names"`

	DeleteAfterExport bool   `mapstructure:"delete_after_export"`
	ExchangeJournal   bool   `mapstructure:"exchange_journal"`
	TrashFolder       string `mapstructure:"trash_folder"`
	ErrorFolder       string `mapstructure:"error_folder"`

	MoveToArchive bool   `mapstructure:"move_to_archive"`
	ArchiveFolder string `mapstructure:"archive_folder"`

	// WithDB and Incremental default to true: a backup is indexed and
	// resumes from its watermarks unless the job opts out.
	WithDB      bool `mapstructure:"with_db"`
	Incremental bool `mapstructure:"incremental"`

	// Role marks a job as copy "source" or "destination".
	Role string `mapstructure:"role"`
}

// File is a parsed job file.
type File struct {
	Jobs map[string]*Job
}

// defaults returns a Job carrying the documented option defaults: implicit
// TLS on 993 with full certificate checks, and an indexed incremental
// backup. A job file only needs to spell out what deviates.
func defaults() Job {
	return Job{
		Port:             993,
		TLS:              true,
		TLSCheckHostname: true,
		TLSVerifyCert:    true,
		WithDB:           true,
		Incremental:      true,
	}
}

// Load reads and parses a job file. Options a job omits keep their
// defaults.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading job file %s: %w", path, err)
	}

	jobs := make(map[string]*Job)
	for _, name := range v.AllKeys() {
		// AllKeys yields dotted leaf keys; we only want the top-level
		// job names.
		top, _, _ := strings.Cut(name, ".")
		if _, done := jobs[top]; done {
			continue
		}
		job := defaults()
		if err := v.UnmarshalKey(top, &job); err != nil {
			return nil, fmt.Errorf("parsing job %q in %s: %w", top, path, err)
		}
		job.Name = top
		jobs[top] = &job
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job file %s defines no jobs", path)
	}
	return &File{Jobs: jobs}, nil
}

// Names returns the job names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Jobs))
	for name := range f.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named job.
func (f *File) Get(name string) (*Job, error) {
	job, ok := f.Jobs[name]
	if !ok {
		return nil, fmt.Errorf("no job %q (have %s)", name, strings.Join(f.Names(), ", "))
	}
	return job, nil
}

// ByRole returns the single job carrying the given role.
func (f *File) ByRole(role string) (*Job, error) {
	var found *Job
	for _, name := range f.Names() {
		job := f.Jobs[name]
		if job.Role != role {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("both %q and %q have role %q", found.Name, job.Name, role)
		}
		found = job
	}
	if found == nil {
		return nil, fmt.Errorf("no job with role %q", role)
	}
	return found, nil
}

// PromptPassword fills in the job's password from the terminal when the job
// file omits it.
func PromptPassword(job *Job) error {
	if job.Password != "" {
		return nil
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", job.Username, job.Server)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	job.Password = string(pw)
	return nil
}
