package pipeline

import (
	"fmt"
	"strings"

	"github.com/example/face-similarity/internal/extractor"
	"github.com/example/face-similarity/internal/workerpool"
)

// Role tells the orchestrator which slice of the request a task belongs to.
type Role int

const (
	RolePerson Role = iota
	RoleTarget
	RoleUpload
)

func (r Role) String() string {
	switch r {
	case RolePerson:
		return "person"
	case RoleTarget:
		return "target"
	case RoleUpload:
		return "upload"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ImageTask is one image travelling through fetch, preprocess and extract.
// When Bytes is nil the image is fetched from URL.
type ImageTask struct {
	Index    int
	Role     Role
	Identity string
	URL      string
	Bytes    []byte
}

// Result is the outcome of one task. Err is set for soft failures and, under
// BestEffort, for panics; Faces is then empty.
type Result struct {
	Task  ImageTask
	Faces []extractor.Face
	Err   error
}

// Stage names used in StageError and logs.
const (
	StageAdmit      = "admit"
	StageFetch      = "fetch"
	StageDecode     = "decode"
	StagePreprocess = "preprocess"
	StageExtract    = "extract"
)

// StageError records which step of a task failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError is an unexpected failure inside a task.
type PanicError = workerpool.PanicError

// Policy decides what an unexpected task failure does to the batch.
type Policy int

const (
	// BestEffort degrades the failing item like any soft failure.
	BestEffort Policy = iota
	// AbortOnFirstError fails the whole batch once every task has finished.
	AbortOnFirstError
)

// ParsePolicy accepts "best-effort" and "abort-on-first-error".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "best-effort":
		return BestEffort, nil
	case "abort-on-first-error":
		return AbortOnFirstError, nil
	}
	return BestEffort, fmt.Errorf("unknown failure policy %q", s)
}

func (p Policy) String() string {
	if p == AbortOnFirstError {
		return "abort-on-first-error"
	}
	return "best-effort"
}

// UnmarshalText lets configuration loaders parse a Policy.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Observer is notified around the admitted section of every task. Calls for
// different tasks happen concurrently.
type Observer interface {
	TaskStarted(task ImageTask)
	TaskFinished(result Result)
}

type noopObserver struct{}

func (noopObserver) TaskStarted(ImageTask) {}
func (noopObserver) TaskFinished(Result)   {}
