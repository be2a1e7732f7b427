package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"nightlobster/internal/config"
	"nightlobster/internal/contract"
	"nightlobster/internal/events"
	"nightlobster/internal/queue"
	"nightlobster/internal/repo"
)

// Actors recorded on audit events.
const (
	ActorAPI       = "api"
	ActorScheduler = "scheduler"
	ActorWorker    = "worker"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Settings   config.Settings
	Dispatcher queue.Dispatcher
	Now        func() time.Time
}

func New(db *sql.DB, settings config.Settings, dispatcher queue.Dispatcher) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Settings:   settings,
		Dispatcher: dispatcher,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func newID() string {
	return uuid.NewString()
}

// NotFoundError names the missing entity. It matches repo.ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == repo.ErrNotFound
}

// notFound converts repo.ErrNotFound into a NotFoundError and passes other
// errors through.
func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// validator accumulates input violations for one subject.
type validator struct {
	subject    string
	violations []contract.Violation
}

func (v *validator) require(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.add(field, "is required")
	}
}

func (v *validator) add(field, message string) {
	v.violations = append(v.violations, contract.Violation{Field: field, Message: message})
}

func (v *validator) err() error {
	if len(v.violations) == 0 {
		return nil
	}
	return &contract.ValidationError{Subject: v.subject, Violations: v.violations}
}
