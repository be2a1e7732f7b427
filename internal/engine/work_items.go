package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"nightlobster/internal/domain"
	"nightlobster/internal/events"
	"nightlobster/internal/repo"
)

type WorkItemCreateOptions struct {
	ProjectID string
	Title     string
	Type      string
	Status    string
	// Priority 0 means the default of 3.
	Priority  int
	GoalLinks []string
	Links     []string
	NextStep  string
	Owner     string
}

func validateWorkItemFields(v *validator, status, owner *string, priority *int) {
	if status != nil && !slices.Contains(domain.WorkItemStatuses, *status) {
		v.add("status", "must be one of "+strings.Join(domain.WorkItemStatuses, ", "))
	}
	if owner != nil && *owner != domain.OwnerAgent && *owner != domain.OwnerHuman {
		v.add("owner", "must be agent or human")
	}
	if priority != nil && (*priority < 1 || *priority > 5) {
		v.add("priority", "must be between 1 and 5")
	}
}

func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions, actorID string) (domain.WorkItem, error) {
	if opts.Status == "" {
		opts.Status = domain.WorkItemBacklog
	}
	if opts.Priority == 0 {
		opts.Priority = 3
	}
	if opts.Owner == "" {
		opts.Owner = domain.OwnerAgent
	}
	v := validator{subject: "work_item"}
	v.require("project_id", opts.ProjectID)
	v.require("title", opts.Title)
	v.require("type", opts.Type)
	validateWorkItemFields(&v, &opts.Status, &opts.Owner, &opts.Priority)
	if err := v.err(); err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.WorkItem{}, notFound(err, "project", opts.ProjectID)
	}
	ts := domain.FormatTime(e.now())
	w := domain.WorkItem{
		ID:        newID(),
		ProjectID: opts.ProjectID,
		Title:     strings.TrimSpace(opts.Title),
		Type:      strings.TrimSpace(opts.Type),
		Status:    opts.Status,
		Priority:  opts.Priority,
		GoalLinks: nonNil(opts.GoalLinks),
		Links:     nonNil(opts.Links),
		Owner:     opts.Owner,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if opts.NextStep != "" {
		next := opts.NextStep
		w.NextStep = &next
	}
	if err := e.Repo.InsertWorkItem(ctx, w); err != nil {
		return w, err
	}
	if err := e.events().Append(ctx, nil, events.WorkItemCreated, w.ProjectID, "work_item", w.ID, actorID, events.EventPayload{
		"status": w.Status, "priority": w.Priority,
	}); err != nil {
		return w, err
	}
	return w, nil
}

func (e Engine) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	w, err := e.Repo.GetWorkItem(ctx, id)
	return w, notFound(err, "work item", id)
}

func (e Engine) ListWorkItems(ctx context.Context, f repo.WorkItemFilters) ([]domain.WorkItem, error) {
	v := validator{subject: "work_item_filters"}
	var status, owner *string
	if f.Status != "" {
		status = &f.Status
	}
	if f.Owner != "" {
		owner = &f.Owner
	}
	validateWorkItemFields(&v, status, owner, nil)
	if err := v.err(); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkItems(ctx, f)
}

// UpdateWorkItem applies a partial update. At least one field must be set.
func (e Engine) UpdateWorkItem(ctx context.Context, id string, p repo.WorkItemPatch, actorID string) (domain.WorkItem, error) {
	v := validator{subject: "work_item"}
	if p.Empty() {
		v.add("(root)", "at least one field is required")
	}
	if p.Title != nil {
		v.require("title", *p.Title)
	}
	if p.Type != nil {
		v.require("type", *p.Type)
	}
	validateWorkItemFields(&v, p.Status, p.Owner, p.Priority)
	if err := v.err(); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.UpdateWorkItem(ctx, id, p, domain.FormatTime(e.now())); err != nil {
		return domain.WorkItem{}, notFound(err, "work item", id)
	}
	w, err := e.GetWorkItem(ctx, id)
	if err != nil {
		return w, err
	}
	if err := e.events().Append(ctx, nil, events.WorkItemUpdated, w.ProjectID, "work_item", w.ID, actorID, events.EventPayload{
		"status": w.Status, "priority": w.Priority,
	}); err != nil {
		return w, err
	}
	return w, nil
}

// LinkMission links a work item to a mission of the same project. Linking
// twice returns the original link.
func (e Engine) LinkMission(ctx context.Context, workItemID, missionID, actorID string) (domain.MissionWorkLink, error) {
	v := validator{subject: "mission_work_link"}
	v.require("mission_id", missionID)
	if err := v.err(); err != nil {
		return domain.MissionWorkLink{}, err
	}
	w, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return domain.MissionWorkLink{}, notFound(err, "work item", workItemID)
	}
	m, err := e.Repo.GetMission(ctx, nil, missionID)
	if err != nil {
		return domain.MissionWorkLink{}, notFound(err, "mission", missionID)
	}
	if w.ProjectID != m.ProjectID {
		v.add("mission_id", fmt.Sprintf("mission and work item must belong to the same project (%s, %s)", m.ProjectID, w.ProjectID))
		return domain.MissionWorkLink{}, v.err()
	}
	link, err := e.Repo.UpsertMissionWorkLink(ctx, domain.MissionWorkLink{
		MissionID:  m.ID,
		WorkItemID: w.ID,
		CreatedAt:  domain.FormatTime(e.now()),
	})
	if err != nil {
		return link, err
	}
	if err := e.events().Append(ctx, nil, events.WorkItemLinked, w.ProjectID, "work_item", w.ID, actorID, events.EventPayload{
		"mission_id": m.ID,
	}); err != nil {
		return link, err
	}
	return link, nil
}

// UnlinkMission removes a link and reports how many rows went away; a
// missing link is not an error.
func (e Engine) UnlinkMission(ctx context.Context, workItemID, missionID, actorID string) (int64, error) {
	n, err := e.Repo.DeleteMissionWorkLink(ctx, missionID, workItemID)
	if err != nil || n == 0 {
		return n, err
	}
	w, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return n, notFound(err, "work item", workItemID)
	}
	if err := e.events().Append(ctx, nil, events.WorkItemUnlinked, w.ProjectID, "work_item", w.ID, actorID, events.EventPayload{
		"mission_id": missionID,
	}); err != nil {
		return n, err
	}
	return n, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
