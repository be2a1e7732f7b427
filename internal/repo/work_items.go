package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"nightlobster/internal/domain"
)

const workItemColumns = `id,project_id,title,type,status,priority,goal_links_json,links_json,next_step,owner,created_at,updated_at`

func scanWorkItem(row scanner) (domain.WorkItem, error) {
	var (
		w            domain.WorkItem
		goals, links string
		next         sql.NullString
	)
	if err := row.Scan(&w.ID, &w.ProjectID, &w.Title, &w.Type, &w.Status, &w.Priority, &goals, &links, &next, &w.Owner, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return w, notFound(err)
	}
	var err error
	if w.GoalLinks, err = unmarshalStrings(goals); err != nil {
		return w, err
	}
	if w.Links, err = unmarshalStrings(links); err != nil {
		return w, err
	}
	w.NextStep = stringPtr(next)
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, w domain.WorkItem) error {
	goals, err := marshalStrings(w.GoalLinks)
	if err != nil {
		return err
	}
	links, err := marshalStrings(w.Links)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Title, w.Type, w.Status, w.Priority, goals, links, nullableStringPtr(w.NextStep), w.Owner, w.CreatedAt, w.UpdatedAt)
	return err
}

// GetWorkItem returns the item with its linked missions.
func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	items := []domain.WorkItem{w}
	if err := r.attachMissions(ctx, items); err != nil {
		return w, err
	}
	return items[0], nil
}

type WorkItemFilters struct {
	ProjectID string
	Status    string
	Owner     string
}

// ListWorkItems orders by priority, then most recently updated.
func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY priority ASC, updated_at DESC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.WorkItem{}
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachMissions(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r Repo) attachMissions(ctx context.Context, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	index := make(map[string]int, len(items))
	ids := make([]string, len(items))
	for i, w := range items {
		index[w.ID] = i
		ids[i] = w.ID
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT l.work_item_id,m.id,m.title,m.status,m.scheduled_for
		FROM mission_work_links l JOIN missions m ON m.id=l.mission_id
		WHERE l.work_item_id IN (`+placeholders(len(ids))+`) ORDER BY l.created_at ASC, m.id ASC`, stringArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			itemID    string
			m         domain.LinkedMission
			scheduled sql.NullString
		)
		if err := rows.Scan(&itemID, &m.ID, &m.Title, &m.Status, &scheduled); err != nil {
			return err
		}
		m.ScheduledFor = stringPtr(scheduled)
		i := index[itemID]
		items[i].Missions = append(items[i].Missions, m)
	}
	return rows.Err()
}

// WorkItemPatch holds optional updates; nil fields are left unchanged. An
// empty NextStep clears it.
type WorkItemPatch struct {
	Title     *string
	Type      *string
	Status    *string
	Priority  *int
	GoalLinks *[]string
	Links     *[]string
	NextStep  *string
	Owner     *string
}

func (p WorkItemPatch) Empty() bool {
	return p.Title == nil && p.Type == nil && p.Status == nil && p.Priority == nil &&
		p.GoalLinks == nil && p.Links == nil && p.NextStep == nil && p.Owner == nil
}

func (r Repo) UpdateWorkItem(ctx context.Context, id string, p WorkItemPatch, now string) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Type != nil {
		set("type", *p.Type)
	}
	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.Priority != nil {
		set("priority", *p.Priority)
	}
	if p.GoalLinks != nil {
		v, err := marshalStrings(*p.GoalLinks)
		if err != nil {
			return err
		}
		set("goal_links_json", v)
	}
	if p.Links != nil {
		v, err := marshalStrings(*p.Links)
		if err != nil {
			return err
		}
		set("links_json", v)
	}
	if p.NextStep != nil {
		set("next_step", nullable(*p.NextStep))
	}
	if p.Owner != nil {
		set("owner", *p.Owner)
	}
	if len(fields) == 0 {
		return nil
	}
	set("updated_at", now)
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE work_items SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertMissionWorkLink is idempotent on {mission, work item}; the first
// created_at wins.
func (r Repo) UpsertMissionWorkLink(ctx context.Context, l domain.MissionWorkLink) (domain.MissionWorkLink, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO mission_work_links(mission_id,work_item_id,created_at) VALUES (?,?,?)
		ON CONFLICT(mission_id,work_item_id) DO NOTHING`, l.MissionID, l.WorkItemID, l.CreatedAt); err != nil {
		return l, err
	}
	err := r.DB.QueryRowContext(ctx, `SELECT mission_id,work_item_id,created_at FROM mission_work_links WHERE mission_id=? AND work_item_id=?`,
		l.MissionID, l.WorkItemID).Scan(&l.MissionID, &l.WorkItemID, &l.CreatedAt)
	return l, notFound(err)
}

// DeleteMissionWorkLink returns how many links were removed.
func (r Repo) DeleteMissionWorkLink(ctx context.Context, missionID, workItemID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM mission_work_links WHERE mission_id=? AND work_item_id=?`, missionID, workItemID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
