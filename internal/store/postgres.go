package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"emdispatch/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// SetPool tunes the connection pool. Zero values keep the driver defaults.
func (p *Postgres) SetPool(maxOpen, maxIdle int, lifetime time.Duration) {
	if maxOpen > 0 {
		p.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		p.db.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		p.db.SetConnMaxLifetime(lifetime)
	}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema migrations.
func (p *Postgres) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(p.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

type caseRow struct {
	ID                  string         `db:"id"`
	Type                string         `db:"type"`
	Priority            string         `db:"priority"`
	Status              string         `db:"status"`
	Lat                 float64        `db:"lat"`
	Lng                 float64        `db:"lng"`
	ReportedBy          string         `db:"reported_by"`
	AssignedResponderID sql.NullString `db:"assigned_responder_id"`
	AssignedRole        sql.NullString `db:"assigned_role"`
	AssignedAt          sql.NullTime   `db:"assigned_at"`
	Notes               string         `db:"notes"`
	Version             int            `db:"version"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	ArchivedAt          sql.NullTime   `db:"archived_at"`
}

const caseColumns = `id, type, priority, status, lat, lng, reported_by, assigned_responder_id, assigned_role, assigned_at, notes, version, created_at, updated_at, archived_at`

func (r caseRow) toModel() model.EmergencyCase {
	c := model.EmergencyCase{
		ID:         r.ID,
		Type:       model.CaseType(r.Type),
		Priority:   model.Priority(r.Priority),
		Status:     model.CaseStatus(r.Status),
		Location:   model.GeoPoint{Lat: r.Lat, Lng: r.Lng},
		ReportedBy: r.ReportedBy,
		Notes:      r.Notes,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if r.AssignedResponderID.Valid {
		c.Assigned = &model.Assignment{ResponderID: r.AssignedResponderID.String, Role: model.Role(r.AssignedRole.String), AssignedAt: r.AssignedAt.Time.UTC()}
	}
	if r.ArchivedAt.Valid {
		t := r.ArchivedAt.Time.UTC()
		c.ArchivedAt = &t
	}
	return c
}

func assignmentArgs(a *model.Assignment) (any, any, any) {
	if a == nil {
		return nil, nil, nil
	}
	return a.ResponderID, string(a.Role), a.AssignedAt
}

func (p *Postgres) CreateCase(ctx context.Context, c model.EmergencyCase) (model.EmergencyCase, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	if c.Version == 0 {
		c.Version = 1
	}
	rid, role, at := assignmentArgs(c.Assigned)
	_, err := p.db.ExecContext(ctx, `INSERT INTO cases (`+caseColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		c.ID, c.Type, c.Priority, c.Status, c.Location.Lat, c.Location.Lng, c.ReportedBy, rid, role, at, c.Notes, c.Version, c.CreatedAt, c.UpdatedAt, c.ArchivedAt)
	if err != nil {
		return model.EmergencyCase{}, err
	}
	return c, nil
}

func (p *Postgres) GetCase(ctx context.Context, id string) (model.EmergencyCase, error) {
	var r caseRow
	err := p.db.GetContext(ctx, &r, `SELECT `+caseColumns+` FROM cases WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EmergencyCase{}, ErrNotFound
	}
	if err != nil {
		return model.EmergencyCase{}, err
	}
	return r.toModel(), nil
}

func (p *Postgres) ListCases(ctx context.Context, f CaseFilter) ([]model.EmergencyCase, string, error) {
	limit := clampLimit(f.Limit)
	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if f.ReportedBy != "" {
		add("reported_by=$%d", f.ReportedBy)
	}
	if f.ResponderID != "" {
		add("assigned_responder_id=$%d", f.ResponderID)
	}
	if f.Cursor != "" {
		add("id > $%d", f.Cursor)
	}
	args = append(args, limit)
	q := fmt.Sprintf(`SELECT %s FROM cases WHERE %s ORDER BY id LIMIT $%d`, caseColumns, strings.Join(where, " AND "), len(args))
	var rows []caseRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, "", err
	}
	out := make([]model.EmergencyCase, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) UpdateCase(ctx context.Context, c model.EmergencyCase, expectedVersion int) error {
	rid, role, at := assignmentArgs(c.Assigned)
	res, err := p.db.ExecContext(ctx, `UPDATE cases SET type=$2, priority=$3, status=$4, lat=$5, lng=$6, reported_by=$7,
		assigned_responder_id=$8, assigned_role=$9, assigned_at=$10, notes=$11, version=$12, updated_at=$13, archived_at=$14
		WHERE id=$1 AND version=$15`,
		c.ID, c.Type, c.Priority, c.Status, c.Location.Lat, c.Location.Lng, c.ReportedBy, rid, role, at, c.Notes, c.Version, c.UpdatedAt, c.ArchivedAt, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM cases WHERE id=$1)`, c.ID); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) ListActiveCasesForResponder(ctx context.Context, responderID string) ([]model.EmergencyCase, error) {
	var rows []caseRow
	err := p.db.SelectContext(ctx, &rows, `SELECT `+caseColumns+` FROM cases WHERE assigned_responder_id=$1 AND archived_at IS NULL ORDER BY created_at`, responderID)
	if err != nil {
		return nil, err
	}
	out := make([]model.EmergencyCase, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// Responders

type responderRow struct {
	ID          string          `db:"id"`
	Role        string          `db:"role"`
	Name        string          `db:"name"`
	Status      string          `db:"status"`
	Lat         sql.NullFloat64 `db:"lat"`
	Lng         sql.NullFloat64 `db:"lng"`
	Accuracy    float64         `db:"accuracy"`
	LastUpdated sql.NullTime    `db:"last_updated"`
}

func (r responderRow) toModel() model.ResponderRecord {
	rec := model.ResponderRecord{ID: r.ID, Role: model.Role(r.Role), Name: r.Name, Status: r.Status, Accuracy: r.Accuracy}
	if r.Lat.Valid && r.Lng.Valid {
		lat, lng := r.Lat.Float64, r.Lng.Float64
		rec.Lat, rec.Lng = &lat, &lng
	}
	if r.LastUpdated.Valid {
		t := r.LastUpdated.Time.UTC()
		rec.LastUpdated = &t
	}
	return rec
}

const responderColumns = `id, role, name, status, lat, lng, accuracy, last_updated`

func (p *Postgres) UpsertResponder(ctx context.Context, rec model.ResponderRecord) (model.ResponderRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	var r responderRow
	err := p.db.GetContext(ctx, &r, `INSERT INTO responders (`+responderColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET role=EXCLUDED.role, name=EXCLUDED.name, status=EXCLUDED.status,
			lat=COALESCE(EXCLUDED.lat, responders.lat), lng=COALESCE(EXCLUDED.lng, responders.lng),
			accuracy=CASE WHEN EXCLUDED.lat IS NULL THEN responders.accuracy ELSE EXCLUDED.accuracy END,
			last_updated=CASE WHEN EXCLUDED.lat IS NULL THEN responders.last_updated ELSE EXCLUDED.last_updated END
		RETURNING `+responderColumns,
		rec.ID, rec.Role, rec.Name, rec.Status, rec.Lat, rec.Lng, rec.Accuracy, rec.LastUpdated)
	if err != nil {
		return model.ResponderRecord{}, err
	}
	return r.toModel(), nil
}

func (p *Postgres) GetResponder(ctx context.Context, id string) (model.ResponderRecord, error) {
	var r responderRow
	err := p.db.GetContext(ctx, &r, `SELECT `+responderColumns+` FROM responders WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ResponderRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ResponderRecord{}, err
	}
	return r.toModel(), nil
}

func (p *Postgres) ListResponders(ctx context.Context, role model.Role) ([]model.ResponderRecord, error) {
	var rows []responderRow
	var err error
	if role != "" {
		err = p.db.SelectContext(ctx, &rows, `SELECT `+responderColumns+` FROM responders WHERE role=$1 ORDER BY id`, role)
	} else {
		err = p.db.SelectContext(ctx, &rows, `SELECT `+responderColumns+` FROM responders ORDER BY id`)
	}
	if err != nil {
		return nil, err
	}
	out := make([]model.ResponderRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p *Postgres) SetResponderStatus(ctx context.Context, id, status string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE responders SET status=$2 WHERE id=$1`, id, status)
	return affectedOne(res, err)
}

func (p *Postgres) ClaimResponder(ctx context.Context, id string, from []string, to string) error {
	if len(from) == 0 {
		return ErrConflict
	}
	q, args, err := sqlx.In(`UPDATE responders SET status=? WHERE id=? AND status IN (?)`, to, id, from)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, p.db.Rebind(q), args...)
	if err = affectedOne(res, err); !errors.Is(err, ErrNotFound) {
		return err
	}
	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM responders WHERE id=$1)`, id); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (p *Postgres) UpdateResponderLocation(ctx context.Context, id string, loc model.KnownLocation) error {
	res, err := p.db.ExecContext(ctx, `UPDATE responders SET lat=$2, lng=$3, accuracy=$4, last_updated=$5 WHERE id=$1`,
		id, loc.Point.Lat, loc.Point.Lng, loc.Accuracy, loc.LastUpdated)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Subscriptions

type subscriptionRow struct {
	ID     string `db:"id"`
	URL    string `db:"url"`
	Events []byte `db:"events"`
	Secret string `db:"secret"`
}

func (r subscriptionRow) toModel() model.Subscription {
	s := model.Subscription{ID: r.ID, URL: r.URL, Secret: r.Secret}
	_ = json.Unmarshal(r.Events, &s.Events)
	return s
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`, id, req.URL, ev, req.Secret)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	want, _ := json.Marshal([]string{eventType})
	var rows []subscriptionRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, url, events, secret FROM subscriptions WHERE events @> $1::jsonb OR events @> '["*"]'::jsonb ORDER BY id`, string(want))
	if err != nil {
		return nil, err
	}
	out := make([]model.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = clampLimit(limit)
	var rows []subscriptionRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, url, events, secret FROM subscriptions WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	out := make([]model.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	return affectedOne(res, err)
}

// Webhook deliveries

const deliveryColumns = `id, COALESCE(subscription_id,'') AS subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, last_error, response_code, latency_ms, delivered_at, created_at`

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, nullIfEmpty(subscriptionID), eventType, url, secret, payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	out := []WebhookDelivery{}
	err := p.db.SelectContext(ctx, &out, `SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	return out, err
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
			id, lastError, *nextAttemptAt, responseCode, latencyMs)
		return affectedOne(res, err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', last_error='', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return affectedOne(res, err)
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, lastError, responseCode, latencyMs)
	return affectedOne(res, err)
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	limit = clampLimit(limit)
	out := []WebhookDelivery{}
	var err error
	if status != "" {
		err = p.db.SelectContext(ctx, &out, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE status=$1 AND id > $2 ORDER BY id LIMIT $3`, status, cursor, limit)
	} else {
		err = p.db.SelectContext(ctx, &out, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit)
	}
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE id=$1`, id)
	return affectedOne(res, err)
}

func (p *Postgres) PruneWebhookDeliveries(ctx context.Context, deliveredBefore time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE status='delivered' AND delivered_at < $1`, deliveredBefore)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
