package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"medroute/internal/model"
	"medroute/internal/opt"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file in dir, in name order, that has not
// been recorded in schema_migrations yet. Each file runs in its own
// transaction.
func (p *Postgres) MigrateDir(dir string) error {
	ctx := context.Background()
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrations table: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SavePlan writes the plan with its routes, stops and assignments in one
// transaction.
func (p *Postgres) SavePlan(ctx context.Context, plan model.Plan) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO plans (id, tenant_id, depot_id, plan_date, strategy, status, optimization_score, total_distance_km, total_time_minutes, total_cost, computation_time_seconds, warnings, errors, unassigned, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		plan.ID, plan.TenantID, plan.DepotID, plan.PlanDate, string(plan.Strategy), string(plan.Status), plan.OptimizationScore,
		plan.TotalDistanceKm, plan.TotalTimeMinutes, plan.TotalCost, plan.ComputationTimeSeconds,
		jsonb(plan.Warnings), jsonb(plan.Errors), jsonb(plan.Unassigned), plan.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	for _, r := range plan.Routes {
		_, err = tx.ExecContext(ctx, `INSERT INTO routes (id, tenant_id, plan_id, depot_id, route_code, vehicle_id, driver_name, status, version, plan_date, total_distance_km, estimated_duration_minutes, total_shipments, total_stops, total_weight_kg, total_volume_m3, estimated_cost, optimization_score, has_cold_chain_products, estimated_start, estimated_end)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			r.ID, plan.TenantID, plan.ID, plan.DepotID, r.RouteCode, r.VehicleID, nullIfEmpty(r.DriverName), r.Status, r.Version, r.PlanDate,
			r.TotalDistanceKm, r.EstimatedDurationMin, r.TotalShipments, r.TotalStops, r.TotalWeightKg, r.TotalVolumeM3,
			r.EstimatedCost, r.OptimizationScore, r.HasColdChainProducts, r.EstimatedStart, r.EstimatedEnd)
		if err != nil {
			return fmt.Errorf("insert route %s: %w", r.RouteCode, err)
		}
		for _, s := range r.Stops {
			_, err = tx.ExecContext(ctx, `INSERT INTO route_stops (id, route_id, sequence_order, stop_type, location_index, customer_name, address, lat, lng, estimated_arrival, arrival_minutes, load_kg, load_m3)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
				s.ID, r.ID, s.SequenceOrder, s.StopType, s.LocationIndex, nullIfEmpty(s.CustomerName), nullIfEmpty(s.Address),
				s.Location.Lat, s.Location.Lng, s.EstimatedArrival, s.ArrivalMinutes, s.LoadKg, s.LoadM3)
			if err != nil {
				return fmt.Errorf("insert stop: %w", err)
			}
		}
		for _, a := range r.Assignments {
			_, err = tx.ExecContext(ctx, `INSERT INTO shipment_assignments (id, route_id, stop_id, shipment_id, order_number, requires_cold_chain, weight_kg, volume_m3, clinical_priority)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				a.ID, r.ID, a.StopID, a.ShipmentID, nullIfEmpty(a.OrderNumber), a.RequiresColdChain, a.WeightKg, a.VolumeM3, a.ClinicalPriority)
			if err != nil {
				return fmt.Errorf("insert assignment: %w", err)
			}
		}
	}
	return tx.Commit()
}

const planColumns = `id::text, tenant_id, depot_id, plan_date::text, strategy, status, optimization_score, total_distance_km, total_time_minutes, total_cost, computation_time_seconds, warnings, errors, unassigned, created_at`

func (p *Postgres) GetPlan(ctx context.Context, tenantID, planID string) (model.Plan, error) {
	var pl model.Plan
	var strategy, status string
	var warnings, errs, unassigned []byte
	row := p.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE tenant_id=$1 AND id::text=$2`, tenantID, planID)
	err := row.Scan(&pl.ID, &pl.TenantID, &pl.DepotID, &pl.PlanDate, &strategy, &status, &pl.OptimizationScore,
		&pl.TotalDistanceKm, &pl.TotalTimeMinutes, &pl.TotalCost, &pl.ComputationTimeSeconds, &warnings, &errs, &unassigned, &pl.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pl, ErrNotFound
		}
		return pl, err
	}
	pl.Strategy, pl.Status = model.Strategy(strategy), model.Status(status)
	if err := unjsonb("warnings", warnings, &pl.Warnings); err != nil {
		return pl, err
	}
	if err := unjsonb("errors", errs, &pl.Errors); err != nil {
		return pl, err
	}
	if err := unjsonb("unassigned", unassigned, &pl.Unassigned); err != nil {
		return pl, err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE plan_id::text=$1 ORDER BY route_code`, planID)
	if err != nil {
		return pl, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return pl, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pl, err
	}
	for _, id := range ids {
		r, err := p.GetRoute(ctx, tenantID, id)
		if err != nil {
			return pl, err
		}
		pl.Routes = append(pl.Routes, r)
	}
	return pl, nil
}

func (p *Postgres) ListPlans(ctx context.Context, tenantID, planDate, cursor string, limit int) ([]model.PlanSummary, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT p.id::text, p.plan_date::text, p.depot_id, p.strategy, p.status, p.optimization_score,
            (SELECT count(*) FROM routes r WHERE r.plan_id=p.id), jsonb_array_length(p.unassigned)
        FROM plans p WHERE p.tenant_id=$1`
	args := []any{tenantID}
	if planDate != "" {
		args = append(args, planDate)
		q += fmt.Sprintf(` AND p.plan_date=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND p.id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY p.id LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.PlanSummary{}
	var last string
	for rows.Next() {
		var s model.PlanSummary
		var strategy, status string
		if err := rows.Scan(&s.ID, &s.PlanDate, &s.DepotID, &strategy, &status, &s.OptimizationScore, &s.Routes, &s.Unassigned); err != nil {
			return nil, "", err
		}
		s.Strategy, s.Status = model.Strategy(strategy), model.Status(status)
		out = append(out, s)
		last = s.ID
	}
	var next string
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) CountRoutes(ctx context.Context, tenantID, depotID, planDate string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM routes WHERE tenant_id=$1 AND depot_id=$2 AND plan_date=$3`, tenantID, depotID, planDate).Scan(&n)
	return n, err
}

func (p *Postgres) GetRoute(ctx context.Context, tenantID, routeID string) (model.PlannedRoute, error) {
	var r model.PlannedRoute
	var driver sql.NullString
	var start, end sql.NullTime
	row := p.db.QueryRowContext(ctx, `SELECT id::text, plan_id::text, route_code, vehicle_id, driver_name, status, version, plan_date::text, total_distance_km, estimated_duration_minutes, total_shipments, total_stops, total_weight_kg, total_volume_m3, estimated_cost, optimization_score, has_cold_chain_products, estimated_start, estimated_end
        FROM routes WHERE tenant_id=$1 AND id::text=$2`, tenantID, routeID)
	err := row.Scan(&r.ID, &r.PlanID, &r.RouteCode, &r.VehicleID, &driver, &r.Status, &r.Version, &r.PlanDate, &r.TotalDistanceKm,
		&r.EstimatedDurationMin, &r.TotalShipments, &r.TotalStops, &r.TotalWeightKg, &r.TotalVolumeM3, &r.EstimatedCost,
		&r.OptimizationScore, &r.HasColdChainProducts, &start, &end)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	r.DriverName = driver.String
	r.EstimatedStart = nullTime(start)
	r.EstimatedEnd = nullTime(end)

	stopRows, err := p.db.QueryContext(ctx, `SELECT id::text, sequence_order, stop_type, location_index, COALESCE(customer_name,''), COALESCE(address,''), lat, lng, estimated_arrival, arrival_minutes, load_kg, load_m3
        FROM route_stops WHERE route_id::text=$1 ORDER BY sequence_order`, routeID)
	if err != nil {
		return r, err
	}
	defer stopRows.Close()
	for stopRows.Next() {
		s := model.RouteStopRecord{RouteID: r.ID}
		var eta sql.NullTime
		if err := stopRows.Scan(&s.ID, &s.SequenceOrder, &s.StopType, &s.LocationIndex, &s.CustomerName, &s.Address,
			&s.Location.Lat, &s.Location.Lng, &eta, &s.ArrivalMinutes, &s.LoadKg, &s.LoadM3); err != nil {
			return r, err
		}
		s.EstimatedArrival = nullTime(eta)
		r.Stops = append(r.Stops, s)
	}
	if err := stopRows.Err(); err != nil {
		return r, err
	}

	asRows, err := p.db.QueryContext(ctx, `SELECT a.id::text, a.stop_id::text, a.shipment_id, COALESCE(a.order_number,''), a.requires_cold_chain, a.weight_kg, a.volume_m3, a.clinical_priority
        FROM shipment_assignments a JOIN route_stops s ON s.id=a.stop_id WHERE a.route_id::text=$1 ORDER BY s.sequence_order`, routeID)
	if err != nil {
		return r, err
	}
	defer asRows.Close()
	for asRows.Next() {
		a := model.AssignmentRecord{RouteID: r.ID}
		if err := asRows.Scan(&a.ID, &a.StopID, &a.ShipmentID, &a.OrderNumber, &a.RequiresColdChain, &a.WeightKg, &a.VolumeM3, &a.ClinicalPriority); err != nil {
			return r, err
		}
		r.Assignments = append(r.Assignments, a)
	}
	return r, asRows.Err()
}

// PatchRoute applies the patch under a row lock so concurrent transitions
// are checked against the committed status.
func (p *Postgres) PatchRoute(ctx context.Context, tenantID, routeID string, patch model.RoutePatch) (model.PlannedRoute, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PlannedRoute{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM routes WHERE tenant_id=$1 AND id::text=$2 FOR UPDATE`, tenantID, routeID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PlannedRoute{}, ErrNotFound
		}
		return model.PlannedRoute{}, err
	}
	if err := checkPatch(current, patch); err != nil {
		return model.PlannedRoute{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE routes SET status=COALESCE($1, status), driver_name=COALESCE($2, driver_name), version=version+1 WHERE tenant_id=$3 AND id::text=$4`,
		nullIfEmpty(patch.Status), nullIfEmpty(patch.DriverName), tenantID, routeID)
	if err != nil {
		return model.PlannedRoute{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.PlannedRoute{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.NewString()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.TenantID, req.URL, ev, req.Secret)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	filter, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`, tenantID, string(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil {
			return nil, err
		}
		s.TenantID = tenantID
		if err := unjsonb("events", events, &s.Events); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	var last string
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, "", err
		}
		s.TenantID = tenantID
		if err := unjsonb("events", ev, &s.Events); err != nil {
			return nil, "", err
		}
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries
func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.NewString()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`, id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id::text=$3`,
			nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id::text=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id::text=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url, COALESCE(response_code,0) FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts, code int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url, &code); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		if code != 0 {
			m["responseCode"] = code
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SavePlanMetrics(ctx context.Context, tenantID, planDate, strategy string, m opt.Metrics) error {
	js, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO plan_metrics (tenant_id, plan_date, strategy, metrics) VALUES ($1,$2,$3,$4)
        ON CONFLICT (tenant_id, plan_date, strategy) DO UPDATE SET metrics=$4, created_at=now()`, tenantID, planDate, strategy, js)
	return err
}

func (p *Postgres) ListPlanMetrics(ctx context.Context, tenantID, planDate, strategy string) ([]PlanMetrics, error) {
	q := `SELECT plan_date::text, strategy, metrics, created_at FROM plan_metrics WHERE tenant_id=$1 AND plan_date=$2`
	args := []any{tenantID, planDate}
	if strategy != "" {
		q += ` AND strategy=$3`
		args = append(args, strategy)
	}
	rows, err := p.db.QueryContext(ctx, q+` ORDER BY strategy`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []PlanMetrics{}
	for rows.Next() {
		var it PlanMetrics
		var js []byte
		if err := rows.Scan(&it.PlanDate, &it.Strategy, &js, &it.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(js, &it.Metrics); err != nil {
			return nil, fmt.Errorf("decode plan metrics: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *Postgres) GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	row := p.db.QueryRowContext(ctx, `SELECT config FROM optimizer_config WHERE tenant_id=$1`, tenantID)
	var js []byte
	if err := row.Scan(&js); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(js, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *Postgres) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	js, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO optimizer_config (tenant_id, config, updated_at) VALUES ($1, $2, now())
        ON CONFLICT (tenant_id) DO UPDATE SET config=$2, updated_at=now()`, tenantID, js)
	return err
}

// computeDedupKey uses the event id when the payload carries one, else a
// short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// Helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonb encodes v for a jsonb column; nil slices become [].
func jsonb[T any](v []T) []byte {
	if v == nil {
		return []byte("[]")
	}
	b, _ := json.Marshal(v)
	return b
}

// unjsonb decodes a jsonb column. NULL leaves dst untouched.
func unjsonb(column string, raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", column, err)
	}
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time.UTC()
	return &tt
}
