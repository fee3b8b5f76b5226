package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

const uniqueViolation = "23505"

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{pool: pool, clock: clock}
}

var _ store.Store = (*Store)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Hazards ---

const hazardColumns = `id, source, event_type, severity, zone, centroid_lat, centroid_lon, headline, effective, expires, ingested_at`

func (s *Store) UpsertHazards(ctx context.Context, hazards []domain.HazardEvent) (int, error) {
	if len(hazards) == 0 {
		return 0, nil
	}
	// Every hazard is written to the live table and to the archive, which
	// ExpireHazards never prunes.
	const upsert = `
		INSERT INTO %s (` + hazardColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source, event_type = EXCLUDED.event_type, severity = EXCLUDED.severity,
			zone = EXCLUDED.zone, centroid_lat = EXCLUDED.centroid_lat, centroid_lon = EXCLUDED.centroid_lon,
			headline = EXCLUDED.headline, effective = EXCLUDED.effective, expires = EXCLUDED.expires,
			ingested_at = EXCLUDED.ingested_at`
	tables := []string{"hazards", "hazard_archive"}

	b := &pgx.Batch{}
	for _, h := range hazards {
		zone, err := json.Marshal(h.Zone)
		if err != nil {
			return 0, fmt.Errorf("marshal zone for hazard %s: %w", h.ID, err)
		}
		var lat, lon *float64
		if h.Centroid != nil {
			lat, lon = &h.Centroid.Lat, &h.Centroid.Lon
		}
		for _, table := range tables {
			b.Queue(fmt.Sprintf(upsert, table), h.ID, h.Source, string(h.EventType), string(h.Severity), zone, lat, lon,
				h.Headline, h.Effective, nullTime(h.Expires), h.IngestedAt)
		}
	}

	br := s.pool.SendBatch(ctx, b)
	defer func() { _ = br.Close() }()
	for _, h := range hazards {
		for _, table := range tables {
			if _, err := br.Exec(); err != nil {
				return 0, fmt.Errorf("upsert hazard %s into %s: %w", h.ID, table, err)
			}
		}
	}
	return len(hazards), nil
}

func (s *Store) ListHazardsEffective(ctx context.Context, from, to time.Time, limit int) ([]domain.HazardEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `SELECT `+hazardColumns+` FROM hazard_archive
		WHERE effective >= $1 AND effective <= $2 ORDER BY effective, id LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list hazards effective %s..%s: %w", from.Format(time.DateOnly), to.Format(time.DateOnly), err)
	}
	return collectHazards(rows)
}

func (s *Store) ListActiveHazards(ctx context.Context, at time.Time) ([]domain.HazardEvent, error) {
	rows, err := s.pool.Query(ctx, activeHazardsQuery, at)
	if err != nil {
		return nil, fmt.Errorf("list active hazards: %w", err)
	}
	return collectHazards(rows)
}

const activeHazardsQuery = `SELECT ` + hazardColumns + ` FROM hazards
	WHERE expires IS NULL OR expires > $1 ORDER BY id`

func collectHazards(rows pgx.Rows) ([]domain.HazardEvent, error) {
	defer rows.Close()
	out := []domain.HazardEvent{}
	for rows.Next() {
		h, err := scanHazard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) GetHazard(ctx context.Context, id string) (domain.HazardEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+hazardColumns+` FROM hazards WHERE id = $1`, id)
	h, err := scanHazard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HazardEvent{}, fmt.Errorf("hazard %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.HazardEvent{}, fmt.Errorf("get hazard %s: %w", id, err)
	}
	return h, nil
}

func (s *Store) ExpireHazards(ctx context.Context, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hazards WHERE expires IS NOT NULL AND expires <= $1`, at)
	if err != nil {
		return 0, fmt.Errorf("expire hazards: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanHazard(row scanner) (domain.HazardEvent, error) {
	var (
		h                domain.HazardEvent
		eventType, sev   string
		zone             []byte
		centLat, centLon *float64
		expires          *time.Time
	)
	if err := row.Scan(&h.ID, &h.Source, &eventType, &sev, &zone, &centLat, &centLon,
		&h.Headline, &h.Effective, &expires, &h.IngestedAt); err != nil {
		return h, err
	}
	h.EventType = domain.EventType(eventType)
	h.Severity = domain.Severity(sev)
	if err := json.Unmarshal(zone, &h.Zone); err != nil {
		return h, fmt.Errorf("decode zone for hazard %s: %w", h.ID, err)
	}
	if centLat != nil && centLon != nil {
		h.Centroid = &domain.Coordinates{Lat: *centLat, Lon: *centLon}
	}
	if expires != nil {
		h.Expires = *expires
	}
	return h, nil
}

// --- Locations ---

const locationColumns = `id, name, type, lat, lon, inventory_value_usd, reliability_index, avg_lead_time_hours, active`

func (s *Store) UpsertLocation(ctx context.Context, loc domain.Location) error {
	const q = `
		INSERT INTO locations (` + locationColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			inventory_value_usd = EXCLUDED.inventory_value_usd, reliability_index = EXCLUDED.reliability_index,
			avg_lead_time_hours = EXCLUDED.avg_lead_time_hours, active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, q, loc.ID, loc.Name, string(loc.Type), loc.Coordinates.Lat, loc.Coordinates.Lon,
		loc.InventoryValue, loc.ReliabilityIndex, loc.AvgLeadTimeHours, loc.Active, s.clock.Now())
	if err != nil {
		return fmt.Errorf("upsert location %s: %w", loc.ID, err)
	}
	return nil
}

func (s *Store) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = $1`, id)
	l, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Location{}, fmt.Errorf("location %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Location{}, fmt.Errorf("get location %s: %w", id, err)
	}
	return l, nil
}

const activeLocationsQuery = `SELECT ` + locationColumns + ` FROM locations WHERE active ORDER BY id`

func (s *Store) ListActiveLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := s.pool.Query(ctx, activeLocationsQuery)
	if err != nil {
		return nil, fmt.Errorf("list active locations: %w", err)
	}
	return collectLocations(rows)
}

func collectLocations(rows pgx.Rows) ([]domain.Location, error) {
	defer rows.Close()
	out := []domain.Location{}
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) AdjustReliability(ctx context.Context, id string, delta float64) (float64, error) {
	var v float64
	err := s.pool.QueryRow(ctx,
		`UPDATE locations SET reliability_index = LEAST(1, GREATEST(0, reliability_index + $2)), updated_at = $3
		 WHERE id = $1 RETURNING reliability_index`, id, delta, s.clock.Now()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("location %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("adjust reliability %s: %w", id, err)
	}
	return v, nil
}

func scanLocation(row scanner) (domain.Location, error) {
	var (
		l   domain.Location
		typ string
	)
	err := row.Scan(&l.ID, &l.Name, &typ, &l.Coordinates.Lat, &l.Coordinates.Lon,
		&l.InventoryValue, &l.ReliabilityIndex, &l.AvgLeadTimeHours, &l.Active)
	l.Type = domain.LocationType(typ)
	return l, err
}

// --- Proposals ---

const proposalColumns = `id, threat_id, original_location_id, proposed_location_id, proposed_location_name,
	attention_score, reroute_cost_usd, drive_time_minutes, distance_km, route_estimated, rationale,
	hitl_status, confidence, rl_adjustment, audit_explanation, resolved_by, resolution_note,
	version, created_at, updated_at`

func (s *Store) CreateProposal(ctx context.Context, p domain.RerouteProposal) error {
	const q = `INSERT INTO proposals (` + proposalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := s.pool.Exec(ctx, q,
		p.ID, p.ThreatID, p.OriginalLocationID, p.ProposedLocationID, p.ProposedLocationName,
		p.AttentionScore, p.RerouteCostUSD, p.DriveTimeMinutes, p.DistanceKm, p.RouteEstimated, p.Rationale,
		string(p.Status), p.Confidence, p.RLAdjustment, p.AuditExplanation, p.ResolvedBy, p.ResolutionNote,
		p.Version, p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("proposal %s: %w", p.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (domain.RerouteProposal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RerouteProposal{}, fmt.Errorf("proposal %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.RerouteProposal{}, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return p, nil
}

// listProposalsQuery treats empty filters as wildcards; LIMIT NULL is unlimited.
const listProposalsQuery = `SELECT ` + proposalColumns + ` FROM proposals
	WHERE ($1 = '' OR hitl_status = $1) AND ($2 = '' OR threat_id = $2)
	ORDER BY created_at DESC, id
	LIMIT NULLIF($3::int, 0) OFFSET $4`

func (s *Store) ListProposals(ctx context.Context, f store.ProposalFilter) ([]domain.RerouteProposal, error) {
	rows, err := s.pool.Query(ctx, listProposalsQuery, string(f.Status), f.ThreatID, f.Limit, max(f.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return collectProposals(rows)
}

func collectProposals(rows pgx.Rows) ([]domain.RerouteProposal, error) {
	defer rows.Close()
	out := []domain.RerouteProposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionProposal applies t with a compare-and-set on (version, status).
func (s *Store) TransitionProposal(ctx context.Context, t domain.ProposalTransition) (domain.RerouteProposal, error) {
	if err := t.Validate(); err != nil {
		return domain.RerouteProposal{}, err
	}
	current, err := s.GetProposal(ctx, t.ProposalID)
	if err != nil {
		return domain.RerouteProposal{}, err
	}
	if current.Version != t.Version || current.Status != t.From {
		return current, fmt.Errorf("proposal %s is %s at version %d: %w", current.ID, current.Status, current.Version, store.ErrConflict)
	}
	updated, err := current.Apply(t, s.clock.Now())
	if err != nil {
		return current, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE proposals SET hitl_status = $3, confidence = $4, rl_adjustment = $5, audit_explanation = $6,
			resolved_by = $7, resolution_note = $8, version = version + 1, updated_at = $9
		 WHERE id = $1 AND version = $2 AND hitl_status = $10`,
		updated.ID, t.Version, string(updated.Status), updated.Confidence, updated.RLAdjustment,
		updated.AuditExplanation, updated.ResolvedBy, updated.ResolutionNote, updated.UpdatedAt, string(t.From))
	if err != nil {
		return current, fmt.Errorf("transition proposal %s: %w", t.ProposalID, err)
	}
	if tag.RowsAffected() == 0 {
		return current, fmt.Errorf("transition proposal %s: %w", t.ProposalID, store.ErrConflict)
	}
	return updated, nil
}

func scanProposal(row scanner) (domain.RerouteProposal, error) {
	var (
		p      domain.RerouteProposal
		status string
	)
	err := row.Scan(&p.ID, &p.ThreatID, &p.OriginalLocationID, &p.ProposedLocationID, &p.ProposedLocationName,
		&p.AttentionScore, &p.RerouteCostUSD, &p.DriveTimeMinutes, &p.DistanceKm, &p.RouteEstimated, &p.Rationale,
		&status, &p.Confidence, &p.RLAdjustment, &p.AuditExplanation, &p.ResolvedBy, &p.ResolutionNote,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	p.Status = domain.HITLStatus(status)
	return p, err
}

// --- Deliveries ---

func (s *Store) RecordDelivery(ctx context.Context, o domain.DeliveryOutcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = s.clock.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_logs (supplier_id, proposal_id, on_time, delay_hours, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		o.SupplierID, o.ProposalID, o.OnTime, o.DelayHours, o.RecordedAt)
	if err != nil {
		return fmt.Errorf("record delivery for %s: %w", o.SupplierID, err)
	}
	return nil
}

const deliveryStatsSelect = `SELECT count(*),
		COALESCE(avg(CASE WHEN on_time THEN 0 ELSE 1 END), 0)::float8,
		COALESCE(avg(delay_hours), 0)::float8
	 FROM delivery_logs WHERE supplier_id = $1 AND recorded_at >= $2`

func (s *Store) DeliveryStats(ctx context.Context, supplierID string, since time.Time) (domain.DeliveryStats, error) {
	var st domain.DeliveryStats
	err := s.pool.QueryRow(ctx, deliveryStatsSelect, supplierID, since).
		Scan(&st.Samples, &st.LateRatio, &st.AvgDelayHours)
	if err != nil {
		return domain.DeliveryStats{}, fmt.Errorf("delivery stats for %s: %w", supplierID, err)
	}
	return st, nil
}

func (s *Store) DeliveryStatsBetween(ctx context.Context, supplierID string, from, to time.Time) (domain.DeliveryStats, error) {
	var st domain.DeliveryStats
	err := s.pool.QueryRow(ctx, deliveryStatsSelect+` AND recorded_at <= $3`, supplierID, from, to).
		Scan(&st.Samples, &st.LateRatio, &st.AvgDelayHours)
	if err != nil {
		return domain.DeliveryStats{}, fmt.Errorf("delivery stats for %s: %w", supplierID, err)
	}
	return st, nil
}

// --- Dashboard snapshot ---

// Snapshot reads every dashboard section in one batched round trip. Sections
// whose query fails are reported in Failed and joined into the error.
func (s *Store) Snapshot(ctx context.Context, at time.Time, limit int) (store.Snapshot, error) {
	if limit <= 0 {
		limit = 200
	}
	b := &pgx.Batch{}
	b.Queue(activeHazardsQuery, at)
	b.Queue(activeLocationsQuery)
	b.Queue(`SELECT `+proposalColumns+` FROM proposals
		WHERE hitl_status IN ('approved', 'auto_approved') ORDER BY created_at DESC, id LIMIT $1`, limit)
	b.Queue(`SELECT `+proposalColumns+` FROM proposals
		WHERE hitl_status = 'awaiting_approval' ORDER BY created_at DESC, id LIMIT $1`, limit)

	br := s.pool.SendBatch(ctx, b)
	defer func() { _ = br.Close() }()

	var (
		snap store.Snapshot
		errs []error
	)
	fail := func(section string, err error) {
		snap.Failed = append(snap.Failed, section)
		errs = append(errs, fmt.Errorf("%s: %w", section, err))
	}

	if rows, err := br.Query(); err != nil {
		fail(store.SectionHazards, err)
	} else if snap.Hazards, err = collectHazards(rows); err != nil {
		fail(store.SectionHazards, err)
	}
	if rows, err := br.Query(); err != nil {
		fail(store.SectionLocations, err)
	} else if snap.Locations, err = collectLocations(rows); err != nil {
		fail(store.SectionLocations, err)
	}
	if rows, err := br.Query(); err != nil {
		fail(store.SectionActiveRoutes, err)
	} else if snap.ActiveRoutes, err = collectProposals(rows); err != nil {
		fail(store.SectionActiveRoutes, err)
	}
	if rows, err := br.Query(); err != nil {
		fail(store.SectionPending, err)
	} else if snap.Pending, err = collectProposals(rows); err != nil {
		fail(store.SectionPending, err)
	}

	if len(errs) > 0 {
		return snap, fmt.Errorf("dashboard snapshot: %w", errors.Join(errs...))
	}
	return snap, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
