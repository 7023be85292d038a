package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mapharvest/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the production store backed by a pgx connection pool. The
// schema is applied at open; every statement is idempotent.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// OpenPostgres connects, pings, and migrates.
func OpenPostgres(ctx context.Context, url string, log *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Info("postgres store ready")
	return &Postgres{pool: pool, log: log}, nil
}

// WithinTx implements Store. BeginFunc commits on nil and rolls back on
// error or panic.
func (s *Postgres) WithinTx(ctx context.Context, fn func(UnitOfWork) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgxUnit{tx: tx})
	})
}

// Close releases the pool.
func (s *Postgres) Close() { s.pool.Close() }

type pgxUnit struct {
	tx pgx.Tx
}

func (u *pgxUnit) Campaigns() CampaignRepository     { return &pgxCampaigns{q: u.tx} }
func (u *pgxUnit) Tasks() TaskRepository             { return &pgxTasks{q: u.tx} }
func (u *pgxUnit) Places() PlaceRepository           { return &pgxPlaces{q: u.tx} }
func (u *pgxUnit) Enrichments() EnrichmentRepository { return &pgxEnrichments{q: u.tx} }

type pgxCampaigns struct {
	q pgx.Tx
}

const campaignColumns = `id, title, status, spec, total_tasks, completed_tasks,
	failed_tasks, created_at, started_at, completed_at, updated_at`

func (r *pgxCampaigns) Add(ctx context.Context, c *domain.Campaign) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Title, string(c.Status), c.Spec, c.TotalTasks, c.CompletedTasks,
		c.FailedTasks, c.CreatedAt, c.StartedAt, c.CompletedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// Get locks the row for the rest of the transaction. Concurrent workers
// read-modify-write the campaign counters; without the lock two completions
// under READ COMMITTED would both scan the same count and the later commit
// would overwrite the earlier one.
func (r *pgxCampaigns) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id)
	return scanCampaign(row)
}

func (r *pgxCampaigns) Update(ctx context.Context, c *domain.Campaign) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE campaigns
		SET title = $2, status = $3, spec = $4, total_tasks = $5,
			completed_tasks = $6, failed_tasks = $7, started_at = $8,
			completed_at = $9, updated_at = $10
		WHERE id = $1`,
		c.ID, c.Title, string(c.Status), c.Spec, c.TotalTasks,
		c.CompletedTasks, c.FailedTasks, c.StartedAt, c.CompletedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	var status string
	err := row.Scan(&c.ID, &c.Title, &status, &c.Spec, &c.TotalTasks,
		&c.CompletedTasks, &c.FailedTasks, &c.CreatedAt, &c.StartedAt,
		&c.CompletedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	c.Status = domain.CampaignStatus(status)
	return &c, nil
}

type pgxTasks struct {
	q pgx.Tx
}

const taskColumns = `id, campaign_id, geoname_id, geoname_name, search_seed,
	status, attempts, last_error, created_at, started_at, completed_at, updated_at`

func (r *pgxTasks) AddAll(ctx context.Context, tasks []*domain.Task) error {
	for _, t := range tasks {
		_, err := r.q.Exec(ctx, `
			INSERT INTO place_extraction_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			t.ID, t.CampaignID, t.GeonameID, t.GeonameName, t.SearchSeed,
			string(t.Status), t.Attempts, t.LastError, t.CreatedAt,
			t.StartedAt, t.CompletedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}
	return nil
}

// Get locks the task row, same discipline as campaign reads: every in-tx
// load precedes a status write.
func (r *pgxTasks) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM place_extraction_tasks WHERE id = $1 FOR UPDATE`, id)
	return scanTask(row)
}

func (r *pgxTasks) Update(ctx context.Context, t *domain.Task) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE place_extraction_tasks
		SET status = $2, attempts = $3, last_error = $4, started_at = $5,
			completed_at = $6, updated_at = $7
		WHERE id = $1`,
		t.ID, string(t.Status), t.Attempts, t.LastError,
		t.StartedAt, t.CompletedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgxTasks) OfCampaign(ctx context.Context, campaignID string) ([]*domain.Task, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+taskColumns+` FROM place_extraction_tasks
		WHERE campaign_id = $1 ORDER BY created_at, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var status string
	err := row.Scan(&t.ID, &t.CampaignID, &t.GeonameID, &t.GeonameName,
		&t.SearchSeed, &status, &t.Attempts, &t.LastError, &t.CreatedAt,
		&t.StartedAt, &t.CompletedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	out := make([]*domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type pgxPlaces struct {
	q pgx.Tx
}

const placeColumns = `id, name, address, city, category, rating, review_count,
	phone, website, latitude, longitude, source_task_id, fingerprint, extracted_at`

func (r *pgxPlaces) Add(ctx context.Context, p *domain.Place) (bool, error) {
	var lat, lng *float64
	if p.Coordinates != nil {
		lat, lng = &p.Coordinates.Latitude, &p.Coordinates.Longitude
	}
	tag, err := r.q.Exec(ctx, `
		INSERT INTO extracted_places (`+placeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (fingerprint) DO NOTHING`,
		p.ID, p.Name, p.Address, p.City, p.Category, p.Rating, p.ReviewCount,
		p.Phone, p.Website, lat, lng, p.SourceTaskID, p.Fingerprint, p.ExtractedAt)
	if err != nil {
		return false, fmt.Errorf("insert place: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	for _, rev := range p.Reviews {
		_, err := r.q.Exec(ctx, `
			INSERT INTO extracted_place_reviews (id, place_id, author, rating, review_text, posted_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rev.ID, p.ID, rev.Author, rev.Rating, rev.Text, rev.PostedAt)
		if err != nil {
			return false, fmt.Errorf("insert review: %w", err)
		}
	}
	return true, nil
}

func (r *pgxPlaces) OfTask(ctx context.Context, taskID string) ([]*domain.Place, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+placeColumns+` FROM extracted_places
		WHERE source_task_id = $1 ORDER BY extracted_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query places: %w", err)
	}
	places, err := collectPlaces(rows)
	if err != nil {
		return nil, err
	}
	if err := attachReviews(ctx, r.q, places); err != nil {
		return nil, err
	}
	return places, nil
}

type pgxEnrichments struct {
	q pgx.Tx
}

const enrichmentColumns = `id, place_id, website_url, type, status, attempts,
	last_error, created_at, started_at, completed_at, updated_at`

func (r *pgxEnrichments) Add(ctx context.Context, t *domain.EnrichmentTask) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO place_enrichment_tasks (`+enrichmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (place_id, type) DO NOTHING`,
		t.ID, t.PlaceID, t.WebsiteURL, string(t.Type), string(t.Status),
		t.Attempts, t.LastError, t.CreatedAt, t.StartedAt, t.CompletedAt, t.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert enrichment task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgxEnrichments) Get(ctx context.Context, id string) (*domain.EnrichmentTask, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+enrichmentColumns+` FROM place_enrichment_tasks WHERE id = $1 FOR UPDATE`, id)
	return scanEnrichment(row)
}

func (r *pgxEnrichments) Update(ctx context.Context, t *domain.EnrichmentTask) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE place_enrichment_tasks
		SET status = $2, attempts = $3, last_error = $4, started_at = $5,
			completed_at = $6, updated_at = $7
		WHERE id = $1`,
		t.ID, string(t.Status), t.Attempts, t.LastError,
		t.StartedAt, t.CompletedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update enrichment task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// NextPending claims the oldest claimable task. SKIP LOCKED lets concurrent
// enrichment workers each claim a different row instead of queueing on the
// same one.
func (r *pgxEnrichments) NextPending(ctx context.Context, maxAttempts int) (*domain.EnrichmentTask, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+enrichmentColumns+` FROM place_enrichment_tasks
		WHERE status = 'PENDING' OR (status = 'FAILED' AND attempts < $1)
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, maxAttempts)
	t, err := scanEnrichment(row)
	if err != nil {
		return nil, err
	}
	if err := t.MarkInProgress(); err != nil {
		return nil, err
	}
	if err := r.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func scanEnrichment(row pgx.Row) (*domain.EnrichmentTask, error) {
	var t domain.EnrichmentTask
	var typ, status string
	err := row.Scan(&t.ID, &t.PlaceID, &t.WebsiteURL, &typ, &status,
		&t.Attempts, &t.LastError, &t.CreatedAt, &t.StartedAt,
		&t.CompletedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan enrichment task: %w", err)
	}
	t.Type = domain.EnrichmentType(typ)
	t.Status = domain.TaskStatus(status)
	return &t, nil
}

// Read-side queries on the pool, outside any unit of work.

func (s *Postgres) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

func (s *Postgres) ListCampaigns(ctx context.Context, includeArchived bool) ([]*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns`
	if !includeArchived {
		q += ` WHERE status <> 'ARCHIVED'`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) TasksOfCampaign(ctx context.Context, campaignID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM place_extraction_tasks
		WHERE campaign_id = $1 ORDER BY created_at, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Postgres) PlacesOfCampaign(ctx context.Context, campaignID string) ([]*domain.Place, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name, p.address, p.city, p.category, p.rating,
			p.review_count, p.phone, p.website, p.latitude, p.longitude,
			p.source_task_id, p.fingerprint, p.extracted_at
		FROM extracted_places p
		JOIN place_extraction_tasks t ON t.id = p.source_task_id
		WHERE t.campaign_id = $1
		ORDER BY p.extracted_at, p.id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query places: %w", err)
	}
	places, err := collectPlaces(rows)
	if err != nil {
		return nil, err
	}
	if err := attachReviews(ctx, s.pool, places); err != nil {
		return nil, err
	}
	return places, nil
}

func scanPlace(row pgx.Row) (*domain.Place, error) {
	var p domain.Place
	var lat, lng *float64
	err := row.Scan(&p.ID, &p.Name, &p.Address, &p.City, &p.Category,
		&p.Rating, &p.ReviewCount, &p.Phone, &p.Website, &lat, &lng,
		&p.SourceTaskID, &p.Fingerprint, &p.ExtractedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan place: %w", err)
	}
	if lat != nil && lng != nil {
		p.Coordinates = &domain.Coordinates{Latitude: *lat, Longitude: *lng}
	}
	return &p, nil
}

func collectPlaces(rows pgx.Rows) ([]*domain.Place, error) {
	defer rows.Close()
	out := make([]*domain.Place, 0)
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func attachReviews(ctx context.Context, q rowQuerier, places []*domain.Place) error {
	if len(places) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Place, len(places))
	ids := make([]string, 0, len(places))
	for _, p := range places {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}
	rows, err := q.Query(ctx, `
		SELECT id, place_id, author, rating, review_text, posted_at
		FROM extracted_place_reviews
		WHERE place_id = ANY($1)
		ORDER BY posted_at, id`, ids)
	if err != nil {
		return fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rev domain.Review
		var placeID string
		if err := rows.Scan(&rev.ID, &placeID, &rev.Author, &rev.Rating,
			&rev.Text, &rev.PostedAt); err != nil {
			return fmt.Errorf("scan review: %w", err)
		}
		if p := byID[placeID]; p != nil {
			p.Reviews = append(p.Reviews, rev)
		}
	}
	return rows.Err()
}
