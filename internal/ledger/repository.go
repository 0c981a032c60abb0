package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/cutting"
	"github.com/odyssey-erp/stockledger/internal/fixed"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Reader exposes read access to ledger state.
type Reader interface {
	GetMaterial(ctx context.Context, id string) (Material, error)
	ListMaterials(ctx context.Context) ([]Material, error)
	GetBatch(ctx context.Context, id BatchID) (Batch, error)
	ListBatches(ctx context.Context, materialID string, filter BatchFilter) ([]Batch, error)
	GetCuttingPlan(ctx context.Context, id string) (CuttingPlan, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]StockTransaction, error)
}

// TxRepository exposes the mutations available inside a ledger transaction.
type TxRepository interface {
	Reader
	UpsertMaterial(ctx context.Context, m Material) error
	SetMaterialActive(ctx context.Context, id string, active bool) error
	InsertBatch(ctx context.Context, b Batch) error
	// ApplyBatchDelta adds delta to the batch's current quantity only when the
	// result stays within [0, original]; otherwise ErrOptimisticConflict.
	ApplyBatchDelta(ctx context.Context, id BatchID, delta fixed.Decimal) (Batch, error)
	InsertTransactions(ctx context.Context, txs []StockTransaction) error
	// RegisterCommittedPlan records a plan id once; a repeat yields ErrAlreadyCommitted.
	RegisterCommittedPlan(ctx context.Context, planID, kind string, at time.Time) error
	SaveCuttingPlan(ctx context.Context, plan CuttingPlan) error
	// MarkCuttingPlanCommitted moves a DRAFT plan to COMMITTED with its bound batches.
	MarkCuttingPlanCommitted(ctx context.Context, plan CuttingPlan) error
}

// Repository is the storage port of the ledger service.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresRepository persists the ledger in PostgreSQL.
type PostgresRepository struct {
	*queries
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{queries: &queries{db: pool}, pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction. A concurrent write
// to the same rows surfaces as ErrOptimisticConflict.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &queries{db: tx, inTx: true})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrOptimisticConflict, err)
	}
	return err
}

type queries struct {
	db   dbtx
	inTx bool
}

const materialColumns = `id, category, stock_unit, usage_unit, low_stock_threshold, active, created_at`

const batchColumns = `id, material_id, arrived_at, length, length_unit, gauge,
	original_quantity, current_quantity, actual_weight, unit_cost, supplier`

const transactionColumns = `id, tx_type, material_id, batch_id, quantity_delta, unit,
	cost_delta, weight_delta, occurred_at, actor, plan_id, reason`

const planColumns = `id, material_id, gauge, reference, policy, kerf, cuts, assignments,
	unsatisfied, shortages, total_scrap, pipe_count, status, created_at, committed_at, committed_by`

func scanMaterial(row pgx.Row) (Material, error) {
	var m Material
	var category string
	err := row.Scan(&m.ID, &category, &m.StockUnit, &m.UsageUnit, &m.LowStockThreshold, &m.Active, &m.CreatedAt)
	m.Category = Category(category)
	return m, err
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.MaterialID, &b.ArrivedAt, &b.Spec.Length, &b.Spec.LengthUnit, &b.Spec.Gauge,
		&b.OriginalQuantity, &b.CurrentQuantity, &b.ActualWeight, &b.UnitCost, &b.Supplier)
	return b, err
}

func scanTransaction(row pgx.Row) (StockTransaction, error) {
	var t StockTransaction
	var txType string
	err := row.Scan(&t.ID, &txType, &t.MaterialID, &t.BatchID, &t.QuantityDelta, &t.Unit,
		&t.CostDelta, &t.WeightDelta, &t.OccurredAt, &t.Actor, &t.PlanID, &t.Reason)
	t.Type = TransactionType(txType)
	return t, err
}

func (q *queries) GetMaterial(ctx context.Context, id string) (Material, error) {
	m, err := scanMaterial(q.db.QueryRow(ctx, `SELECT `+materialColumns+` FROM materials WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Material{}, ErrMaterialNotFound
		}
		return Material{}, fmt.Errorf("ledger: get material: %w", err)
	}
	return m, nil
}

func (q *queries) ListMaterials(ctx context.Context) ([]Material, error) {
	rows, err := q.db.Query(ctx, `SELECT `+materialColumns+` FROM materials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list materials: %w", err)
	}
	defer rows.Close()
	var out []Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan material: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *queries) GetBatch(ctx context.Context, id BatchID) (Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	if q.inTx {
		query += ` FOR UPDATE`
	}
	b, err := scanBatch(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, fmt.Errorf("ledger: get batch: %w", err)
	}
	return b, nil
}

func (q *queries) ListBatches(ctx context.Context, materialID string, filter BatchFilter) ([]Batch, error) {
	conditions := []string{"material_id = $1"}
	args := []interface{}{materialID}
	argPos := 2
	if filter.OnlyAvailable {
		conditions = append(conditions, "current_quantity > 0")
	}
	if !filter.Spec.Length.IsZero() {
		conditions = append(conditions, fmt.Sprintf("length = $%d", argPos))
		args = append(args, filter.Spec.Length)
		argPos++
	}
	if filter.Spec.Gauge != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(gauge) = LOWER($%d)", argPos))
		args = append(args, filter.Spec.Gauge)
	}
	direction := "ASC"
	if filter.Order == OrderLIFO {
		direction = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM batches WHERE %s ORDER BY arrived_at %s, id %s`,
		batchColumns, strings.Join(conditions, " AND "), direction, direction)

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list batches: %w", err)
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (q *queries) GetCuttingPlan(ctx context.Context, id string) (CuttingPlan, error) {
	query := `SELECT ` + planColumns + ` FROM cutting_plans WHERE id = $1`
	if q.inTx {
		query += ` FOR UPDATE`
	}
	var (
		p                                   CuttingPlan
		policy, status                      string
		cuts, assignments, unsat, shortages []byte
	)
	err := q.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.MaterialID, &p.Gauge, &p.Reference, &policy, &p.Kerf,
		&cuts, &assignments, &unsat, &shortages, &p.TotalScrap, &p.PipeCount, &status,
		&p.CreatedAt, &p.CommittedAt, &p.CommittedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CuttingPlan{}, ErrPlanNotFound
		}
		return CuttingPlan{}, fmt.Errorf("ledger: get cutting plan: %w", err)
	}
	p.Policy = cutting.Policy(policy)
	p.Status = PlanStatus(status)
	for _, part := range []struct {
		raw    []byte
		target any
	}{
		{cuts, &p.Cuts},
		{assignments, &p.Assignments},
		{unsat, &p.Unsatisfied},
		{shortages, &p.Shortages},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.target); err != nil {
			return CuttingPlan{}, fmt.Errorf("ledger: decode cutting plan: %w", err)
		}
	}
	return p, nil
}

func (q *queries) ListTransactions(ctx context.Context, filter TransactionFilter) ([]StockTransaction, error) {
	var conditions []string
	var args []interface{}
	argPos := 1
	add := func(cond string, arg interface{}) {
		conditions = append(conditions, fmt.Sprintf(cond, argPos))
		args = append(args, arg)
		argPos++
	}
	if filter.MaterialID != "" {
		add("material_id = $%d", filter.MaterialID)
	}
	if filter.BatchID != 0 {
		add("batch_id = $%d", filter.BatchID)
	}
	if filter.PlanID != "" {
		add("plan_id = $%d", filter.PlanID)
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		add("tx_type = ANY($%d)", types)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= $%d", filter.To)
	}
	query := `SELECT ` + transactionColumns + ` FROM stock_transactions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY occurred_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()
	var out []StockTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) UpsertMaterial(ctx context.Context, m Material) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO materials (`+materialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			stock_unit = EXCLUDED.stock_unit,
			usage_unit = EXCLUDED.usage_unit,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			active = EXCLUDED.active`,
		m.ID, string(m.Category), m.StockUnit, m.UsageUnit, m.LowStockThreshold, m.Active, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: upsert material: %w", err)
	}
	return nil
}

func (q *queries) SetMaterialActive(ctx context.Context, id string, active bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE materials SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("ledger: set material active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMaterialNotFound
	}
	return nil
}

func (q *queries) InsertBatch(ctx context.Context, b Batch) error {
	_, err := q.db.Exec(ctx, `INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.MaterialID, b.ArrivedAt, b.Spec.Length, b.Spec.LengthUnit, b.Spec.Gauge,
		b.OriginalQuantity, b.CurrentQuantity, b.ActualWeight, b.UnitCost, b.Supplier)
	if err != nil {
		return fmt.Errorf("ledger: insert batch: %w", err)
	}
	return nil
}

func (q *queries) ApplyBatchDelta(ctx context.Context, id BatchID, delta fixed.Decimal) (Batch, error) {
	b, err := scanBatch(q.db.QueryRow(ctx, `
		UPDATE batches SET current_quantity = current_quantity + $2
		WHERE id = $1
		  AND current_quantity + $2 >= 0
		  AND current_quantity + $2 <= original_quantity
		RETURNING `+batchColumns, id, delta))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, fmt.Errorf("ledger: apply batch delta: %w", err)
	}
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Batch{}, fmt.Errorf("ledger: check batch: %w", err)
	}
	if !exists {
		return Batch{}, ErrBatchNotFound
	}
	return Batch{}, ErrOptimisticConflict
}

func (q *queries) InsertTransactions(ctx context.Context, txs []StockTransaction) error {
	for _, t := range txs {
		_, err := q.db.Exec(ctx, `INSERT INTO stock_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			t.ID, string(t.Type), t.MaterialID, t.BatchID, t.QuantityDelta, t.Unit,
			t.CostDelta, t.WeightDelta, t.OccurredAt, t.Actor, t.PlanID, t.Reason)
		if err != nil {
			return fmt.Errorf("ledger: insert transaction: %w", err)
		}
	}
	return nil
}

func (q *queries) RegisterCommittedPlan(ctx context.Context, planID, kind string, at time.Time) error {
	_, err := q.db.Exec(ctx, `INSERT INTO committed_plans (plan_id, kind, committed_at) VALUES ($1, $2, $3)`, planID, kind, at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyCommitted
		}
		return fmt.Errorf("ledger: register committed plan: %w", err)
	}
	return nil
}

func (q *queries) SaveCuttingPlan(ctx context.Context, p CuttingPlan) error {
	cuts, assignments, unsat, shortages, err := encodePlanParts(p)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `INSERT INTO cutting_plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.MaterialID, p.Gauge, p.Reference, string(p.Policy), p.Kerf, cuts, assignments, unsat, shortages,
		p.TotalScrap, p.PipeCount, string(p.Status), p.CreatedAt, p.CommittedAt, p.CommittedBy)
	if err != nil {
		return fmt.Errorf("ledger: save cutting plan: %w", err)
	}
	return nil
}

func (q *queries) MarkCuttingPlanCommitted(ctx context.Context, p CuttingPlan) error {
	_, assignments, _, _, err := encodePlanParts(p)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE cutting_plans
		SET status = $2, assignments = $3, committed_at = $4, committed_by = $5
		WHERE id = $1 AND status = $6`,
		p.ID, string(PlanCommitted), assignments, p.CommittedAt, p.CommittedBy, string(PlanDraft))
	if err != nil {
		return fmt.Errorf("ledger: mark cutting plan committed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyCommitted
	}
	return nil
}

func encodePlanParts(p CuttingPlan) (cuts, assignments, unsat, shortages []byte, err error) {
	if cuts, err = json.Marshal(p.Cuts); err != nil {
		return
	}
	if assignments, err = json.Marshal(p.Assignments); err != nil {
		return
	}
	if unsat, err = json.Marshal(p.Unsatisfied); err != nil {
		return
	}
	shortages, err = json.Marshal(p.Shortages)
	return
}
