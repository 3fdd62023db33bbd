package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troupehq/troupe/internal/port/datastore"
)

// RecordStore provides the relational half of the record store: CRUD and
// listing. Semantic queries live in the chromem index; the hybrid adapter
// composes the two into the full datastore port.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore creates a RecordStore backed by the given pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

// Create stores a new record and returns it with its assigned id.
func (s *RecordStore) Create(ctx context.Context, storeID string, rec datastore.Record) (*datastore.Record, error) {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO records (store_id, fields, body)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		storeID, fields, rec.Text).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create record in %s: %w", storeID, err)
	}

	out := rec
	out.ID = id
	out.StoreID = storeID
	return &out, nil
}

// Get returns the record with the given id.
func (s *RecordStore) Get(ctx context.Context, storeID, id string) (*datastore.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, store_id, fields, body FROM records WHERE store_id = $1 AND id = $2`,
		storeID, id)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, notFoundWrap(err, "get record %s/%s", storeID, id)
	}
	return rec, nil
}

// Update replaces the record's fields and text.
func (s *RecordStore) Update(ctx context.Context, storeID, id string, rec datastore.Record) (*datastore.Record, error) {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE records SET fields = $3, body = $4, updated_at = now()
		 WHERE store_id = $1 AND id = $2
		 RETURNING id, store_id, fields, body`,
		storeID, id, fields, rec.Text)

	out, err := scanRecord(row)
	if err != nil {
		return nil, notFoundWrap(err, "update record %s/%s", storeID, id)
	}
	return out, nil
}

// Delete removes the record.
func (s *RecordStore) Delete(ctx context.Context, storeID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE store_id = $1 AND id = $2`, storeID, id)
	return execExpectOne(tag, err, "delete record %s/%s", storeID, id)
}

// List returns all records in the store, oldest first.
func (s *RecordStore) List(ctx context.Context, storeID string) ([]datastore.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, store_id, fields, body FROM records WHERE store_id = $1 ORDER BY created_at ASC`,
		storeID)
	if err != nil {
		return nil, fmt.Errorf("list records in %s: %w", storeID, err)
	}
	defer rows.Close()

	var recs []datastore.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanRecord(row scannable) (*datastore.Record, error) {
	var rec datastore.Record
	var fields []byte
	if err := row.Scan(&rec.ID, &rec.StoreID, &fields, &rec.Text); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return &rec, nil
}

// encodeFields normalizes a nil field map to an empty JSON object so the
// column round-trips cleanly.
func encodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return data, nil
}
