package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// ErrRequestNotFound is returned when a request id is unknown
var ErrRequestNotFound = errors.New("request not found")

// RequestRepo is the postgres implementation of domain.RequestStore
type RequestRepo struct {
	db *DB
}

// NewRequestRepo creates a request repository
func NewRequestRepo(db *DB) *RequestRepo {
	return &RequestRepo{db: db}
}

var requestColumns = []string{
	"id", "user_id", "status", "prompt", "parameters", "payment_transaction_id",
	"uploaded_file_urls", "error", "result", "created_at", "updated_at", "completed_at",
}

// Create inserts a new request
func (r *RequestRepo) Create(ctx context.Context, req *domain.Request) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	query, params, err := psql.Insert("writing_requests").Columns(requestColumns...).Values(args...).ToSql()
	if err != nil {
		return fmt.Errorf("build insert request: %w", err)
	}
	if _, err := r.db.Pool.Exec(ctx, query, params...); err != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, err)
	}
	return nil
}

// Update overwrites the mutable columns of a request
func (r *RequestRepo) Update(ctx context.Context, req *domain.Request) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	query, params, err := psql.Update("writing_requests").
		SetMap(map[string]interface{}{
			"status":                 args[2],
			"payment_transaction_id": args[5],
			"error":                  args[7],
			"result":                 args[8],
			"updated_at":             args[10],
			"completed_at":           args[11],
		}).
		Where(sq.Eq{"id": req.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	tag, err := r.db.Pool.Exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("update request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, req.ID)
	}
	return nil
}

// Get loads one request
func (r *RequestRepo) Get(ctx context.Context, requestID string) (*domain.Request, error) {
	query, params, err := psql.Select(requestColumns...).From("writing_requests").Where(sq.Eq{"id": requestID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}
	req, err := scanRequest(r.db.Pool.QueryRow(ctx, query, params...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", requestID, err)
	}
	return req, nil
}

// List returns requests newest first
func (r *RequestRepo) List(ctx context.Context, opts domain.ListOptions) ([]*domain.Request, error) {
	q := psql.Select(requestColumns...).From("writing_requests").OrderBy("created_at DESC")
	if opts.UserID != "" {
		q = q.Where(sq.Eq{"user_id": opts.UserID})
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if opts.Since != nil {
		q = q.Where(sq.GtOrEq{"created_at": *opts.Since})
	}
	if opts.Limit > 0 {
		q = q.Limit(uint64(opts.Limit))
	}

	query, params, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list requests: %w", err)
	}
	rows, err := r.db.Pool.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Request, 0, 16)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func requestArgs(req *domain.Request) ([]interface{}, error) {
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	urls := req.UploadedFileURLs
	if urls == nil {
		urls = []string{}
	}
	files, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("marshal uploaded files: %w", err)
	}
	var errJSON, resultJSON []byte
	if req.Error != nil {
		if errJSON, err = json.Marshal(req.Error); err != nil {
			return nil, fmt.Errorf("marshal request error: %w", err)
		}
	}
	if req.Result != nil {
		if resultJSON, err = json.Marshal(req.Result); err != nil {
			return nil, fmt.Errorf("marshal request result: %w", err)
		}
	}
	return []interface{}{
		req.ID, req.UserID, string(req.Status), req.Prompt, params, req.PaymentTransactionID,
		files, errJSON, resultJSON, req.CreatedAt, req.UpdatedAt, req.CompletedAt,
	}, nil
}

func scanRequest(row pgx.Row) (*domain.Request, error) {
	var (
		req                                domain.Request
		status                             string
		params, files, errJSON, resultJSON []byte
		completedAt                        *time.Time
	)
	if err := row.Scan(&req.ID, &req.UserID, &status, &req.Prompt, &params, &req.PaymentTransactionID,
		&files, &errJSON, &resultJSON, &req.CreatedAt, &req.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	req.Status = domain.RequestStatus(status)
	req.CompletedAt = completedAt
	if err := json.Unmarshal(params, &req.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &req.UploadedFileURLs); err != nil {
			return nil, fmt.Errorf("decode uploaded files: %w", err)
		}
	}
	if len(errJSON) > 0 {
		req.Error = &domain.WorkflowError{}
		if err := json.Unmarshal(errJSON, req.Error); err != nil {
			return nil, fmt.Errorf("decode request error: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		req.Result = &domain.RequestResult{}
		if err := json.Unmarshal(resultJSON, req.Result); err != nil {
			return nil, fmt.Errorf("decode request result: %w", err)
		}
	}
	return &req, nil
}
