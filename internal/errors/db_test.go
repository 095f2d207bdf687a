package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_ContextErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: context.Canceled, wantCode: ErrCodeCanceled},
		{name: "wrapped canceled", err: fmt.Errorf("query: %w", context.Canceled), wantCode: ErrCodeCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(MapDBError(tt.err)); got != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", got, tt.wantCode)
			}
		})
	}
}

func TestMapDBError_NoRows(t *testing.T) {
	if err := MapDBError(pgx.ErrNoRows); !IsNotFound(err) {
		t.Errorf("MapDBError(pgx.ErrNoRows) should be NotFound, got %v", GetCode(err))
	}
}

func TestMapDBError_UniqueViolation(t *testing.T) {
	tests := []struct {
		name         string
		pgErr        *pgconn.PgError
		wantField    string
		wantSentinel bool
	}{
		{
			name: "client id duplicate",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "jobs_project_client_id_key",
				Detail:         `Key (project_id, client_id)=(p, c) already exists.`,
			},
			wantField:    "project_id, client_id",
			wantSentinel: true,
		},
		{
			name: "column metadata",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "pipelines_pkey",
				ColumnName:     "id",
			},
			wantField: "id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsConflict(err) {
				t.Fatalf("MapDBError() should be Conflict, got %v", GetCode(err))
			}
			if field := GetField(err); field != tt.wantField {
				t.Errorf("MapDBError() field = %v, want %v", field, tt.wantField)
			}
			if got := errors.Is(err, model.ErrJobExists); got != tt.wantSentinel {
				t.Errorf("errors.Is(err, ErrJobExists) = %v, want %v", got, tt.wantSentinel)
			}
			if !IsUniqueViolation(err) {
				t.Errorf("IsUniqueViolation() = false, want true")
			}
		})
	}
}

func TestMapDBError_ConstraintViolations(t *testing.T) {
	tests := []struct {
		code     string
		wantCode ErrorCode
	}{
		{code: pgerrcode.CheckViolation, wantCode: ErrCodeValidation},
		{code: pgerrcode.NotNullViolation, wantCode: ErrCodeValidation},
		{code: pgerrcode.QueryCanceled, wantCode: ErrCodeTimeout},
		{code: pgerrcode.DeadlockDetected, wantCode: ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := MapDBError(&pgconn.PgError{Code: tt.code, ColumnName: "status"})
			if got := GetCode(err); got != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", got, tt.wantCode)
			}
		})
	}
}

func TestMapDBError_StandardError(t *testing.T) {
	plain := errors.New("boom")
	if err := MapDBError(plain); !errors.Is(err, plain) || GetCode(err) != "" {
		t.Errorf("MapDBError() should pass through unrecognised errors, got %v", err)
	}
}
