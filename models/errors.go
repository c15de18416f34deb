package models

import (
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/production_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

// ValidationError reports a malformed or out-of-range input.
type ValidationError struct {
	Field      string
	MaterialId int
	Message    string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.MaterialId > 0 {
		fmt.Fprintf(&b, " for material_id=%d", e.MaterialId)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " on %s", e.Field)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// NotFoundError names the missing task, material, batch or order.
type NotFoundError struct {
	Resource string
	Id       int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s id=%d not found", e.Resource, e.Id)
}

// Is lets callers keep matching on utils.ErrorRecordNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == utils.ErrorRecordNotFound
}

// InsufficientStockError is raised when consumption cannot be covered.
// Reservation shortfalls are returned as data instead.
type InsufficientStockError struct {
	MaterialId   int
	MaterialName string
	BatchId      int
	Requested    decimal.Decimal
	Available    decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	if e.BatchId > 0 && e.MaterialId == 0 {
		return fmt.Sprintf("insufficient stock on batch_id=%d: requested %s, available %s",
			e.BatchId, e.Requested.String(), e.Available.String())
	}
	return fmt.Sprintf("insufficient stock for material %q (material_id=%d): requested %s, available %s",
		e.MaterialName, e.MaterialId, e.Requested.String(), e.Available.String())
}

type DuplicateConfirmationError struct {
	TaskId int
}

func (e *DuplicateConfirmationError) Error() string {
	return fmt.Sprintf("consumption already confirmed for task_id=%d", e.TaskId)
}

// ConcurrencyConflictError covers lock contention and lost version races.
type ConcurrencyConflictError struct {
	Resource string
	Key      string
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrent modification of %s %s: %v", e.Resource, e.Key, e.Err)
	}
	return fmt.Sprintf("concurrent modification of %s %s", e.Resource, e.Key)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target) || errors.Is(err, utils.ErrorRecordNotFound)
}

func IsInsufficientStockError(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}

func IsDuplicateConfirmationError(err error) bool {
	var target *DuplicateConfirmationError
	return errors.As(err, &target)
}

func IsConcurrencyConflictError(err error) bool {
	var target *ConcurrencyConflictError
	return errors.As(err, &target)
}

// isLockConflictErr matches MySQL deadlock (1213) and lock wait timeout (1205).
func isLockConflictErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

// classifyDbError maps driver contention errors onto ConcurrencyConflictError.
func classifyDbError(err error, resource string, id int) error {
	if err == nil {
		return nil
	}
	if isLockConflictErr(err) {
		return &ConcurrencyConflictError{Resource: resource, Key: fmt.Sprint(id), Err: err}
	}
	return err
}
