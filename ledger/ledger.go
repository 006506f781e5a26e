// Package ledger implements the append-only credit accounting for jobs.
//
// Every operation is transactional against the relational store. For any
// completed job the ledger holds exactly one job_reserve with a negative
// delta and exactly one of job_final or job_refund reconciling the reserve
// to the actual usage; the sum of a job's deltas is therefore either
// -actual_credits (successful completion) or 0 (refund).
package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lirevox.dev/common"
	"lirevox.dev/db"
)

// ErrInsufficientCredits is returned by Reserve when the user's current
// monthly balance cannot cover the estimate.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Service performs ledger operations. It owns no state beyond the database
// handle; balances are always computed from the entries.
type Service struct {
	db *gorm.DB
}

// NewService creates a ledger service on the given database handle.
func NewService(gdb *gorm.DB) *Service {
	return &Service{db: gdb}
}

// Balance returns the user's current-month balance: the sum of all signed
// deltas in the month bucket.
func (s *Service) Balance(userID uint) (int, error) {
	return s.balanceTx(s.db, userID, common.MonthBucket(time.Now()))
}

func (s *Service) balanceTx(tx *gorm.DB, userID uint, month string) (int, error) {
	var total struct{ Sum *int }
	err := tx.Model(&db.CreditLedgerEntry{}).
		Select("SUM(delta) AS sum").
		Where("user_id = ? AND month = ?", userID, month).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance for user %d: %w", userID, err)
	}
	if total.Sum == nil {
		return 0, nil
	}
	return *total.Sum, nil
}

// Reserve checks the monthly balance and inserts a job_reserve entry with a
// negative delta. Fails with ErrInsufficientCredits when the balance does
// not cover the estimate; in that case no entry is written.
func (s *Service) Reserve(userID, jobID uint, estimatedCredits int, pricingVersion string) error {
	if estimatedCredits < 0 {
		return fmt.Errorf("estimated credits must not be negative, got %d", estimatedCredits)
	}
	month := common.MonthBucket(time.Now())
	return s.db.Transaction(func(tx *gorm.DB) error {
		balance, err := s.balanceTx(tx, userID, month)
		if err != nil {
			return err
		}
		if balance < estimatedCredits {
			return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, balance, estimatedCredits)
		}
		entry := db.CreditLedgerEntry{
			UserID:         userID,
			Month:          month,
			Delta:          -estimatedCredits,
			Reason:         common.LedgerJobReserve,
			JobID:          &jobID,
			PricingVersion: pricingVersion,
			Description:    fmt.Sprintf("reserve for job %d", jobID),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to insert reserve: %w", err)
		}
		return nil
	})
}

// Finalize reconciles the reserve against actual usage with a job_final
// entry of delta -(actual - estimated). When actual ran below the estimate
// the delta is positive and the difference flows back to the user.
func (s *Service) Finalize(userID, jobID uint, estimatedCredits, actualCredits int) error {
	adjustment := actualCredits - estimatedCredits
	month := common.MonthBucket(time.Now())
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&db.CreditLedgerEntry{}).
			Where("job_id = ? AND reason = ?", jobID, common.LedgerJobFinal).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("failed to check existing final: %w", err)
		}
		if existing > 0 {
			// Finalize retries re-enter here; the ledger stays single-entry.
			return nil
		}
		entry := db.CreditLedgerEntry{
			UserID:         userID,
			Month:          month,
			Delta:          -adjustment,
			Reason:         common.LedgerJobFinal,
			JobID:          &jobID,
			PricingVersion: common.PricingVersion,
			Description:    fmt.Sprintf("final for job %d: actual %d, estimated %d", jobID, actualCredits, estimatedCredits),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to insert final: %w", err)
		}
		return nil
	})
}

// Refund reverses the reserve on cancellation or fatal early failure.
// Guarded against double refunds by looking up an existing job_refund.
func (s *Service) Refund(userID, jobID uint, estimatedCredits int) error {
	month := common.MonthBucket(time.Now())
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&db.CreditLedgerEntry{}).
			Where("job_id = ? AND reason = ?", jobID, common.LedgerJobRefund).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("failed to check existing refund: %w", err)
		}
		if existing > 0 {
			return nil
		}
		entry := db.CreditLedgerEntry{
			UserID:         userID,
			Month:          month,
			Delta:          estimatedCredits,
			Reason:         common.LedgerJobRefund,
			JobID:          &jobID,
			PricingVersion: common.PricingVersion,
			Description:    fmt.Sprintf("refund for job %d", jobID),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to insert refund: %w", err)
		}
		return nil
	})
}

// MonthlyGrant credits the user's monthly allowance. Idempotent per
// (user, month): repeated grants within the same bucket are no-ops.
func (s *Service) MonthlyGrant(userID uint, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	month := common.MonthBucket(time.Now())
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&db.CreditLedgerEntry{}).
			Where("user_id = ? AND month = ? AND reason = ?", userID, month, common.LedgerMonthlyGrant).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("failed to check existing grant: %w", err)
		}
		if existing > 0 {
			return nil
		}
		entry := db.CreditLedgerEntry{
			UserID:      userID,
			Month:       month,
			Delta:       amount,
			Reason:      common.LedgerMonthlyGrant,
			Description: fmt.Sprintf("monthly grant %s", month),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to insert grant: %w", err)
		}
		return nil
	})
}

// JobTotal returns the sum of a job's ledger deltas. For a terminal job it
// is either -actual_credits or zero.
func (s *Service) JobTotal(jobID uint) (int, error) {
	var total struct{ Sum *int }
	err := s.db.Model(&db.CreditLedgerEntry{}).
		Select("SUM(delta) AS sum").
		Where("job_id = ?", jobID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger for job %d: %w", jobID, err)
	}
	if total.Sum == nil {
		return 0, nil
	}
	return *total.Sum, nil
}
