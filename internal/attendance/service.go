// Package attendance is a reference implementation of the check-in and
// check-out business rules, stored with gorm.
//
// It enforces only the rules the sync path depends on: one open session per
// student, one open shift per staff member, and check-outs that close
// exactly one open record. Every row keeps the id and raw payload of the
// event that created or closed it.
package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/event"
)

// Service applies attendance events.
type Service struct {
	db *gorm.DB
}

// Open opens (or creates) a SQLite attendance database at path and
// migrates its tables.
func Open(path string) (*Service, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open attendance database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open attendance database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return New(db)
}

// New wraps an existing gorm connection and migrates the tables.
func New(db *gorm.DB) (*Service, error) {
	if err := db.AutoMigrate(&StudentSession{}, &StaffShift{}); err != nil {
		return nil, fmt.Errorf("migrate attendance tables: %w", err)
	}
	return &Service{db: db}, nil
}

// Close closes the underlying connection.
func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Register binds the four attendance kinds in reg.
func (s *Service) Register(reg *domain.Registry) {
	reg.Register(event.KindStudentCheckin, domain.HandlerFunc(s.StudentCheckin))
	reg.Register(event.KindStudentCheckout, domain.HandlerFunc(s.StudentCheckout))
	reg.Register(event.KindStaffCheckin, domain.HandlerFunc(s.StaffCheckin))
	reg.Register(event.KindStaffCheckout, domain.HandlerFunc(s.StaffCheckout))
}

// StudentCheckin opens a session. It rejects a student who already has an
// open session unless the session was opened by this same event.
func (s *Service) StudentCheckin(ctx context.Context, ev event.WireEvent) error {
	var in studentCheckin
	if err := decode(ev, &in); err != nil {
		return err
	}

	return s.transaction(ctx, func(tx *gorm.DB) error {
		var existing StudentSession
		err := tx.Where("checkin_event = ?", ev.ID).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		err = tx.Where("student_id = ? AND checked_out_at IS NULL", in.StudentID).First(&existing).Error
		if err == nil {
			return domain.Errorf(domain.CodeOpenSession,
				"student %d already checked in (session %d)", in.StudentID, existing.ID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		return tx.Create(&StudentSession{
			StudentID:    in.StudentID,
			LessonID:     in.LessonID,
			Level:        in.Level,
			Override:     in.Override,
			CheckinEvent: ev.ID,
			CheckedInAt:  event.FromMillis(ev.CreatedAt),
			Source:       datatypes.JSON(ev.Payload),
		}).Error
	})
}

// StudentCheckout closes the named session, or the student's open session
// when none is named.
func (s *Service) StudentCheckout(ctx context.Context, ev event.WireEvent) error {
	var in studentCheckout
	if err := decode(ev, &in); err != nil {
		return err
	}

	return s.transaction(ctx, func(tx *gorm.DB) error {
		if done, err := closedBy(tx, &StudentSession{}, ev.ID); err != nil || done {
			return err
		}

		var sess StudentSession
		q := tx.Where("student_id = ?", in.StudentID)
		if in.SessionID > 0 {
			q = q.Where("id = ?", in.SessionID)
		} else {
			q = q.Where("checked_out_at IS NULL").Order("checked_in_at DESC")
		}
		err := q.First(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Errorf(domain.CodeSessionNotFound, "no open session for student %d", in.StudentID)
		}
		if err != nil {
			return err
		}

		if sess.CheckedOutAt != nil {
			return domain.Errorf(domain.CodeAlreadyClosed, "session %d already checked out", sess.ID)
		}

		return tx.Model(&sess).Updates(map[string]any{
			"checked_out_at": event.FromMillis(ev.CreatedAt),
			"checkout_event": ev.ID,
		}).Error
	})
}

// StaffCheckin opens a shift.
func (s *Service) StaffCheckin(ctx context.Context, ev event.WireEvent) error {
	var in staffCheckin
	if err := decode(ev, &in); err != nil {
		return err
	}

	return s.transaction(ctx, func(tx *gorm.DB) error {
		var existing StaffShift
		err := tx.Where("checkin_event = ?", ev.ID).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		err = tx.Where("staff_id = ? AND checked_out_at IS NULL", in.StaffID).First(&existing).Error
		if err == nil {
			return domain.Errorf(domain.CodeOpenSession,
				"staff %d already checked in (shift %d)", in.StaffID, existing.ID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		return tx.Create(&StaffShift{
			StaffID:      in.StaffID,
			CheckinEvent: ev.ID,
			CheckedInAt:  event.FromMillis(ev.CreatedAt),
			Source:       datatypes.JSON(ev.Payload),
		}).Error
	})
}

// StaffCheckout closes the named shift, or the open one.
func (s *Service) StaffCheckout(ctx context.Context, ev event.WireEvent) error {
	var in staffCheckout
	if err := decode(ev, &in); err != nil {
		return err
	}

	return s.transaction(ctx, func(tx *gorm.DB) error {
		if done, err := closedBy(tx, &StaffShift{}, ev.ID); err != nil || done {
			return err
		}

		var shift StaffShift
		q := tx.Where("staff_id = ?", in.StaffID)
		if in.ShiftID > 0 {
			q = q.Where("id = ?", in.ShiftID)
		} else {
			q = q.Where("checked_out_at IS NULL").Order("checked_in_at DESC")
		}
		err := q.First(&shift).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Errorf(domain.CodeSessionNotFound, "no open shift for staff %d", in.StaffID)
		}
		if err != nil {
			return err
		}

		if shift.CheckedOutAt != nil {
			return domain.Errorf(domain.CodeAlreadyClosed, "shift %d already checked out", shift.ID)
		}

		return tx.Model(&shift).Updates(map[string]any{
			"checked_out_at": event.FromMillis(ev.CreatedAt),
			"checkout_event": ev.ID,
		}).Error
	})
}

// OpenSession returns the student's open session, if any.
func (s *Service) OpenSession(ctx context.Context, studentID int64) (*StudentSession, error) {
	var sess StudentSession
	err := s.db.WithContext(ctx).
		Where("student_id = ? AND checked_out_at IS NULL", studentID).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return &sess, nil
}

// Sessions returns all sessions for a student, oldest first.
func (s *Service) Sessions(ctx context.Context, studentID int64) ([]StudentSession, error) {
	sessions := []StudentSession{}
	err := s.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("checked_in_at ASC, id ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Shifts returns all shifts for a staff member, oldest first.
func (s *Service) Shifts(ctx context.Context, staffID int64) ([]StaffShift, error) {
	shifts := []StaffShift{}
	err := s.db.WithContext(ctx).
		Where("staff_id = ?", staffID).
		Order("checked_in_at ASC, id ASC").
		Find(&shifts).Error
	if err != nil {
		return nil, fmt.Errorf("list shifts: %w", err)
	}
	return shifts, nil
}

func (s *Service) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func decode(ev event.WireEvent, dst any) error {
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return domain.Wrap(domain.CodeValidation, fmt.Sprintf("decode %s payload", ev.Kind), err)
	}
	return nil
}

// closedBy reports whether a row of model was already checked out by eventID.
func closedBy(tx *gorm.DB, model any, eventID string) (bool, error) {
	var n int64
	if err := tx.Model(model).Where("checkout_event = ?", eventID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
