package attendance

import (
	"time"

	"gorm.io/datatypes"
)

// StudentSession is one student's presence in a lesson, open until checkout.
type StudentSession struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	StudentID     int64          `json:"student_id" gorm:"not null;index:idx_student_sessions_open,priority:1"`
	LessonID      int64          `json:"lesson_id" gorm:"not null"`
	Level         string         `json:"level" gorm:"size:32;not null"`
	Override      bool           `json:"override"`
	CheckinEvent  string         `json:"checkin_event" gorm:"size:64;not null;uniqueIndex"`
	CheckoutEvent *string        `json:"checkout_event,omitempty" gorm:"size:64;index"`
	CheckedInAt   time.Time      `json:"checked_in_at" gorm:"not null"`
	CheckedOutAt  *time.Time     `json:"checked_out_at,omitempty" gorm:"index:idx_student_sessions_open,priority:2"`
	Source        datatypes.JSON `json:"source"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StaffShift is one staff member's working period, open until checkout.
type StaffShift struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	StaffID       int64          `json:"staff_id" gorm:"not null;index:idx_staff_shifts_open,priority:1"`
	CheckinEvent  string         `json:"checkin_event" gorm:"size:64;not null;uniqueIndex"`
	CheckoutEvent *string        `json:"checkout_event,omitempty" gorm:"size:64;index"`
	CheckedInAt   time.Time      `json:"checked_in_at" gorm:"not null"`
	CheckedOutAt  *time.Time     `json:"checked_out_at,omitempty" gorm:"index:idx_staff_shifts_open,priority:2"`
	Source        datatypes.JSON `json:"source"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type studentCheckin struct {
	StudentID int64  `json:"studentId"`
	LessonID  int64  `json:"lessonId"`
	Level     string `json:"level"`
	Override  bool   `json:"override"`
}

type studentCheckout struct {
	StudentID int64 `json:"studentId"`
	SessionID int64 `json:"sessionId"`
}

type staffCheckin struct {
	StaffID int64 `json:"staffId"`
}

type staffCheckout struct {
	StaffID int64 `json:"staffId"`
	ShiftID int64 `json:"shiftId"`
}
