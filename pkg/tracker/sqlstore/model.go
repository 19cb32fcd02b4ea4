package sqlstore

import (
	"time"

	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

type programRow struct {
	ProgramName        string     `gorm:"column:program_name;primaryKey;size:100"`
	LastSuccessfulTime *time.Time `gorm:"column:last_successful_time;precision:6"`
	LastRunTime        *time.Time `gorm:"column:last_run_time;precision:6"`
	Status             string     `gorm:"column:status;size:20;not null"`
	RecordsProcessed   int64      `gorm:"column:records_processed;not null;default:0"`
	ErrorMessage       *string    `gorm:"column:error_message;size:500"`
	LastRunID          *string    `gorm:"column:last_run_id;size:64"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime:false;precision:6"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime:false;precision:6"`
}

func (r programRow) toProgram() tracker.Program {
	p := tracker.Program{
		Name:             r.ProgramName,
		Status:           tracker.Status(r.Status),
		RecordsProcessed: r.RecordsProcessed,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}

	if r.LastSuccessfulTime != nil {
		p.LastSuccessfulTime = r.LastSuccessfulTime.UTC()
	}

	if r.LastRunTime != nil {
		p.LastRunTime = r.LastRunTime.UTC()
	}

	if r.ErrorMessage != nil {
		p.ErrorMessage = *r.ErrorMessage
	}

	if r.LastRunID != nil {
		p.LastRunID = *r.LastRunID
	}

	return p
}

func fromProgram(p tracker.Program) *programRow {
	return &programRow{
		ProgramName:        p.Name,
		LastSuccessfulTime: timePtr(p.LastSuccessfulTime),
		LastRunTime:        timePtr(p.LastRunTime),
		Status:             string(p.Status),
		RecordsProcessed:   p.RecordsProcessed,
		ErrorMessage:       stringPtr(p.ErrorMessage),
		LastRunID:          stringPtr(p.LastRunID),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
