package models

import "time"

// ScheduledJob ist ein persistent registrierter, wiederkehrender Job.
type ScheduledJob struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	Name      string    `json:"name" gorm:"not null;uniqueIndex"`
	Kind      string    `json:"kind" gorm:"not null"`
	Spec      string    `json:"spec" gorm:"not null"`
}

func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}
