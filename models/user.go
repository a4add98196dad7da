package models

import "time"

// User ist ein attributierender Akteur. Harvesting nutzt ausschließlich den Systemakteur.
type User struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	CreatedAt   time.Time `json:"created_at"`
	Username    string    `json:"username" gorm:"not null;uniqueIndex"`
	Email       string    `json:"email"`
	IsActive    bool      `json:"is_active"`
	IsStaff     bool      `json:"is_staff"`
	IsSuperuser bool      `json:"is_superuser"`
}

func (User) TableName() string {
	return "users"
}
