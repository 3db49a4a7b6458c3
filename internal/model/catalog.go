package model

import "time"

// Dataset references an uploaded CSV of signal captures. ObjectKey is the
// blob-store key of the raw file.
type Dataset struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	ObjectKey string    `gorm:"type:varchar(512);not null" json:"object_key"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// Room describes the physical space a job localizes within.
type Room struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Length    float64   `gorm:"not null" json:"length"`
	Width     float64   `gorm:"not null" json:"width"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// Method selects a trained model artifact. ObjectKey is the blob-store key
// of the serialized model.
type Method struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	ObjectKey string    `gorm:"type:varchar(512);not null" json:"object_key"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}
