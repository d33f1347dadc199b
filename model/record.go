package model

import (
	"time"

	"gorm.io/datatypes"
)

// QuestRecord is a terminal quest run persisted to history. Rows are
// append-only; a run is written exactly once, on its terminal transition.
type QuestRecord struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	QuestID         string         `gorm:"index;not null" json:"quest_id"`
	RunID           string         `gorm:"index" json:"run_id"` // cooperative origin, empty for solo
	Title           string         `json:"title"`
	DurationMinutes int            `json:"duration_minutes"`
	Reward          int            `json:"reward"`
	Mode            string         `json:"mode"`
	Category        string         `json:"category"`
	Options         datatypes.JSON `json:"options"`
	Status          string         `gorm:"index;not null" json:"status"` // completed | failed
	StartTime       *time.Time     `json:"start_time"`
	StopTime        *time.Time     `json:"stop_time"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// StateEntry is one durable checkpoint value. Each logical key (pending
// template, start time, run id, ...) is an independent row so a partial
// crash recovers to the most recent durable checkpoint rather than an
// all-or-nothing blob.
type StateEntry struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PlayerProgress is the single-row aggregate of reward experience and the
// daily completion streak.
type PlayerProgress struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	XP              int        `json:"xp"`
	Streak          int        `json:"streak"`
	LastCompletedAt *time.Time `json:"last_completed_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
