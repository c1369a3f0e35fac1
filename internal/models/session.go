package models

import "time"

type Session struct {
	ID        int64
	Title     string
	CreatedAt time.Time
}
