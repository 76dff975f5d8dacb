package account

import "time"

// Account describes a user in postwise
type Account struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex"` // User's email address
	CreatedAt time.Time `json:"createdAt"`
}
