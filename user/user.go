package user

import "time"

// User is the internal identity everything else keys on. The ID is a UUID
// minted at signup and is never shared with the payment provider except as
// opaque metadata.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex"`
	CreatedAt time.Time `json:"createdAt"`
}
