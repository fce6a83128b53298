package account

import "time"

// Account describes a user in Inkwell. Creators and subscribers share the
// same account model; creators are simply accounts that own Plans.
type Account struct {
	ID                  string    `json:"id" gorm:"primaryKey"`
	Email               string    `json:"email" gorm:"uniqueIndex"`
	Name                string    `json:"name"`
	Admin               bool      `json:"admin"`
	ExternalCustomerRef string    `json:"externalCustomerRef"` // provider-side customer id, resolved lazily on first checkout
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}
