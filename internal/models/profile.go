package models

import "time"

// Profile is the account record written at registration. A subject without
// one is never authorized, whatever credential it presents.
type Profile struct {
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}
