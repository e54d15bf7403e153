package models

import "time"

// User is the public part of an account. Credentials live with the account
// subsystem and are never loaded here.
type User struct {
	ID         string    `json:"_id" bson:"_id"`
	Name       string    `json:"name" bson:"name"`
	Email      string    `json:"email" bson:"email"`
	ProfilePic string    `json:"profilePic" bson:"profilePic"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Profile is the messageUser payload: a user plus their presence.
type Profile struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	ProfilePic string `json:"profilePic"`
	Online     bool   `json:"online"`
}

func (u *User) Profile(online bool) Profile {
	return Profile{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		ProfilePic: u.ProfilePic,
		Online:     online,
	}
}
