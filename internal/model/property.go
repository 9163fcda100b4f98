package model

import "time"

// Property is a PG (boarding house). It bounds which tags and rooms a caller sees.
type Property struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Address   string     `json:"address,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Room is a lettable room inside a property.
type Room struct {
	ID         int64      `json:"id"`
	PropertyID int64      `json:"propertyId"`
	Number     string     `json:"number"`
	Floor      string     `json:"floor,omitempty"`
	Capacity   int        `json:"capacity"`
	CreatedAt  time.Time  `json:"createdAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}
