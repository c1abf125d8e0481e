package client

import "time"

// Profile is an audit client of the firm.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Industry  string    `json:"industry"`
	EIN       string    `json:"ein"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}
