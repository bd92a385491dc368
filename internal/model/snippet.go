// Package model defines the data structures shared by the service, storage and
// HTTP layers.
package model

import "time"

// Snippet is saved code. A session can run it as savedCode ahead of the code
// being edited, which is how setup code is kept out of the editor.
type Snippet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
