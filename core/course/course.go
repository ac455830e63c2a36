// Package course holds the course entity authored by teachers and admins.
package course

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-offline/core"
)

// Course is the data of a record of the courses collection.
type Course struct {
	Title        string     `json:"title" validate:"required,max=200"`
	Description  string     `json:"description,omitempty" validate:"max=5000"`
	OwnerID      string     `json:"owner_id" validate:"required"`
	Organization string     `json:"organization,omitempty"`
	StartsAt     *time.Time `json:"starts_at,omitempty"`
}

func (c *Course) Validate(validate *validator.Validate) error {
	c.Title = core.CleanString(c.Title)
	c.Description = core.CleanString(c.Description)
	c.Organization = core.CleanString(c.Organization)
	return validate.Struct(c)
}

// Collection is the remote collection courses are stored in.
func (Course) Collection() string { return core.CollectionCourses }

// NaturalKey identifies a course across sync passes: a title is unique per owner.
func (c Course) NaturalKey() []core.Field {
	return []core.Field{
		{Name: "title", Value: c.Title},
		{Name: "owner_id", Value: c.OwnerID},
	}
}
