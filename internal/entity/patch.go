package entity

import (
	"fmt"
)

// PinPatch is a partial pin. Nil fields are left unchanged.
type PinPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Category    *string   `json:"category,omitempty"`
	ImageURLs   *[]string `json:"imageUrls,omitempty"`
}

// FullPinPatch returns a patch that sets every field of f
func FullPinPatch(f PinFields) PinPatch {
	f = f.clone()
	return PinPatch{
		Title:       &f.Title,
		Description: &f.Description,
		Latitude:    &f.Latitude,
		Longitude:   &f.Longitude,
		Category:    &f.Category,
		ImageURLs:   &f.ImageURLs,
	}
}

// IsEmpty reports whether the patch changes nothing
func (p PinPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Latitude == nil &&
		p.Longitude == nil && p.Category == nil && p.ImageURLs == nil
}

// Merge overlays newer onto p field by field; newer wins where set
func (p PinPatch) Merge(newer PinPatch) PinPatch {
	if newer.Title != nil {
		p.Title = newer.Title
	}
	if newer.Description != nil {
		p.Description = newer.Description
	}
	if newer.Latitude != nil {
		p.Latitude = newer.Latitude
	}
	if newer.Longitude != nil {
		p.Longitude = newer.Longitude
	}
	if newer.Category != nil {
		p.Category = newer.Category
	}
	if newer.ImageURLs != nil {
		p.ImageURLs = newer.ImageURLs
	}
	return p
}

// Apply writes the set fields onto f
func (p PinPatch) Apply(f *PinFields) {
	if p.Title != nil {
		f.Title = *p.Title
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Latitude != nil {
		f.Latitude = *p.Latitude
	}
	if p.Longitude != nil {
		f.Longitude = *p.Longitude
	}
	if p.Category != nil {
		f.Category = *p.Category
	}
	if p.ImageURLs != nil {
		f.ImageURLs = append([]string(nil), (*p.ImageURLs)...)
	}
}

// ValidateCreate checks that a create carries the required pin fields
func (p PinPatch) ValidateCreate() error {
	if p.Title == nil || *p.Title == "" {
		return fmt.Errorf("pin title is required")
	}
	if p.Latitude == nil || p.Longitude == nil {
		return fmt.Errorf("pin coordinates are required")
	}
	return p.validateValues()
}

// ValidateUpdate checks that an update changes something valid
func (p PinPatch) ValidateUpdate() error {
	if p.IsEmpty() {
		return fmt.Errorf("pin update changes no fields")
	}
	if p.Title != nil && *p.Title == "" {
		return fmt.Errorf("pin title cannot be cleared")
	}
	return p.validateValues()
}

func (p PinPatch) validateValues() error {
	if p.Latitude != nil && (*p.Latitude < -90 || *p.Latitude > 90) {
		return fmt.Errorf("latitude %v out of range", *p.Latitude)
	}
	if p.Longitude != nil && (*p.Longitude < -180 || *p.Longitude > 180) {
		return fmt.Errorf("longitude %v out of range", *p.Longitude)
	}
	return nil
}

// FormPatch is a partial form. Nil fields are left unchanged and Answers
// merge key by key.
type FormPatch struct {
	PinID   *string           `json:"pinId,omitempty"`
	Title   *string           `json:"title,omitempty"`
	Status  *string           `json:"status,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
}

// FullFormPatch returns a patch that sets every field of f
func FullFormPatch(f FormFields) FormPatch {
	f = f.clone()
	return FormPatch{
		PinID:   &f.PinID,
		Title:   &f.Title,
		Status:  &f.Status,
		Answers: f.Answers,
	}
}

// IsEmpty reports whether the patch changes nothing
func (p FormPatch) IsEmpty() bool {
	return p.PinID == nil && p.Title == nil && p.Status == nil && len(p.Answers) == 0
}

// Merge overlays newer onto p; newer wins per field and per answer key
func (p FormPatch) Merge(newer FormPatch) FormPatch {
	if newer.PinID != nil {
		p.PinID = newer.PinID
	}
	if newer.Title != nil {
		p.Title = newer.Title
	}
	if newer.Status != nil {
		p.Status = newer.Status
	}
	if len(newer.Answers) > 0 {
		merged := make(map[string]string, len(p.Answers)+len(newer.Answers))
		for k, v := range p.Answers {
			merged[k] = v
		}
		for k, v := range newer.Answers {
			merged[k] = v
		}
		p.Answers = merged
	}
	return p
}

// Apply writes the set fields onto f
func (p FormPatch) Apply(f *FormFields) {
	if p.PinID != nil {
		f.PinID = *p.PinID
	}
	if p.Title != nil {
		f.Title = *p.Title
	}
	if p.Status != nil {
		f.Status = *p.Status
	}
	if len(p.Answers) > 0 {
		if f.Answers == nil {
			f.Answers = make(map[string]string, len(p.Answers))
		}
		for k, v := range p.Answers {
			f.Answers[k] = v
		}
	}
}

// ValidateCreate checks that a create carries the required form fields
func (p FormPatch) ValidateCreate() error {
	if p.PinID == nil || *p.PinID == "" {
		return fmt.Errorf("form pin id is required")
	}
	if p.Title == nil || *p.Title == "" {
		return fmt.Errorf("form title is required")
	}
	return nil
}

// ValidateUpdate checks that an update changes something valid
func (p FormPatch) ValidateUpdate() error {
	if p.IsEmpty() {
		return fmt.Errorf("form update changes no fields")
	}
	if p.PinID != nil && *p.PinID == "" {
		return fmt.Errorf("form pin id cannot be cleared")
	}
	return nil
}
