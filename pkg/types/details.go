package types

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
)

// Details is a category-specific set of extracted fields. It is a closed set
// of variants, one per category; the zero-field variant for CategoryOther is
// simply a nil Details.
type Details interface {
	Category() Category
	Validate() error
	isDetails()
}

// PersonalDetails holds facts about the person themself.
type PersonalDetails struct {
	Name     string `json:"name,omitempty"`
	Age      int    `json:"age,omitempty"`
	Birthday string `json:"birthday,omitempty"`
	Location string `json:"location,omitempty"`
	Relation string `json:"relation,omitempty"` // family member the fact is about, if any
}

// ProfessionalDetails holds work facts.
type ProfessionalDetails struct {
	Role     string `json:"role,omitempty"`
	Employer string `json:"employer,omitempty"`
	Industry string `json:"industry,omitempty"`
	Skill    string `json:"skill,omitempty"`
}

// PreferenceDetails holds a like or dislike.
type PreferenceDetails struct {
	Subject   string `json:"subject"`
	Sentiment string `json:"sentiment"` // "likes" | "dislikes" | "neutral"
}

// HobbyDetails holds a pastime.
type HobbyDetails struct {
	Activity string `json:"activity"`
	Level    string `json:"level,omitempty"`
}

// ContactDetails holds a way to reach the person.
type ContactDetails struct {
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Handle  string `json:"handle,omitempty"`
	Address string `json:"address,omitempty"`
}

func (PersonalDetails) Category() Category     { return CategoryPersonal }
func (ProfessionalDetails) Category() Category { return CategoryProfessional }
func (PreferenceDetails) Category() Category   { return CategoryPreferences }
func (HobbyDetails) Category() Category        { return CategoryHobbies }
func (ContactDetails) Category() Category      { return CategoryContact }

func (PersonalDetails) isDetails()     {}
func (ProfessionalDetails) isDetails() {}
func (PreferenceDetails) isDetails()   {}
func (HobbyDetails) isDetails()        {}
func (ContactDetails) isDetails()      {}

// Validate checks the personal fields.
func (d PersonalDetails) Validate() error {
	if d.Age < 0 || d.Age > 150 {
		return fmt.Errorf("%w: implausible age %d", ErrValidation, d.Age)
	}
	if d.Name == "" && d.Age == 0 && d.Birthday == "" && d.Location == "" && d.Relation == "" {
		return fmt.Errorf("%w: personal details are empty", ErrValidation)
	}
	return nil
}

// Validate checks the professional fields.
func (d ProfessionalDetails) Validate() error {
	if d.Role == "" && d.Employer == "" && d.Industry == "" && d.Skill == "" {
		return fmt.Errorf("%w: professional details are empty", ErrValidation)
	}
	return nil
}

// Validate checks the preference fields.
func (d PreferenceDetails) Validate() error {
	if strings.TrimSpace(d.Subject) == "" {
		return fmt.Errorf("%w: preference subject is required", ErrValidation)
	}
	switch d.Sentiment {
	case "likes", "dislikes", "neutral":
		return nil
	}
	return fmt.Errorf("%w: unknown preference sentiment %q", ErrValidation, d.Sentiment)
}

// Validate checks the hobby fields.
func (d HobbyDetails) Validate() error {
	if strings.TrimSpace(d.Activity) == "" {
		return fmt.Errorf("%w: hobby activity is required", ErrValidation)
	}
	return nil
}

// Validate checks the contact fields.
func (d ContactDetails) Validate() error {
	if d.Email == "" && d.Phone == "" && d.Handle == "" && d.Address == "" {
		return fmt.Errorf("%w: contact details are empty", ErrValidation)
	}
	if d.Email != "" {
		if _, err := mail.ParseAddress(d.Email); err != nil {
			return fmt.Errorf("%w: invalid email %q", ErrValidation, d.Email)
		}
	}
	return nil
}

// taggedDetails is the persisted form of a Details value.
type taggedDetails struct {
	Kind Category        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalDetails encodes d as {"kind": ..., "data": ...}. A nil Details
// encodes to nil.
func MarshalDetails(d Details) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return json.Marshal(taggedDetails{Kind: d.Category(), Data: data})
}

// UnmarshalDetails decodes the tagged form written by MarshalDetails and
// validates the result. Empty input yields a nil Details.
func UnmarshalDetails(raw []byte) (Details, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var tagged taggedDetails
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("%w: details: %v", ErrValidation, err)
	}

	var (
		d   Details
		err error
	)
	switch tagged.Kind {
	case CategoryPersonal:
		d, err = decodeVariant[PersonalDetails](tagged.Data)
	case CategoryProfessional:
		d, err = decodeVariant[ProfessionalDetails](tagged.Data)
	case CategoryPreferences:
		d, err = decodeVariant[PreferenceDetails](tagged.Data)
	case CategoryHobbies:
		d, err = decodeVariant[HobbyDetails](tagged.Data)
	case CategoryContact:
		d, err = decodeVariant[ContactDetails](tagged.Data)
	default:
		return nil, fmt.Errorf("%w: unknown details kind %q", ErrValidation, tagged.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s details: %v", ErrValidation, tagged.Kind, err)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeVariant[T Details](data json.RawMessage) (Details, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
