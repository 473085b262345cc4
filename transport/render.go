package transport

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"outreach/models"
)

// MergeFields are the values available to step templates as {{.FirstName}}
// and friends.
type MergeFields struct {
	Email     string
	FirstName string
	LastName  string
	FullName  string
	Company   string
	Position  string
	Sender    string
}

func mergeFields(c models.Contact, s models.Sender) MergeFields {
	full := c.FirstName
	if c.LastName != "" {
		if full != "" {
			full += " "
		}
		full += c.LastName
	}
	return MergeFields{
		Email:     c.Email,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		FullName:  full,
		Company:   c.Company,
		Position:  c.Position,
		Sender:    s.FromName,
	}
}

// Render fills merge tags in subject and body. The body is HTML-escaped per
// value; the subject is a plain header.
func Render(subject, body string, fields MergeFields) (string, string, error) {
	st, err := texttemplate.New("subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return "", "", fmt.Errorf("parse subject: %w", err)
	}
	var sb bytes.Buffer
	if err := st.Execute(&sb, fields); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}

	bt, err := template.New("body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", "", fmt.Errorf("parse body: %w", err)
	}
	var bb bytes.Buffer
	if err := bt.Execute(&bb, fields); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return sb.String(), bb.String(), nil
}
