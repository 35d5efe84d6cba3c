package app

import (
	"net/http"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const maxBodyBytes = 4 << 20

type scrapeRequest struct {
	URL    string `json:"url"`
	TeamID string `json:"teamId"`
}

// Validate checks presence only; URL shape is the content service's call.
func (r scrapeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required, validation.Length(1, 2048)),
		validation.Field(&r.TeamID, validation.Required),
	)
}

type updateNodeRequest struct {
	Content    *string `json:"content"`
	DocumentID string  `json:"documentId"`
}

func (r updateNodeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.NotNil),
	)
}

func queryBool(r *http.Request, key string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && value
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
