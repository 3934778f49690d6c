package models

import (
	"encoding/json"
)

// FetcherDefinition describes a read-only data pull a source offers.
type FetcherDefinition struct {
	ID             string   `json:"id"`
	Classification string   `json:"classification"`
	Description    string   `json:"description"`
	Format         string   `json:"format"`
	SupportedTypes []string `json:"supported_types"`
}

// Validate checks the descriptor shape; the format must be registered.
func (f FetcherDefinition) Validate() error {
	is := &issues{}
	if !ValidSlug(f.ID) {
		is.add("id", "id must be a lowercase slug")
	}
	if f.Classification == "" {
		is.add("classification", reasonRequired)
	}
	if f.Description == "" {
		is.add("description", reasonRequired)
	}
	if !KnownFormat(f.Format) {
		is.addf("format", "Unknown format %s", f.Format)
	}
	checkTypes(is, f.SupportedTypes)
	return is.err()
}

// FetcherResult carries the fetched data. Data is set exactly when the
// outcome is success and must match Format.
type FetcherResult struct {
	Outcome Outcome     `json:"outcome"`
	Format  string      `json:"format"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
	Link    string      `json:"link,omitempty"`
}

// NewFetcherResult builds and validates a result.
func NewFetcherResult(outcome Outcome, format string, data interface{}) (FetcherResult, error) {
	r := FetcherResult{Outcome: outcome, Format: format, Data: data}
	if err := r.Validate(); err != nil {
		return FetcherResult{}, err
	}
	return r, nil
}

// FetcherFailure builds a failed result.
func FetcherFailure(format, message string) FetcherResult {
	return FetcherResult{Outcome: OutcomeFailure, Format: format, Error: message}
}

func (r FetcherResult) Validate() error {
	if !r.Outcome.valid() {
		return validationf("outcome", "Input should be 'success' or 'failure'")
	}
	if r.Outcome == OutcomeFailure {
		if r.Data != nil {
			return validationf("data", "Data must be null if outcome is failure")
		}
		return nil
	}
	if r.Data == nil {
		return validationf("data", "Data must be set if outcome is success")
	}
	if err := checkData(r.Format, r.Data); err != nil {
		return wrapValidation("data", err)
	}
	return nil
}

// ParseFetcherResult validates an untrusted fetcher result and decodes its
// data into the registered type for its format.
func ParseFetcherResult(data []byte) (FetcherResult, error) {
	var wire struct {
		Outcome Outcome         `json:"outcome"`
		Format  string          `json:"format"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Link    string          `json:"link"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return FetcherResult{}, validationf("", "Invalid JSON: %s", err)
	}
	r := FetcherResult{Outcome: wire.Outcome, Format: wire.Format, Error: wire.Error, Link: wire.Link}
	if len(wire.Data) > 0 && string(wire.Data) != "null" {
		out, err := DecodeResult(wire.Format, wire.Data)
		if err != nil {
			return FetcherResult{}, wrapValidation("data", err)
		}
		r.Data = out
	}
	if err := r.Validate(); err != nil {
		return FetcherResult{}, err
	}
	return r, nil
}
