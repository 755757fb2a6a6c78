package aggregator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// DefaultMaxItemsPerDealer caps each dealer's result set when unset
	DefaultMaxItemsPerDealer = 5
)

// DefaultSearchTerms are used when the input names none
var DefaultSearchTerms = []string{"Silver coin"}

// ErrInvalidInput is returned for run input that cannot be used
var ErrInvalidInput = errors.New("invalid run input")

// Input is the run configuration supplied by the caller
type Input struct {
	SearchTerms       []string `json:"search_terms"`
	MaxItemsPerDealer int      `json:"max_items_per_dealer"`
	Dealers           []string `json:"dealers,omitempty"`
}

// RunRequest is the input handed to every dealer job
type RunRequest struct {
	SearchTerms []string `json:"search_terms"`
	MaxItems    int      `json:"max_items"`
}

// rawInput distinguishes absent keys from zero values
type rawInput struct {
	SearchTerms       []string `json:"search_terms"`
	MaxItemsPerDealer *int     `json:"max_items_per_dealer"`
	Dealers           []string `json:"dealers"`
}

// ParseInput decodes run input JSON and fills defaults for absent keys.
// An empty or null document is treated as {}.
func ParseInput(data []byte) (Input, error) {
	var raw rawInput

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return Input{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	in := Input{
		SearchTerms: raw.SearchTerms,
		Dealers:     raw.Dealers,
	}
	if in.SearchTerms == nil {
		in.SearchTerms = append([]string(nil), DefaultSearchTerms...)
	}
	if raw.MaxItemsPerDealer != nil {
		in.MaxItemsPerDealer = *raw.MaxItemsPerDealer
	} else {
		in.MaxItemsPerDealer = DefaultMaxItemsPerDealer
	}

	if err := in.Validate(); err != nil {
		return Input{}, err
	}

	return in, nil
}

// Validate checks the input for values no dealer job can accept
func (in Input) Validate() error {
	if in.MaxItemsPerDealer < 0 {
		return fmt.Errorf("%w: max_items_per_dealer must not be negative, got %d", ErrInvalidInput, in.MaxItemsPerDealer)
	}
	return nil
}

// Request builds the per-dealer job input
func (in Input) Request() RunRequest {
	return RunRequest{
		SearchTerms: in.SearchTerms,
		MaxItems:    in.MaxItemsPerDealer,
	}
}
