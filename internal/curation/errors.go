package curation

import "errors"

var (
	// ErrGenerationFailed wraps a completion provider failure. The slot is left untouched.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrGenerationInProgress rejects a second generate for a record that is still pending
	ErrGenerationInProgress = errors.New("generation already in progress")
	// ErrEmptyText rejects a finalize with blank text
	ErrEmptyText = errors.New("text must not be empty")
	// ErrNotGenerated rejects a finalize for a record that has no generated output yet
	ErrNotGenerated = errors.New("record has not been generated")
	// ErrUnknownRecord means the record id is not part of the dataset
	ErrUnknownRecord = errors.New("unknown record")
	// ErrNoActiveDataset means no dataset has been selected yet
	ErrNoActiveDataset = errors.New("no active dataset")
	// ErrNotSelected means the dataset has not been selected in this process
	ErrNotSelected = errors.New("dataset not selected")
)
