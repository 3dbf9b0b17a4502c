// Package source reads uploaded alert spreadsheets and assembles per-row
// input text from the caller's column selection.
package source
