package database

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel trims surrounding whitespace and converts the label to Unicode NFC,
// so the same name typed on different keyboards maps to the same record.
func NormalizeLabel(label string) string {
	return norm.NFC.String(strings.TrimSpace(label))
}

// ValidateLabel normalizes label and rejects values that cannot be used as a store key.
// Labels become file names in the directory backend, so path delimiters are refused
// and a leading dot (hidden and temporary files) is not allowed.
func ValidateLabel(label string) (string, error) {
	label = NormalizeLabel(label)
	switch {
	case label == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidLabel)
	case strings.HasPrefix(label, "."):
		return "", fmt.Errorf("%w: %q starts with a dot", ErrInvalidLabel, label)
	case strings.ContainsAny(label, "/\\\x00"):
		return "", fmt.Errorf("%w: %q contains a path delimiter", ErrInvalidLabel, label)
	}
	for _, r := range label {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %q contains a control character", ErrInvalidLabel, label)
		}
	}
	return label, nil
}

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// FoldLabel normalizes a label for loose comparison (lowercase, no diacritics, spaces for dashes
// and underscores). Two labels with the same fold most likely name the same person.
func FoldLabel(label string) string {
	label = RemoveDiacritics(NormalizeLabel(label))
	label = strings.ToLower(label)
	label = strings.NewReplacer("-", " ", "_", " ").Replace(label)
	return label
}
