package sieveengine

import (
	"fmt"
	"strings"
)

// SupportedExtensions lists the extensions go-sieve can validate and
// execute. Core commands (require, if, stop, redirect, keep, discard) are
// always available.
var SupportedExtensions = []string{
	"fileinto",
	"envelope",
	"encoded-character",

	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
	"comparator-i;unicode-casemap",

	"imap4flags",
	"variables",
	"relational",
	"vacation",
	"copy",
	"regex",
}

// DefaultExtensions is used when no extensions are configured.
var DefaultExtensions = []string{
	"fileinto",
	"vacation",
	"envelope",
	"imap4flags",
	"variables",
	"relational",
	"copy",
	"regex",
}

// ValidateExtensions returns an error naming every extension go-sieve
// does not know.
func ValidateExtensions(extensions []string) error {
	supported := make(map[string]bool, len(SupportedExtensions))
	for _, ext := range SupportedExtensions {
		supported[ext] = true
	}

	var invalid []string
	for _, ext := range extensions {
		if !supported[ext] {
			invalid = append(invalid, ext)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("unsupported sieve extensions: %s", strings.Join(invalid, ", "))
	}
	return nil
}
