package storage

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxNameBytes = 200

// SanitizeFilename reduces a client supplied name to its final path
// component. Both slash styles count as separators; NUL and control
// characters are dropped. Empty, blank or dot-only results get a generated
// name.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == 0 || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimSpace(path.Base(name))

	switch name {
	case "", ".", "..", "/":
		return fallbackName()
	}
	if strings.Trim(name, ".") == "" {
		return fallbackName()
	}
	return truncateName(name)
}

func fallbackName() string {
	return "file-" + NewFileID()[:8]
}

// truncateName keeps names within filesystem limits, preserving a short
// extension and never cutting a rune in half.
func truncateName(name string) string {
	if len(name) <= maxNameBytes {
		return name
	}
	ext := path.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	cut := maxNameBytes - len(ext)
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut] + ext
}
