package models

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// fallbackName ersetzt Namen, von denen nach dem Bereinigen nichts übrig bleibt.
const fallbackName = "dataset"

var pathSeparators = strings.NewReplacer("/", " ", "\\", " ")

// SecureFilename macht aus einem beliebigen String ein sicheres Pfadsegment.
// Verhalten wie werkzeug.secure_filename: NFKD, nur ASCII, Whitespace und
// Pfadtrenner werden zu "_", alles außerhalb von [A-Za-z0-9_.-] entfällt,
// führende/abschließende Punkte und Unterstriche sowie führende Bindestriche
// werden entfernt. Das Ergebnis kann leer sein.
func SecureFilename(name string) string {
	decomposed := norm.NFKD.String(name)

	var ascii strings.Builder
	for _, r := range decomposed {
		if r < utf8.RuneSelf {
			ascii.WriteRune(r)
		}
	}

	joined := strings.Join(strings.Fields(pathSeparators.Replace(ascii.String())), "_")

	var safe strings.Builder
	for _, r := range joined {
		if isSafeNameRune(r) {
			safe.WriteRune(r)
		}
	}

	out := strings.Trim(safe.String(), "._")
	return strings.TrimLeft(out, "-._")
}

func isSafeNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '.', r == '-':
		return true
	}
	return false
}

// CanonicalName leitet den Verzeichnis- und Objektnamen eines Datensatzes aus
// Akronym und Versionsliste ab. Zwei verschiedene Schlüssel können auf denselben
// Namen abbilden ("DS 1" und "DS_1"); die Registry prüft solche Kollisionen.
func CanonicalName(acronym string, versions []string) string {
	raw := acronym
	if len(versions) > 0 {
		raw = acronym + "." + strings.Join(versions, ".")
	}
	if name := SecureFilename(raw); name != "" {
		return name
	}
	return fallbackName
}
