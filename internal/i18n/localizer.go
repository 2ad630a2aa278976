// Package i18n renders user-facing notification strings.
package i18n

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Catalog maps message keys to printf-style templates.
type Catalog map[string]string

// Localizer picks the best catalog for a requested locale and formats the
// message. A key missing from both the matched and the default catalog is
// returned unchanged.
type Localizer struct {
	tags     []language.Tag
	catalogs map[language.Tag]Catalog
	matcher  language.Matcher
}

// New builds a Localizer over the built-in catalogs with defaultLocale as the
// fallback.
func New(defaultLocale string) (*Localizer, error) {
	return NewWithCatalogs(defaultLocale, map[string]Catalog{
		"fr": french,
		"en": english,
	})
}

// NewWithCatalogs builds a Localizer over the given catalogs.
func NewWithCatalogs(defaultLocale string, catalogs map[string]Catalog) (*Localizer, error) {
	def, err := language.Parse(defaultLocale)
	if err != nil {
		return nil, fmt.Errorf("invalid default locale %q: %w", defaultLocale, err)
	}

	l := &Localizer{catalogs: make(map[language.Tag]Catalog, len(catalogs))}
	for name, cat := range catalogs {
		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog locale %q: %w", name, err)
		}
		l.catalogs[tag] = cat
	}
	if _, ok := l.catalogs[def]; !ok {
		return nil, fmt.Errorf("no catalog for default locale %q", defaultLocale)
	}

	// the matcher falls back to its first tag
	l.tags = append(l.tags, def)
	for tag := range l.catalogs {
		if tag != def {
			l.tags = append(l.tags, tag)
		}
	}
	l.matcher = language.NewMatcher(l.tags)
	return l, nil
}

// Match returns the supported tag used for locale.
func (l *Localizer) Match(locale string) language.Tag {
	if locale == "" {
		return l.tags[0]
	}
	desired, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(desired) == 0 {
		return l.tags[0]
	}
	_, idx, conf := l.matcher.Match(desired...)
	if conf == language.No {
		return l.tags[0]
	}
	return l.tags[idx]
}

// Translate renders key for locale with args.
func (l *Localizer) Translate(key, locale string, args ...any) string {
	tag := l.Match(locale)
	tmpl, ok := l.catalogs[tag][key]
	if !ok {
		tag = l.tags[0]
		if tmpl, ok = l.catalogs[tag][key]; !ok {
			return key
		}
	}
	if len(args) == 0 {
		return tmpl
	}
	return message.NewPrinter(tag).Sprintf(tmpl, args...)
}
