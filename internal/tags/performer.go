package tags

import (
	"regexp"
	"strings"
)

// Performer carries the attributes a performer can contribute as tags.
type Performer struct {
	Name         string
	Ethnicity    string
	HairColor    string
	EyeColor     string
	Measurements string
}

// PerformerOptions selects which performer attributes become tags. CupSizes
// maps a cup letter (as found in the measurements) to a tag.
type PerformerOptions struct {
	TagEthnicity bool
	TagHairColor bool
	TagEyeColor  bool
	CupSizes     map[string]string
}

var cupPattern = regexp.MustCompile(`^\s*\d+\s*([A-Za-z]+)`)

// AddPerformer adds the performer's name tag plus the enabled attribute tags
// and returns the name tag.
func (s *Session) AddPerformer(p Performer, opts PerformerOptions) string {
	tag := s.Add(p.Name)
	if opts.TagEthnicity && p.Ethnicity != "" {
		s.Add(p.Ethnicity)
	}
	if opts.TagHairColor && p.HairColor != "" {
		s.Add(p.HairColor + " hair")
	}
	if opts.TagEyeColor && p.EyeColor != "" {
		s.Add(p.EyeColor + " eyes")
	}
	if cup := CupSize(p.Measurements); cup != "" {
		for letter, cupTag := range opts.CupSizes {
			if strings.EqualFold(letter, cup) {
				s.Add(cupTag)
				break
			}
		}
	}
	return tag
}

// CupSize extracts the cup letters from measurements like "34DD-24-36".
func CupSize(measurements string) string {
	m := cupPattern.FindStringSubmatch(measurements)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}
