package config

import (
	"strings"
)

// Talker voice profiles shipped with the omni model bundle.
const (
	SpeakerChelsie = "Chelsie"
	SpeakerEthan   = "Ethan"
)

var speakers = []string{SpeakerChelsie, SpeakerEthan}

// SpeakerNames lists the accepted talker_speaker values in canonical form.
func SpeakerNames() []string {
	return append([]string(nil), speakers...)
}

// SpeakerIndex returns the position of a canonical speaker name, which is
// also the speaker id fed to the talker and vocoder graphs.
func SpeakerIndex(name string) (int, bool) {
	for i, s := range speakers {
		if s == name {
			return i, true
		}
	}
	return 0, false
}

// NormalizeSpeaker maps a case-insensitive speaker name onto its canonical
// spelling. An empty name selects the first profile.
func NormalizeSpeaker(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return SpeakerChelsie, nil
	}
	for _, s := range speakers {
		if strings.EqualFold(s, name) {
			return s, nil
		}
	}
	return "", &InvalidConfigError{
		Key:    KeyTalkerSpeaker,
		Value:  raw,
		Reason: "unknown speaker (expected " + strings.Join(speakers, "|") + ")",
	}
}
