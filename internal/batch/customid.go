package batch

import (
	"fmt"
	"strings"
)

// Batch request ids carry enough to route a result line back to its lot.
// Vision requests are "vision:<lot_id>". Translation requests are
// "tr:<lang>:<lot_id>" with the language first, since language codes
// never contain a colon but client lot ids might.
const (
	visionIDPrefix      = "vision:"
	translationIDPrefix = "tr:"
)

func visionCustomID(lotID string) string {
	return visionIDPrefix + lotID
}

func translationCustomID(lang, lotID string) string {
	return translationIDPrefix + lang + ":" + lotID
}

func parseVisionCustomID(id string) (lotID string, err error) {
	rest, ok := strings.CutPrefix(id, visionIDPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("malformed vision custom_id %q", id)
	}
	return rest, nil
}

func parseTranslationCustomID(id string) (lang, lotID string, err error) {
	rest, ok := strings.CutPrefix(id, translationIDPrefix)
	if !ok {
		return "", "", fmt.Errorf("malformed translation custom_id %q", id)
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed translation custom_id %q", id)
	}
	return parts[0], parts[1], nil
}
