package extractor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPassesQualityGateAcceptsRealBody(t *testing.T) {
	body := strings.Repeat("This is a normal sentence with real words in it. ", 20)
	assert.True(t, PassesQualityGate(body, DefaultQualityConfig()))
}

func TestPassesQualityGateRejectsTooShort(t *testing.T) {
	assert.False(t, PassesQualityGate("too short", DefaultQualityConfig()))
}

func TestPassesQualityGateRejectsMostlyPunctuation(t *testing.T) {
	body := strings.Repeat("... --- !!! *** ### ", 30)
	assert.False(t, PassesQualityGate(body, DefaultQualityConfig()))
}

func TestPassesQualityGateRejectsRepeatedBoilerplate(t *testing.T) {
	body := strings.Repeat("menu home contact menu home contact ", 30)
	assert.False(t, PassesQualityGate(body, DefaultQualityConfig()))
}
