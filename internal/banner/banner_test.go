package banner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrintAlignsLabels(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, "baresip control bridge", []ConfigLine{
		{Label: "Baresip", Value: "baresip:4444"},
		{Label: "HTTP API", Value: "0.0.0.0:8080"},
	})

	out := buf.String()
	assert.Contains(t, out, "baresip control bridge\n")
	assert.Contains(t, out, "  Baresip  : baresip:4444\n")
	assert.Contains(t, out, "  HTTP API : 0.0.0.0:8080\n")
	assert.True(t, strings.HasSuffix(out, footer+"\n\n"))
}
