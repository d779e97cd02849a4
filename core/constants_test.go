package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasAllowedExtension(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		want    bool
	}{
		{"rules.yar", []string{".yar", ".yara"}, true},
		{"RULES.YARA", []string{".yar", ".yara"}, true},
		{"Security.evtx", []string{"evtx"}, true},
		{"Security.evtx", []string{" .EVTX "}, true},
		{"Security.evtx.", []string{".evtx"}, false},
		{"Security.evtx.txt", []string{".evtx"}, false},
		{"archive.tar.gz", []string{".tar.gz"}, false},
		{"evtx", []string{".evtx"}, false},
		{"xevtx", []string{"evtx"}, false},
		{"noext", []string{""}, false},
		{"rules.yml", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasAllowedExtension(tt.name, tt.allowed))
		})
	}
}
