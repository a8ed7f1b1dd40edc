package security

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinWithin(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		elem    string
		want    string
		wantErr bool
	}{
		{name: "plain", dir: "plots", elem: "flight3", want: filepath.Join("plots", "flight3")},
		{name: "nested", dir: "plots", elem: "a/b", want: filepath.Join("plots", "a", "b")},
		{name: "inner dotdot", dir: "plots", elem: "a/../b", want: filepath.Join("plots", "b")},
		{name: "escape", dir: "plots", elem: "../etc", wantErr: true},
		{name: "deep escape", dir: "plots", elem: "a/../../etc", wantErr: true},
		{name: "absolute", dir: "plots", elem: "/etc/passwd", wantErr: true},
		{name: "self", dir: "plots", elem: ".", wantErr: true},
		{name: "empty", dir: "plots", elem: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinWithin(tt.dir, tt.elem)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoinWithin_EscapeIsTyped(t *testing.T) {
	_, err := JoinWithin("plots", "../../x")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"flight-3", "flight-3"},
		{"Hover test #2", "Hover_test_2"},
		{"../../etc/passwd", "etc_passwd"},
		{"a..b", "a_b"},
		{"__trim__", "trim"},
		{"", ""},
		{"///", ""},
		{"résumé", "r_sum"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), tt.in)
	}
}

func TestSanitizeFilename_Length(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("x", 200))
	assert.Len(t, got, 64)
}

func TestSanitizeFilename_StaysWithin(t *testing.T) {
	for _, in := range []string{"..", "../..", ".../...", "a/../../b", "....//...."} {
		name := SanitizeFilename(in)
		if name == "" {
			continue
		}
		_, err := JoinWithin("plots", name)
		assert.NoError(t, err, in)
	}
}
