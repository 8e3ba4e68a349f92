package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandBraces(t *testing.T) {
	tests := []struct {
		pattern string
		want    []string
	}{
		{"plain.tar", []string{"plain.tar"}},
		{"data-{000..002}.tar", []string{"data-000.tar", "data-001.tar", "data-002.tar"}},
		{"d-{8..10}.tar", []string{"d-8.tar", "d-9.tar", "d-10.tar"}},
		{"d-{2..0}.tar", []string{"d-2.tar", "d-1.tar", "d-0.tar"}},
		{"{train,val}.tar", []string{"train.tar", "val.tar"}},
		{"{a,b}-{0..1}", []string{"a-0", "a-1", "b-0", "b-1"}},
		{"s3/{x{1,2},y}.tar", []string{"s3/x1.tar", "s3/x2.tar", "s3/y.tar"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := ExpandBraces(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandBraces_Errors(t *testing.T) {
	for _, p := range []string{"data-{000..002.tar", "data-}.tar", "d-{a..3}.tar"} {
		_, err := ExpandBraces(p)
		assert.Error(t, err, p)
	}
}
