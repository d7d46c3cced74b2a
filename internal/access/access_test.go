package access

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMembership(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		shelves []string
		shelf   string
		want    bool
	}{
		{name: "no shelf", shelves: nil, shelf: "", want: true},
		{name: "member", shelves: []string{"eng", "ops"}, shelf: "ops", want: true},
		{name: "case insensitive", shelves: []string{" Ops "}, shelf: "ops", want: true},
		{name: "stranger", shelves: []string{"eng"}, shelf: "ops", want: false},
		{name: "anonymous", shelves: nil, shelf: "ops", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Membership{}.IsVisible(tt.shelves, tt.shelf))
		})
	}
	require.True(t, AllowAll{}.IsVisible(nil, "ops"))
}

func TestParseShelves(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"eng", "ops"}, ParseShelves(" eng, ,ops,"))
	require.Nil(t, ParseShelves(""))
}
